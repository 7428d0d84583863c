package writer

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"alphaflow/internal/models"
	"alphaflow/logger"
)

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// writeParquet flattens the record into per-subnet rows and writes them
// next to the JSON file.
func (w *DayWriter) writeParquet(record models.DayRecord) error {
	rows := flattenRows(record)
	if len(rows) == 0 {
		return nil
	}

	mem := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mem, new(models.PriceRow), 1)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet: %w", err)
	}

	name := fmt.Sprintf("prices_%s.parquet", record.Date)
	outPath := filepath.Join(w.cfg.Storage.OutputDir, name)
	if err := writeAtomic(outPath, mem.Bytes()); err != nil {
		return fmt.Errorf("write parquet file: %w", err)
	}

	w.log.WithComponent("day_writer").WithFields(logger.Fields{
		"path": outPath,
		"rows": len(rows),
	}).Debug("parquet projection written")
	return nil
}

func flattenRows(record models.DayRecord) []models.PriceRow {
	var rows []models.PriceRow
	for _, sample := range record.Samples {
		if sample.ClosestBlock == 0 {
			continue
		}
		requested := sample.RequestedTime.UTC().UnixMilli()
		for _, price := range sample.Prices {
			row := models.PriceRow{
				Date:          record.Date,
				Network:       record.Network,
				RequestedTime: requested,
				ClosestBlock:  sample.ClosestBlock,
				Netuid:        int32(price.Netuid),
			}
			if price.Price != nil {
				row.Price = *price.Price
				row.PriceValid = true
			}
			rows = append(rows, row)
		}
	}
	return rows
}
