package writer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "alphaflow/config"
	"alphaflow/internal/models"
)

func testConfig(t *testing.T) *appconfig.Config {
	t.Helper()
	return &appconfig.Config{
		Storage: appconfig.StorageConfig{
			OutputDir: t.TempDir(),
		},
	}
}

func sampleRecord() models.DayRecord {
	ts := time.Date(2025, 2, 8, 0, 0, 3, 0, time.UTC)
	price := 0.025
	return models.DayRecord{
		Date:          "2025-02-08",
		Network:       "finney",
		SamplesPerDay: 1,
		Samples: []models.Sample{{
			RequestedTime: time.Date(2025, 2, 8, 0, 0, 0, 0, time.UTC),
			ClosestBlock:  5000000,
			BlockTime:     &ts,
			Prices: []models.SubnetPrice{
				{Netuid: 0, Price: float64Ptr(1)},
				{Netuid: 1, Price: &price},
				{Netuid: 3, Price: nil},
			},
		}},
	}
}

func float64Ptr(v float64) *float64 { return &v }

func TestWriteDayProducesDatedFile(t *testing.T) {
	cfg := testConfig(t)
	w, err := NewDayWriter(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	path, err := w.WriteDay(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("write day: %v", err)
	}
	if filepath.Base(path) != "prices_2025-02-08.json" {
		t.Fatalf("unexpected file name: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if doc["date"] != "2025-02-08" || doc["network"] != "finney" {
		t.Fatalf("unexpected document: %v", doc)
	}
	if doc["closest_block"] != float64(5000000) {
		t.Fatalf("single-sample mirror missing: %v", doc["closest_block"])
	}
}

func TestWriteDayLeavesNoTempFiles(t *testing.T) {
	cfg := testConfig(t)
	w, err := NewDayWriter(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.WriteDay(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("write day: %v", err)
	}

	entries, err := os.ReadDir(cfg.Storage.OutputDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one output file, found %d", len(entries))
	}
}

func TestWriteDayParquetMirror(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Parquet.Enabled = true
	w, err := NewDayWriter(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.WriteDay(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("write day: %v", err)
	}

	path := filepath.Join(cfg.Storage.OutputDir, "prices_2025-02-08.parquet")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("parquet mirror missing: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("parquet mirror is empty")
	}
}

func TestFlattenRowsSkipsUnresolvedSamples(t *testing.T) {
	rec := sampleRecord()
	rec.SamplesPerDay = 2
	rec.Samples = append(rec.Samples, models.Sample{
		RequestedTime: time.Date(2025, 2, 8, 12, 0, 0, 0, time.UTC),
	})

	rows := flattenRows(rec)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows from the resolved sample, got %d", len(rows))
	}
	for _, row := range rows {
		if row.ClosestBlock != 5000000 {
			t.Fatalf("row from unresolved sample leaked: %+v", row)
		}
	}

	// The nil price row survives but is flagged invalid.
	var sawInvalid bool
	for _, row := range rows {
		if row.Netuid == 3 {
			if row.PriceValid {
				t.Fatalf("nil price must be flagged invalid")
			}
			sawInvalid = true
		}
	}
	if !sawInvalid {
		t.Fatalf("expected a row for netuid 3")
	}
}
