// Package writer persists day records to local JSON files and optionally
// mirrors them to object storage and a flat parquet projection.
package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "alphaflow/config"
	"alphaflow/internal/models"
	"alphaflow/logger"
)

// DayWriter shapes and persists one day record per file.
type DayWriter struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewDayWriter prepares the output directory and, when configured, the S3
// client used to mirror day files.
func NewDayWriter(ctx context.Context, cfg *appconfig.Config) (*DayWriter, error) {
	if err := os.MkdirAll(cfg.Storage.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	w := &DayWriter{cfg: cfg, log: logger.GetLogger()}

	if cfg.Storage.S3.Enabled {
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
		if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Storage.S3.AccessKeyID,
					cfg.Storage.S3.SecretAccessKey,
					"",
				),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		w.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
			}
			o.UsePathStyle = cfg.Storage.S3.PathStyle
		})
		w.log.WithComponent("day_writer").WithFields(logger.Fields{
			"bucket": cfg.Storage.S3.Bucket,
			"region": cfg.Storage.S3.Region,
		}).Debug("s3 mirroring enabled")
	}

	return w, nil
}

// WriteDay persists one record and returns the JSON file path. The local
// write is atomic; S3 and parquet mirroring degrade to warnings.
func (w *DayWriter) WriteDay(ctx context.Context, record models.DayRecord) (string, error) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode day %s: %w", record.Date, err)
	}

	name := fmt.Sprintf("prices_%s.json", record.Date)
	outPath := filepath.Join(w.cfg.Storage.OutputDir, name)
	if err := writeAtomic(outPath, data); err != nil {
		return "", fmt.Errorf("write day %s: %w", record.Date, err)
	}

	w.log.WithComponent("day_writer").WithFields(logger.Fields{
		"path":    outPath,
		"samples": len(record.Samples),
	}).Info("day record written")
	logger.LogDataFlowEntry(w.log.WithComponent("day_writer"), record.Network, name, len(record.Samples), "day_record")

	if w.cfg.Storage.Parquet.Enabled {
		if err := w.writeParquet(record); err != nil {
			w.log.WithComponent("day_writer").WithError(err).WithFields(logger.Fields{
				"date": record.Date,
			}).Warn("parquet projection failed")
		}
	}

	if w.s3Client != nil {
		if err := w.upload(ctx, name, data); err != nil {
			w.log.WithComponent("day_writer").WithError(err).WithFields(logger.Fields{
				"date": record.Date,
			}).Warn("s3 upload failed")
		} else {
			logger.IncrementS3Upload(int64(len(data)))
		}
	}

	return outPath, nil
}

func (w *DayWriter) upload(ctx context.Context, name string, data []byte) error {
	key := name
	if w.cfg.Storage.S3.Prefix != "" {
		key = path.Join(w.cfg.Storage.S3.Prefix, name)
	}
	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", w.cfg.Storage.S3.Bucket, key, err)
	}
	w.log.WithComponent("day_writer").WithFields(logger.Fields{
		"bucket": w.cfg.Storage.S3.Bucket,
		"key":    key,
		"bytes":  len(data),
	}).Debug("day record uploaded")
	return nil
}

func writeAtomic(outPath string, data []byte) error {
	dir := filepath.Dir(outPath)
	tmp, err := os.CreateTemp(dir, ".day-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
