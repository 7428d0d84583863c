package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	appconfig "alphaflow/config"
	"alphaflow/internal/anchor"
	"alphaflow/internal/chain"
	"alphaflow/internal/locate"
	"alphaflow/internal/sampler"
	"alphaflow/internal/writer"
	"alphaflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	network := flag.String("network", "", "Override network name from configuration")
	endpoint := flag.String("endpoint", "", "Override archive gateway endpoint")
	date := flag.String("date", "", "Single date in YYYY-MM-DD")
	dateRange := flag.String("date-range", "", "Inclusive date range in YYYY-MM-DD:YYYY-MM-DD")
	timeOfDay := flag.String("time", "", "First sample time with offset in HH:MM±HH:MM")
	samplesPerDay := flag.Int("samples-per-day", 0, "Evenly spaced snapshots per day")
	sampleWorkers := flag.Int("sample-workers", 0, "Concurrent snapshot fetches per day")
	anchorsPath := flag.String("anchors", "", "Path to the midnight anchor cache")
	outputDir := flag.String("output-dir", "", "Directory for day record JSON files")
	overwriteAnchors := flag.Bool("overwrite-anchors", false, "Recompute cached midnight anchors")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	applyOverrides(cfg, *network, *endpoint, *timeOfDay, *samplesPerDay, *sampleWorkers, *anchorsPath, *outputDir)

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	runID := uuid.NewString()
	log.WithFields(logger.Fields{
		"service": cfg.Alphaflow.Name,
		"version": cfg.Alphaflow.Version,
		"network": cfg.Network.Name,
		"run_id":  runID,
	}).Info("starting alphaflow")

	dates, err := resolveDates(*date, *dateRange)
	if err != nil {
		log.WithError(err).Error("Invalid date selection")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel, log)

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "", "")
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if err := run(ctx, cfg, dates, *overwriteAnchors); err != nil {
		log.WithError(err).Error("run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config, dates []string, overwriteAnchors bool) error {
	log := logger.GetLogger()

	rpcOpts := chain.RPCOptions{
		Endpoint:          cfg.Network.Endpoint,
		CallTimeout:       cfg.Network.Timeout.Std(),
		RequestsPerSecond: cfg.Network.RateLimit.RequestsPerSecond,
		Burst:             cfg.Network.RateLimit.BurstSize,
	}
	client, err := chain.Dial(ctx, rpcOpts)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Network.Endpoint, err)
	}
	defer client.Close()

	anchors := anchor.Load(cfg.Anchors.Path, cfg.Network.Name, cfg.Anchors.NetworkMismatch)

	scheduler := sampler.New(sampler.Config{
		Network:              cfg.Network.Name,
		SamplesPerDay:        cfg.Sampler.SamplesPerDay,
		SampleWorkers:        cfg.Sampler.SampleWorkers,
		DayWorkers:           cfg.Sampler.DayWorkers,
		TimeOfDay:            cfg.Sampler.TimeOfDay,
		FallbackWindowBlocks: cfg.Network.Search.FallbackWindowBlocks,
		FetchEmissions:       cfg.Sampler.FetchEmissions,
		Locate: locate.Options{
			SecondsPerBlock:  cfg.Network.SecondsPerBlock,
			ToleranceSeconds: cfg.Network.ToleranceSeconds,
			MaxAttempts:      cfg.Network.MaxEstimateAttempts,
			SkipBudget:       cfg.Network.Search.SkipBudget,
		},
	}, client, chain.NewDialer(rpcOpts), anchors)

	dayWriter, err := writer.NewDayWriter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("prepare writer: %w", err)
	}

	records := scheduler.Run(ctx, dates, overwriteAnchors || cfg.Anchors.Overwrite)
	written := 0
	for _, record := range records {
		if _, err := dayWriter.WriteDay(ctx, record); err != nil {
			log.WithError(err).WithFields(logger.Fields{"date": record.Date}).Error("failed to write day record")
			continue
		}
		written++
	}
	log.LogMetric("main", "days_written", written, "counter", logger.Fields{"network": cfg.Network.Name})

	if anchors.Dirty() {
		if err := anchors.Persist(cfg.Anchors.Path); err != nil {
			return fmt.Errorf("persist anchors: %w", err)
		}
	}
	return nil
}

func applyOverrides(cfg *appconfig.Config, network, endpoint, timeOfDay string, samplesPerDay, sampleWorkers int, anchorsPath, outputDir string) {
	if network != "" {
		cfg.Network.Name = network
	}
	if endpoint != "" {
		cfg.Network.Endpoint = endpoint
	}
	if timeOfDay != "" {
		cfg.Sampler.TimeOfDay = timeOfDay
	}
	if samplesPerDay > 0 {
		cfg.Sampler.SamplesPerDay = samplesPerDay
	}
	if sampleWorkers > 0 {
		cfg.Sampler.SampleWorkers = sampleWorkers
	}
	if anchorsPath != "" {
		cfg.Anchors.Path = anchorsPath
	}
	if outputDir != "" {
		cfg.Storage.OutputDir = outputDir
	}
}

func resolveDates(date, dateRange string) ([]string, error) {
	switch {
	case date != "" && dateRange != "":
		return nil, fmt.Errorf("-date and -date-range are mutually exclusive")
	case date != "":
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, fmt.Errorf("invalid -date %q: %w", date, err)
		}
		return []string{date}, nil
	case dateRange != "":
		parts := strings.SplitN(dateRange, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid -date-range %q: expected START:END", dateRange)
		}
		return sampler.ExpandDateRange(parts[0], parts[1])
	default:
		return nil, fmt.Errorf("one of -date or -date-range is required")
	}
}

func handleShutdown(cancel context.CancelFunc, log *logger.Log) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.WithComponent("main").Warn("shutdown requested")
	cancel()
}
