package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Alphaflow AlphaflowConfig `yaml:"alphaflow"`
	Network   NetworkConfig   `yaml:"network"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Anchors   AnchorsConfig   `yaml:"anchors"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AlphaflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type NetworkConfig struct {
	Name                string          `yaml:"name"`
	Endpoint            string          `yaml:"endpoint"`
	Timeout             Duration        `yaml:"timeout"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	SecondsPerBlock     float64         `yaml:"seconds_per_block"`
	ToleranceSeconds    float64         `yaml:"tolerance_seconds"`
	MaxEstimateAttempts int             `yaml:"max_estimate_attempts"`
	Search              SearchConfig    `yaml:"search"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SearchConfig struct {
	SkipBudget           int   `yaml:"skip_budget"`
	FallbackWindowBlocks int64 `yaml:"fallback_window_blocks"`
}

type SamplerConfig struct {
	SamplesPerDay  int    `yaml:"samples_per_day"`
	SampleWorkers  int    `yaml:"sample_workers"`
	DayWorkers     int    `yaml:"day_workers"`
	TimeOfDay      string `yaml:"time_of_day"`
	FetchEmissions bool   `yaml:"fetch_emissions"`
}

type AnchorsConfig struct {
	Path            string `yaml:"path"`
	Overwrite       bool   `yaml:"overwrite"`
	NetworkMismatch string `yaml:"network_mismatch"` // warn | reject
}

type StorageConfig struct {
	OutputDir string        `yaml:"output_dir"`
	Parquet   ParquetConfig `yaml:"parquet"`
	S3        S3Config      `yaml:"s3"`
}

type ParquetConfig struct {
	Enabled bool `yaml:"enabled"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Network: NetworkConfig{
			Timeout:             Duration(15 * time.Second),
			SecondsPerBlock:     12,
			ToleranceSeconds:    11,
			MaxEstimateAttempts: 6,
		},
		Sampler: SamplerConfig{
			SamplesPerDay: 1,
			SampleWorkers: 4,
			DayWorkers:    1,
			TimeOfDay:     "00:00+00:00",
		},
		Anchors: AnchorsConfig{
			Path:            "midnight_blocks.json",
			NetworkMismatch: "warn",
		},
		Storage: StorageConfig{
			OutputDir: "outputs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override network and S3 settings from environment variables if available
	if v := os.Getenv("ALPHAFLOW_ENDPOINT"); v != "" {
		config.Network.Endpoint = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Alphaflow.Name == "" {
		return fmt.Errorf("alphaflow.name is required")
	}
	if cfg.Alphaflow.Version == "" {
		return fmt.Errorf("alphaflow.version is required")
	}

	if cfg.Network.Name == "" {
		return fmt.Errorf("network.name is required")
	}
	if cfg.Network.Endpoint == "" {
		return fmt.Errorf("network.endpoint is required")
	}
	if !strings.HasPrefix(cfg.Network.Endpoint, "ws://") && !strings.HasPrefix(cfg.Network.Endpoint, "wss://") {
		return fmt.Errorf("network.endpoint '%s' must be a ws:// or wss:// URL", cfg.Network.Endpoint)
	}
	if cfg.Network.Timeout <= 0 {
		return fmt.Errorf("network.timeout must be greater than 0")
	}
	if cfg.Network.SecondsPerBlock <= 0 {
		return fmt.Errorf("network.seconds_per_block must be greater than 0")
	}
	if cfg.Network.ToleranceSeconds <= 0 {
		return fmt.Errorf("network.tolerance_seconds must be greater than 0")
	}
	if cfg.Network.MaxEstimateAttempts <= 0 {
		return fmt.Errorf("network.max_estimate_attempts must be greater than 0")
	}

	if cfg.Sampler.SamplesPerDay <= 0 {
		return fmt.Errorf("sampler.samples_per_day must be greater than 0")
	}
	if cfg.Sampler.SampleWorkers <= 0 {
		return fmt.Errorf("sampler.sample_workers must be greater than 0")
	}
	if cfg.Sampler.DayWorkers <= 0 {
		return fmt.Errorf("sampler.day_workers must be greater than 0")
	}
	if _, err := time.Parse("15:04Z07:00", cfg.Sampler.TimeOfDay); err != nil {
		return fmt.Errorf("sampler.time_of_day '%s' must match HH:MM±HH:MM", cfg.Sampler.TimeOfDay)
	}

	switch cfg.Anchors.NetworkMismatch {
	case "warn", "reject":
	default:
		return fmt.Errorf("anchors.network_mismatch must be 'warn' or 'reject'")
	}

	if cfg.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
