package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/italolelis/background_downloader/internal/transfer"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir         string        `envconfig:"TARGET_DIR" default:"."`
	AppFolder         string        `envconfig:"APP_FOLDER" default:"background_downloader"`
	ChunkSize         int           `envconfig:"CHUNK_SIZE" default:"4096"`
	HistoryRetention  time.Duration `envconfig:"HISTORY_RETENTION" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"transfers.db"`

	// Source optionally names a transfer that is started at boot.
	Source struct {
		URL                   string        `envconfig:"URL"`
		Name                  string        `envconfig:"NAME"`
		MimeType              string        `split_words:"true" default:"video/mp4"`
		Category              string        `envconfig:"CATEGORY" default:"downloads"`
		Token                 string        `envconfig:"TOKEN"`
		ResponseHeaderTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Sink struct {
		BucketURL string `split_words:"true"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `envconfig:"ENABLED" default:"true"`
		ServiceName  string `split_words:"true" default:"background_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.CleanupInterval <= 0 {
		return nil, fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", cfg.CleanupInterval)
	}

	if cfg.HistoryRetention < 0 {
		return nil, fmt.Errorf("HISTORY_RETENTION must not be negative, got %s", cfg.HistoryRetention)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SourceRequest returns the boot transfer, or false when SOURCE_URL is unset.
// The destination name defaults to the last path segment of the URL.
func (c *Config) SourceRequest() (transfer.Request, bool) {
	if c.Source.URL == "" {
		return transfer.Request{}, false
	}

	name := c.Source.Name
	if name == "" {
		name = c.Source.URL[strings.LastIndex(c.Source.URL, "/")+1:]
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}

	return transfer.Request{
		SourceURL:       c.Source.URL,
		DestinationName: name,
		MimeType:        c.Source.MimeType,
		Category:        transfer.Category(c.Source.Category),
	}, true
}
