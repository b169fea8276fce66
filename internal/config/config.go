// Package config loads the engine configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Dedupe key modes for manually submitted duplicate URLs.
const (
	DedupeByID  = "id"
	DedupeByURL = "url"
)

// Config holds every tunable of the engine. Env names keep the YTP_
// prefix the original deployment documented.
type Config struct {
	Listen       string `yaml:"listen" env:"YTP_LISTEN" env-default:":8081"`
	DownloadPath string `yaml:"download_path" env:"YTP_DOWNLOAD_PATH" env-default:"./downloads"`
	TempPath     string `yaml:"temp_path" env:"YTP_TEMP_PATH" env-default:"./tmp"`
	ConfigPath   string `yaml:"config_path" env:"YTP_CONFIG_PATH" env-default:"./config"`
	DatabaseFile string `yaml:"database_file" env:"YTP_DB_FILE" env-default:"./config/ytptube.db"`
	ArchiveFile  string `yaml:"archive_file" env:"YTP_ARCHIVE_FILE" env-default:"./config/archive.log"`

	MaxWorkers     int    `yaml:"max_workers" env:"YTP_MAX_WORKERS" env-default:"1"`
	DefaultPreset  string `yaml:"default_preset" env:"YTP_DEFAULT_PRESET" env-default:"default"`
	OutputTemplate string `yaml:"output_template" env:"YTP_OUTPUT_TEMPLATE" env-default:"%(title)s.%(ext)s"`
	KeepArchive    bool   `yaml:"keep_archive" env:"YTP_KEEP_ARCHIVE" env-default:"true"`
	RemoveFiles    bool   `yaml:"remove_files" env:"YTP_REMOVE_FILES" env-default:"true"`

	// Dedupe selects the identity used to reject duplicate manual
	// submissions: resolved content id or raw URL.
	Dedupe string `yaml:"dedupe" env:"YTP_DEDUPE" env-default:"id"`

	DownloaderBin string `yaml:"downloader_bin" env:"YTP_DOWNLOADER_BIN" env-default:"yt-dlp"`

	// SocketTimeout bounds connection establishment inside the
	// downloader tool; ExtractTimeout bounds metadata resolution.
	// The two are independent on purpose.
	SocketTimeout    time.Duration `yaml:"socket_timeout" env:"YTP_SOCKET_TIMEOUT" env-default:"30s"`
	ExtractTimeout   time.Duration `yaml:"extract_timeout" env:"YTP_EXTRACT_TIMEOUT" env-default:"70s"`
	CancelGrace      time.Duration `yaml:"cancel_grace" env:"YTP_CANCEL_GRACE" env-default:"5s"`
	ProgressInterval time.Duration `yaml:"progress_interval" env:"YTP_PROGRESS_INTERVAL" env-default:"1s"`

	// MaxRuntime bounds a single non-live download. Live items are
	// exempt: they poll for stream end instead of timing out.
	MaxRuntime time.Duration `yaml:"max_runtime" env:"YTP_MAX_RUNTIME" env-default:"0s"`

	DownloadRetries int `yaml:"download_retries" env:"YTP_DOWNLOAD_RETRIES" env-default:"2"`
	StoreRetries    int `yaml:"store_retries" env:"YTP_STORE_RETRIES" env-default:"3"`
	NotifyRetries   int `yaml:"notify_retries" env:"YTP_NOTIFY_RETRIES" env-default:"2"`
}

// Load reads the config file at path when it exists, then applies env
// overrides. A missing file is not an error, env-only setups are fine.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
			return cfg, cfg.Validate()
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.Dedupe != DedupeByID && c.Dedupe != DedupeByURL {
		return fmt.Errorf("dedupe must be %q or %q, got %q", DedupeByID, DedupeByURL, c.Dedupe)
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval must be positive, got %s", c.ProgressInterval)
	}
	if c.CancelGrace < 0 || c.SocketTimeout < 0 || c.ExtractTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.DownloadRetries < 0 || c.StoreRetries < 0 || c.NotifyRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	return nil
}
