package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	AI          AIConfig          `yaml:"ai"`
	Crawler     CrawlerConfig     `yaml:"crawler"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// AIConfig points at an OpenAI-compatible chat completions endpoint. The
// prompt fields override the built-in templates; they accept the same
// {title}, {description}, {content}, {footerContent} and {pages}
// placeholders and fall back to the defaults when empty.
type AIConfig struct {
	Model          string `yaml:"model"`
	APIURL         string `yaml:"api_url"`
	APIKey         string `yaml:"api_key"`
	Timeout        string `yaml:"timeout"`
	ClassifyPrompt string `yaml:"classify_prompt"`
	EmailPrompt    string `yaml:"email_prompt"`
	CompanyPrompt  string `yaml:"company_prompt"`
}

// CrawlerConfig tunes page fetching. Proxy is an optional proxy URL
// (e.g. http://host:port) applied to both the plain and headless fetchers.
type CrawlerConfig struct {
	Headless    bool   `yaml:"headless"`
	UserAgent   string `yaml:"user_agent"`
	Timeout     string `yaml:"timeout"`
	MaxSubpages int    `yaml:"max_subpages"`
	Proxy       string `yaml:"proxy"`
}

type ConcurrencyConfig struct {
	MaxConcurrent       int `yaml:"max_concurrent"`
	DelayBetweenBatches int `yaml:"delay_between_batches_ms"`
	RetryAttempts       int `yaml:"retry_attempts"`
	BackgroundThreshold int `yaml:"background_threshold"`
}

type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	MaxRecords    int    `yaml:"max_records"`
	RetentionDays int    `yaml:"retention_days"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		AI: AIConfig{
			Model:   "gpt-4o-mini",
			APIURL:  "https://api.openai.com/v1",
			Timeout: "60s",
		},
		Crawler: CrawlerConfig{
			Timeout:     "30s",
			MaxSubpages: 4,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrent:       3,
			DelayBetweenBatches: 1000,
			RetryAttempts:       2,
			BackgroundThreshold: 50,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			MaxRecords:    10000,
			RetentionDays: 7,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "leadsieve-data"
		}
	}
	return filepath.Join(dir, "leadsieve")
}

// FilePath returns the default config file location.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "leadsieve", "config.yaml")
}

// Load reads configuration from the YAML config file (if present) and
// applies LEADSIEVE_* environment overrides on top of the defaults.
//
// A missing AI API key is not a load error: the server can run without
// one, and analysis dispatch fails fast instead.
func Load() (Config, error) {
	return LoadFile(FilePath())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Concurrency.MaxConcurrent < 1 {
		cfg.Concurrency.MaxConcurrent = 1
	}
	if cfg.Storage.MaxRecords < 1 {
		cfg.Storage.MaxRecords = 1
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring invalid integer in %s: %q\n", key, v)
			return
		}
		*dst = i
	}

	setInt("LEADSIEVE_PORT", &cfg.Server.Port)
	setString("LEADSIEVE_AI_MODEL", &cfg.AI.Model)
	setString("LEADSIEVE_AI_API_URL", &cfg.AI.APIURL)
	setString("LEADSIEVE_AI_API_KEY", &cfg.AI.APIKey)
	setString("LEADSIEVE_DATA_DIR", &cfg.Storage.DataDir)
	setString("LEADSIEVE_LOG_LEVEL", &cfg.Log.Level)
	setString("LEADSIEVE_PROXY", &cfg.Crawler.Proxy)
	setInt("LEADSIEVE_MAX_CONCURRENT", &cfg.Concurrency.MaxConcurrent)
	setInt("LEADSIEVE_BACKGROUND_THRESHOLD", &cfg.Concurrency.BackgroundThreshold)
	setInt("LEADSIEVE_MAX_RECORDS", &cfg.Storage.MaxRecords)
	setInt("LEADSIEVE_RETENTION_DAYS", &cfg.Storage.RetentionDays)
	if v := os.Getenv("LEADSIEVE_HEADLESS"); v != "" {
		cfg.Crawler.Headless = v == "1" || v == "true"
	}
}

// AITimeout parses the configured AI call timeout, defaulting to 60s.
func (c Config) AITimeout() time.Duration {
	return parseDuration(c.AI.Timeout, 60*time.Second)
}

// CrawlTimeout parses the configured crawl timeout, defaulting to 30s.
func (c Config) CrawlTimeout() time.Duration {
	return parseDuration(c.Crawler.Timeout, 30*time.Second)
}

// BatchDelay returns the pause between coordinator batches.
func (c Config) BatchDelay() time.Duration {
	if c.Concurrency.DelayBetweenBatches <= 0 {
		return 0
	}
	return time.Duration(c.Concurrency.DelayBetweenBatches) * time.Millisecond
}

// Retention returns the record retention window. Zero disables purging.
func (c Config) Retention() time.Duration {
	if c.Storage.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
