package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the scraping server.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Browser BrowserConfig `yaml:"browser" toml:"browser"`
	Pool    PoolConfig    `yaml:"pool" toml:"pool"`
	Portals PortalsConfig `yaml:"portals" toml:"portals"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Journal JournalConfig `yaml:"journal" toml:"journal"`
	MCP     MCPConfig     `yaml:"mcp" toml:"mcp"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
}

type ServerConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Version string `yaml:"version" toml:"version"`
	Port    int    `yaml:"port" toml:"port" env:"PORT"`
	// Origin allowed by CORS (the web client).
	ClientURL string `yaml:"client_url" toml:"client_url" env:"CLIENT_URL"`
	LogFile   string `yaml:"log_file" toml:"log_file" env:"SCRAPER_LOG_FILE"`
	// debug | info | warn | error
	LogLevel string `yaml:"log_level" toml:"log_level" env:"SCRAPER_LOG_LEVEL"`
	// console | json
	LogFormat string `yaml:"log_format" toml:"log_format" env:"SCRAPER_LOG_FORMAT"`
	// development | production; production hides internal error detail.
	Mode string `yaml:"mode" toml:"mode" env:"NODE_ENV"`
}

// BrowserConfig configures how each session's browser is launched.
type BrowserConfig struct {
	// Automation engine: rod (default) or playwright.
	Engine string `yaml:"engine" toml:"engine" env:"SCRAPER_ENGINE"`
	// Optional Chrome/Chromium binary. Empty lets the engine pick or download one.
	Bin string `yaml:"bin" toml:"bin" env:"SCRAPER_BROWSER_BIN"`
	// Extra launch flags (e.g. ["--no-sandbox", "--window-size=1280,800"]).
	Launch   []string `yaml:"launch" toml:"launch"`
	Headless *bool    `yaml:"headless" toml:"headless" env:"SCRAPER_HEADLESS"`
	// Default navigation timeout (e.g. "60s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout" toml:"default_navigation_timeout"`
	// Default timeout when waiting for an element (e.g. "30s").
	DefaultElementTimeout string `yaml:"default_element_timeout" toml:"default_element_timeout"`
	UserAgent             string `yaml:"user_agent" toml:"user_agent"`
	ViewportWidth         int    `yaml:"viewport_width" toml:"viewport_width"`
	ViewportHeight        int    `yaml:"viewport_height" toml:"viewport_height"`
	// Request resource types aborted on every page (image, font, media...).
	BlockedResourceTypes []string `yaml:"blocked_resource_types" toml:"blocked_resource_types"`
}

// PoolConfig bounds the session pool.
type PoolConfig struct {
	MaxSessions int    `yaml:"max_sessions" toml:"max_sessions" env:"SCRAPER_MAX_SESSIONS"`
	IdleTimeout string `yaml:"idle_timeout" toml:"idle_timeout" env:"SCRAPER_IDLE_TIMEOUT"`
}

// PortalsConfig holds adapter-level tunables shared by every portal.
type PortalsConfig struct {
	// Fixed delay between result pages while paginating.
	PaginationDelay string `yaml:"pagination_delay" toml:"pagination_delay"`
	// How long to wait for a triggered download to finish.
	DownloadWait string `yaml:"download_wait" toml:"download_wait"`
	PJNBaseURL   string `yaml:"pjn_base_url" toml:"pjn_base_url"`
	AFIPBaseURL  string `yaml:"afip_base_url" toml:"afip_base_url"`
}

type StorageConfig struct {
	ScreenshotsDir  string `yaml:"screenshots_dir" toml:"screenshots_dir"`
	TempDir         string `yaml:"temp_dir" toml:"temp_dir"`
	LogsDir         string `yaml:"logs_dir" toml:"logs_dir"`
	MaxScreenshots  int    `yaml:"max_screenshots" toml:"max_screenshots"`
	TempMaxAge      string `yaml:"temp_max_age" toml:"temp_max_age"`
	JanitorInterval string `yaml:"janitor_interval" toml:"janitor_interval"`
}

// JournalConfig controls the embedded lifecycle fact journal.
type JournalConfig struct {
	Enable          bool `yaml:"enable" toml:"enable"`
	FactBufferLimit int  `yaml:"fact_buffer_limit" toml:"fact_buffer_limit"`
}

type MCPConfig struct {
	// Mounts the MCP SSE endpoints (/sse, /message) on the HTTP server.
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

type TracingConfig struct {
	// OTLP/HTTP endpoint URL. Empty disables tracing.
	Endpoint string `yaml:"endpoint" toml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// DefaultConfig mirrors the settings the service has always run with.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:      "scraper-service",
			Version:   "1.0.0",
			Port:      3001,
			ClientURL: "http://localhost:3000",
			LogFile:   filepath.Join("logs", "combined.log"),
			LogLevel:  "info",
			LogFormat: "console",
			Mode:      "development",
		},
		Browser: BrowserConfig{
			Engine: "rod",
			Launch: []string{
				"--no-sandbox",
				"--disable-setuid-sandbox",
				"--disable-dev-shm-usage",
				"--disable-accelerated-2d-canvas",
				"--no-first-run",
				"--no-zygote",
				"--disable-gpu",
				"--window-size=1280,800",
			},
			DefaultNavigationTimeout: "60s",
			DefaultElementTimeout:    "30s",
			UserAgent:                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			ViewportWidth:            1280,
			ViewportHeight:           800,
			BlockedResourceTypes:     []string{"image", "font", "media"},
		},
		Pool: PoolConfig{
			MaxSessions: 5,
			IdleTimeout: "30m",
		},
		Portals: PortalsConfig{
			PaginationDelay: "1s",
			DownloadWait:    "5s",
			PJNBaseURL:      "https://eje.pjn.gov.ar",
			AFIPBaseURL:     "https://auth.afip.gob.ar",
		},
		Storage: StorageConfig{
			ScreenshotsDir:  "screenshots",
			TempDir:         "temp",
			LogsDir:         "logs",
			MaxScreenshots:  200,
			TempMaxAge:      "1h",
			JanitorInterval: "10m",
		},
		Journal: JournalConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		MCP: MCPConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML or TOML config file (chosen by extension), overlays it on
// the defaults and then applies environment overrides. An empty path skips the
// file layer.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := decode(path, raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	return cfg, cfg.Validate()
}

func decode(path string, raw []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(raw), cfg)
		return err
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(raw, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Pool.MaxSessions <= 0 {
		return errors.New("pool.max_sessions must be positive")
	}
	if c.Pool.IdleTimeout != "" {
		if d, err := time.ParseDuration(c.Pool.IdleTimeout); err != nil || d <= 0 {
			return fmt.Errorf("pool.idle_timeout invalid: %q", c.Pool.IdleTimeout)
		}
	}
	switch strings.ToLower(c.Browser.Engine) {
	case "", "rod", "playwright":
	default:
		return fmt.Errorf("browser.engine must be rod or playwright, got %q", c.Browser.Engine)
	}
	return nil
}

// IsProduction reports whether internal error details should be hidden from callers.
func (s ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Mode, "production")
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 60*time.Second)
}

// ElementTimeout returns the parsed element-wait timeout with a sane default.
func (b BrowserConfig) ElementTimeout() time.Duration {
	return parseDuration(b.DefaultElementTimeout, 30*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// GetIdleTimeout returns the idle eviction timeout (default: 30m).
func (p PoolConfig) GetIdleTimeout() time.Duration {
	return parseDuration(p.IdleTimeout, 30*time.Minute)
}

func (p PortalsConfig) GetPaginationDelay() time.Duration {
	return parseDuration(p.PaginationDelay, time.Second)
}

func (p PortalsConfig) GetDownloadWait() time.Duration {
	return parseDuration(p.DownloadWait, 5*time.Second)
}

func (s StorageConfig) GetTempMaxAge() time.Duration {
	return parseDuration(s.TempMaxAge, time.Hour)
}

func (s StorageConfig) GetJanitorInterval() time.Duration {
	return parseDuration(s.JanitorInterval, 10*time.Minute)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
