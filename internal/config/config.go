// Package config loads and persists the Chronova agent's INI
// configuration file, layering built-in defaults, the config file and
// CLI flag overrides in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAPIURL is the canonical compiled-in default base URL. The
// WakaTime-proper endpoint remains reachable by setting api_url.
const DefaultAPIURL = "https://chronova.dev/api/v1"

const (
	defaultConfigFileName = ".chronova.cfg"
	envAPIKey             = "CHRONOVA_API_KEY"
	envConfigPath         = "CHRONOVA_CONFIG"
)

// Config mirrors the [settings] and [sync] sections of the INI file.
// Settings is embedded so its fields (APIKey, APIURL, ...) are promoted
// onto Config directly, while mapstructure still decodes it from the
// nested "settings" key viper produces for an INI section.
type Config struct {
	Settings `mapstructure:"settings"`
	Sync     SyncConfig `mapstructure:"sync"`
}

// Settings mirrors the [settings] section.
type Settings struct {
	APIKey           string   `mapstructure:"api_key"`
	APIURL           string   `mapstructure:"api_url"`
	Hostname         string   `mapstructure:"hostname"`
	HideFileNames    bool   `mapstructure:"hide_file_names"`
	HideProjectNames bool   `mapstructure:"hide_project_names"`
	// Ignore and Include are comma-separated glob pattern lists, the
	// only representation an INI value can hold without a custom
	// decode hook; split with IgnorePatterns/IncludePatterns.
	Ignore  string `mapstructure:"ignore"`
	Include string `mapstructure:"include"`
	Debug   bool   `mapstructure:"debug"`
	LogFile string `mapstructure:"log_file"`
	Offline bool   `mapstructure:"offline"`
}

// IgnorePatterns splits Ignore on commas, trimming whitespace, for use
// with path/filepath.Match.
func (s Settings) IgnorePatterns() []string {
	return splitPatterns(s.Ignore)
}

// IncludePatterns splits Include the same way as IgnorePatterns.
func (s Settings) IncludePatterns() []string {
	return splitPatterns(s.Include)
}

func splitPatterns(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SyncConfig mirrors the [sync] section.
type SyncConfig struct {
	BatchSize             int  `mapstructure:"batch_size"`
	MaxRetryAttempts      int  `mapstructure:"max_retry_attempts"`
	RetryBaseDelaySeconds int  `mapstructure:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds  int  `mapstructure:"retry_max_delay_seconds"`
	RetryUseJitter        bool `mapstructure:"retry_use_jitter"`
	SyncIntervalSeconds   int  `mapstructure:"sync_interval_seconds"`
	MaxQueueSize          int  `mapstructure:"sync_max_queue_size"`
	RetentionDays         int  `mapstructure:"sync_retention_days"`
	Background            bool `mapstructure:"sync_background"`
}

// Defaults returns the built-in defaults, the lowest-precedence layer.
func Defaults() Config {
	return Config{
		Settings: Settings{APIURL: DefaultAPIURL},
		Sync: SyncConfig{
			BatchSize:             50,
			MaxRetryAttempts:      5,
			RetryBaseDelaySeconds: 1,
			RetryMaxDelaySeconds:  60,
			RetryUseJitter:        true,
			SyncIntervalSeconds:   120,
			MaxQueueSize:          10000,
			RetentionDays:         30,
			Background:            true,
		},
	}
}

// DefaultPath returns ~/.chronova.cfg, honoring CHRONOVA_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, defaultConfigFileName)
}

// Loader owns the viper instance backing one config file, so
// --config-read/--config-write can operate on the same in-memory tree
// that produced the unmarshaled Config.
type Loader struct {
	v    *viper.Viper
	path string
}

// Load reads path (creating no file if absent — an absent config file
// is not an error, only the defaults apply) and returns both the
// merged Config and the Loader for subsequent read/write operations.
func Load(path string) (Config, *Loader, error) {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	defaults := Defaults()
	v.SetDefault("settings.api_url", defaults.APIURL)
	v.SetDefault("sync.batch_size", defaults.Sync.BatchSize)
	v.SetDefault("sync.max_retry_attempts", defaults.Sync.MaxRetryAttempts)
	v.SetDefault("sync.retry_base_delay_seconds", defaults.Sync.RetryBaseDelaySeconds)
	v.SetDefault("sync.retry_max_delay_seconds", defaults.Sync.RetryMaxDelaySeconds)
	v.SetDefault("sync.retry_use_jitter", defaults.Sync.RetryUseJitter)
	v.SetDefault("sync.sync_interval_seconds", defaults.Sync.SyncIntervalSeconds)
	v.SetDefault("sync.sync_max_queue_size", defaults.Sync.MaxQueueSize)
	v.SetDefault("sync.sync_retention_days", defaults.Sync.RetentionDays)
	v.SetDefault("sync.sync_background", defaults.Sync.Background)

	if _, statErr := os.Stat(path); statErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaults.APIURL
	}

	return cfg, &Loader{v: v, path: path}, nil
}

// ResolveAPIKey applies the precedence CLI flag > CHRONOVA_API_KEY env
// var > config file > empty.
func (c Config) ResolveAPIKey(cliValue string) string {
	if cliValue != "" {
		return cliValue
	}
	if env := os.Getenv(envAPIKey); env != "" {
		return env
	}
	return c.APIKey
}

// RetryBaseDelay, RetryMaxDelay and SyncInterval convert the INI's
// integer-seconds fields into time.Duration for the retry policy and
// sync engine constructors.
func (s SyncConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelaySeconds) * time.Second
}

func (s SyncConfig) RetryMaxDelay() time.Duration {
	return time.Duration(s.RetryMaxDelaySeconds) * time.Second
}

func (s SyncConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalSeconds) * time.Second
}

func (s SyncConfig) RetentionPeriod() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// Get reads a single "section.key" value from the loaded config tree,
// as used by --config-read.
func (l *Loader) Get(sectionDotKey string) (string, bool) {
	if !l.v.IsSet(sectionDotKey) {
		return "", false
	}
	return l.v.GetString(sectionDotKey), true
}

// Set writes a single "section.key=value" pair and persists the file,
// as used by --config-write. The parent directory is created if
// necessary so a first run with --config-write works on a fresh
// machine.
func (l *Loader) Set(sectionDotKey, value string) error {
	l.v.Set(sectionDotKey, value)
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := l.v.WriteConfigAs(l.path); err != nil {
		return fmt.Errorf("writing config %s: %w", l.path, err)
	}
	return nil
}

// Path returns the file path this Loader was opened against.
func (l *Loader) Path() string {
	return l.path
}
