package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "missing.cfg"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Errorf("APIURL = %q, want default %q", cfg.APIURL, DefaultAPIURL)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("Sync.BatchSize = %d, want 50", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetryAttempts != 5 {
		t.Errorf("Sync.MaxRetryAttempts = %d, want 5", cfg.Sync.MaxRetryAttempts)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronova.cfg")
	body := `[settings]
api_key = waka_abc123
api_url = https://api.wakatime.com/api/v1/
hide_file_names = true

[sync]
batch_size = 25
sync_background = false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "waka_abc123" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.APIURL != "https://api.wakatime.com/api/v1/" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if !cfg.HideFileNames {
		t.Error("HideFileNames = false, want true")
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("Sync.BatchSize = %d, want 25", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Background {
		t.Error("Sync.Background = true, want false")
	}
	// Untouched sync keys should still carry their defaults.
	if cfg.Sync.MaxRetryAttempts != 5 {
		t.Errorf("Sync.MaxRetryAttempts = %d, want default 5", cfg.Sync.MaxRetryAttempts)
	}
}

func TestResolveAPIKey_Precedence(t *testing.T) {
	t.Setenv("CHRONOVA_API_KEY", "env-key")

	cfg := Config{Settings: Settings{APIKey: "file-key"}}
	if got := cfg.ResolveAPIKey("cli-key"); got != "cli-key" {
		t.Errorf("ResolveAPIKey with cli value = %q, want cli-key", got)
	}
	if got := cfg.ResolveAPIKey(""); got != "env-key" {
		t.Errorf("ResolveAPIKey with env and file set = %q, want env-key (env overrides file)", got)
	}

	cfg2 := Config{}
	if got := cfg2.ResolveAPIKey(""); got != "env-key" {
		t.Errorf("ResolveAPIKey falling back to env = %q, want env-key", got)
	}
}

func TestLoader_SetAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronova.cfg")
	_, loader, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := loader.Set("settings.api_key", "new-key"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	cfg2, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Set: %v", err)
	}
	if cfg2.APIKey != "new-key" {
		t.Errorf("APIKey after reload = %q, want new-key", cfg2.APIKey)
	}

	if v, ok := loader.Get("settings.api_key"); !ok || v != "new-key" {
		t.Errorf("Get(settings.api_key) = (%q, %v), want (new-key, true)", v, ok)
	}
	if _, ok := loader.Get("settings.nonexistent"); ok {
		t.Error("Get for unknown key reported ok=true")
	}
}

func TestSyncConfig_DurationHelpers(t *testing.T) {
	s := SyncConfig{
		RetryBaseDelaySeconds: 1,
		RetryMaxDelaySeconds:  60,
		SyncIntervalSeconds:   120,
		RetentionDays:         30,
	}
	if s.RetryBaseDelay().Seconds() != 1 {
		t.Errorf("RetryBaseDelay = %v", s.RetryBaseDelay())
	}
	if s.RetryMaxDelay().Seconds() != 60 {
		t.Errorf("RetryMaxDelay = %v", s.RetryMaxDelay())
	}
	if s.SyncInterval().Seconds() != 120 {
		t.Errorf("SyncInterval = %v", s.SyncInterval())
	}
	if s.RetentionPeriod().Hours() != 30*24 {
		t.Errorf("RetentionPeriod = %v", s.RetentionPeriod())
	}
}
