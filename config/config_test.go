package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/ingest"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DB_DRIVER", "POLL_INTERVAL", "POLL_PACING", "STREAM_STALL_TIMEOUT", "STREAM_MAX_RETRIES", "HTTP_ADDR", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBDriver != db.Postgres {
		t.Errorf("DBDriver = %q, want %q", cfg.DBDriver, db.Postgres)
	}
	if cfg.PollInterval != ingest.DefaultPollInterval || cfg.PollPacing != ingest.DefaultPollPacing {
		t.Errorf("poll = %v/%v", cfg.PollInterval, cfg.PollPacing)
	}
	if cfg.StallTimeout != DefaultStallTimeout || cfg.StreamMaxRetries != DefaultStreamMaxRetries {
		t.Errorf("stream = %v/%d", cfg.StallTimeout, cfg.StreamMaxRetries)
	}
	if cfg.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LocationConfig() != nil {
		t.Errorf("location should be disabled without google credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("POLL_INTERVAL", "60")
	t.Setenv("POLL_PACING", "0s")
	t.Setenv("STREAM_STALL_TIMEOUT", "2m")
	t.Setenv("X_API_RPS", "2.5")
	t.Setenv("GOOGLE_CLIENT_ID", "gid")
	t.Setenv("GOOGLE_CLIENT_SECRET", "gsecret")
	t.Setenv("GOOGLE_TOKEN_URL", "http://localhost/token")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBDriver != db.SQLite {
		t.Errorf("DBDriver = %q", cfg.DBDriver)
	}
	if cfg.PollInterval != time.Minute || cfg.PollPacing != 0 || cfg.StallTimeout != 2*time.Minute {
		t.Errorf("durations = %v %v %v", cfg.PollInterval, cfg.PollPacing, cfg.StallTimeout)
	}
	opts := cfg.IngestOptions()
	if opts.API.RPS != 2.5 {
		t.Errorf("RPS = %v", opts.API.RPS)
	}
	if opts.Location == nil || opts.Location.TokenURL != "http://localhost/token" {
		t.Errorf("location config = %+v", opts.Location)
	}
	if opts.Stream.StallTimeout != 2*time.Minute {
		t.Errorf("stream stall = %v", opts.Stream.StallTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DB_DRIVER":          "mysql",
		"POLL_INTERVAL":      "soon",
		"STREAM_MAX_RETRIES": "many",
		"X_API_RPS":          "fast",
		"POLL_PACING":        "-5",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", k, v)
			}
		})
	}
}

func TestValidateIngestReady(t *testing.T) {
	t.Setenv("TWITTER_CONSUMER_KEY", "ck")
	t.Setenv("TWITTER_CONSUMER_SECRET", "cs")
	cfg, _ := Load()
	if err := cfg.ValidateIngestReady(); err != nil {
		t.Errorf("expected valid ingest config, got %v", err)
	}
	t.Setenv("TWITTER_CONSUMER_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidateIngestReady(); err == nil {
		t.Errorf("expected error when missing twitter envs")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FEEDMAID_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FEEDMAID_DOTENV_PROBE", "")
	if err := os.Unsetenv("FEEDMAID_DOTENV_PROBE"); err != nil {
		t.Fatal(err)
	}
	LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env"))
	if got := os.Getenv("FEEDMAID_DOTENV_PROBE"); got != "loaded" {
		t.Errorf("probe = %q, want loaded", got)
	}
}
