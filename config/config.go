// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials, use ValidateIngestReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/ingest"
	"github.com/onnwee/feedmaid/oauth"
	"github.com/onnwee/feedmaid/twitterapi"
	"github.com/onnwee/feedmaid/userstream"
)

// Defaults applied when the matching variable is unset.
const (
	DefaultHTTPAddr                = ":8080"
	DefaultStallTimeout            = 90 * time.Second
	DefaultStreamMaxRetries        = 10
	DefaultAPIRPS                  = 1.0
	DefaultAPIBurst                = 5
	DefaultLocationRefreshInterval = time.Minute
	DefaultLocationURL             = "https://www.googleapis.com/latitude/v1/currentLocation"
)

type Config struct {
	// Database
	DBDriver db.Dialect
	DBDsn    string

	// Base64 AES-256 key sealing stored credentials. Empty stores them in plaintext.
	EncryptionKey string

	// Twitter application and endpoints
	ConsumerKey    string
	ConsumerSecret string
	APIBaseURL     string
	StreamURL      string
	APIRPS         float64
	APIBurst       int
	UserAgent      string

	// Ingestion
	PollInterval     time.Duration
	PollPacing       time.Duration
	StallTimeout     time.Duration
	StreamMaxRetries int

	// Location (Google OAuth2)
	GoogleClientID          string
	GoogleClientSecret      string
	GoogleTokenURL          string
	GoogleAPIKey            string
	LocationURL             string
	LocationRefreshInterval time.Duration

	// HTTP / observability
	HTTPAddr     string
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// LoadDotEnv loads the given .env files, ignoring missing ones. It is a local
// development convenience; production relies on the real environment.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitter creds are missing;
// use ValidateIngestReady() when ingestion is required. Missing Google credentials disable location.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = string(db.Postgres)
	}
	if cfg.DBDriver, err = db.ParseDialect(driver); err != nil {
		return nil, fmt.Errorf("invalid DB_DRIVER: %w", err)
	}
	// Empty DSN lets db.Connect pick the dialect default.
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.ConsumerKey = os.Getenv("TWITTER_CONSUMER_KEY")
	cfg.ConsumerSecret = os.Getenv("TWITTER_CONSUMER_SECRET")
	cfg.APIBaseURL = envOr("TWITTER_API_BASE", twitterapi.DefaultBaseURL)
	cfg.StreamURL = envOr("TWITTER_STREAM_URL", userstream.DefaultURL)
	cfg.UserAgent = envOr("USER_AGENT", "feedmaid")
	if cfg.APIRPS, err = envFloat("X_API_RPS", DefaultAPIRPS); err != nil {
		return nil, err
	}
	if cfg.APIBurst, err = envInt("X_API_BURST", DefaultAPIBurst); err != nil {
		return nil, err
	}

	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", ingest.DefaultPollInterval); err != nil {
		return nil, err
	}
	if cfg.PollPacing, err = envDuration("POLL_PACING", ingest.DefaultPollPacing); err != nil {
		return nil, err
	}
	if cfg.StallTimeout, err = envDuration("STREAM_STALL_TIMEOUT", DefaultStallTimeout); err != nil {
		return nil, err
	}
	if cfg.StreamMaxRetries, err = envInt("STREAM_MAX_RETRIES", DefaultStreamMaxRetries); err != nil {
		return nil, err
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleTokenURL = envOr("GOOGLE_TOKEN_URL", google.Endpoint.TokenURL)
	cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	cfg.LocationURL = envOr("LOCATION_URL", DefaultLocationURL)
	if cfg.LocationRefreshInterval, err = envDuration("LOCATION_REFRESH_INTERVAL", DefaultLocationRefreshInterval); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = envOr("HTTP_ADDR", DefaultHTTPAddr)
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	cfg.LogFormat = strings.ToLower(os.Getenv("LOG_FORMAT"))

	return cfg, nil
}

// ValidateIngestReady checks the application credentials required to run managers.
func (c *Config) ValidateIngestReady() error {
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return fmt.Errorf("missing twitter env: require TWITTER_CONSUMER_KEY, TWITTER_CONSUMER_SECRET")
	}
	return nil
}

// LocationEnabled reports whether Google credentials are configured.
func (c *Config) LocationEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// APIOptions returns the REST client options.
func (c *Config) APIOptions() twitterapi.Options {
	return twitterapi.Options{
		BaseURL:   c.APIBaseURL,
		UserAgent: c.UserAgent,
		RPS:       c.APIRPS,
		Burst:     c.APIBurst,
	}
}

// StreamOptions returns the stream template; credentials and track
// parameters are filled per account.
func (c *Config) StreamOptions() userstream.Options {
	return userstream.Options{
		URL:          c.StreamURL,
		StallTimeout: c.StallTimeout,
		MaxRetries:   c.StreamMaxRetries,
		UserAgent:    c.UserAgent,
	}
}

// LocationConfig returns the location OAuth config, or nil when location is disabled.
func (c *Config) LocationConfig() *oauth.Config {
	if !c.LocationEnabled() {
		return nil
	}
	return &oauth.Config{
		ClientID:     c.GoogleClientID,
		ClientSecret: c.GoogleClientSecret,
		TokenURL:     c.GoogleTokenURL,
		LocationURL:  c.LocationURL,
		APIKey:       c.GoogleAPIKey,
	}
}

// IngestOptions returns manager options without the store, notifier and registry.
func (c *Config) IngestOptions() ingest.Options {
	return ingest.Options{
		Consumer:                twitterapi.Credentials{ConsumerKey: c.ConsumerKey, ConsumerSecret: c.ConsumerSecret},
		Stream:                  c.StreamOptions(),
		API:                     c.APIOptions(),
		PollInterval:            c.PollInterval,
		PollPacing:              c.PollPacing,
		Location:                c.LocationConfig(),
		LocationRefreshInterval: c.LocationRefreshInterval,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration accepts Go durations ("90s") or plain seconds ("90").
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid %s: negative", key)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative", key)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
