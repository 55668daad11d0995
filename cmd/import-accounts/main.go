// Command import-accounts creates or updates accounts from a YAML manifest.
//
// Each entry names the chat the account notifies, its credentials and rules,
// and optionally the platform profile payload. When the profile is omitted it
// is fetched with the entry's credentials.
//
// Usage:
//
//	import-accounts [--dry-run] accounts.yaml
//
// Example manifest:
//
//	accounts:
//	  - id: 7
//	    chat_id: "123456"
//	    primary: {token: "...", secret: "..."}
//	    profile: {id: 42, screen_name: "owner", created_at: "Mon Jan 02 15:04:05 +0000 2006"}
//	    rules:
//	      track_keywords: [golang]
//	      filters: ["user:spammer"]
//	      notifications: [mention, dm, event]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/config"
	"github.com/onnwee/feedmaid/crypto"
	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/twitterapi"
)

// Manifest is the YAML document.
type Manifest struct {
	Accounts []Entry `yaml:"accounts"`
}

// Entry describes one account.
type Entry struct {
	ID       int64          `yaml:"id"`
	ChatID   string         `yaml:"chat_id"`
	Primary  *PrimaryEntry  `yaml:"primary"`
	Location *LocationEntry `yaml:"location"`
	// Profile is the raw profile payload, as returned by verify_credentials.
	Profile map[string]any `yaml:"profile"`
	Rules   *RulesEntry    `yaml:"rules"`
}

type PrimaryEntry struct {
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`
}

type LocationEntry struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	ExpiresIn    int64  `yaml:"expires_in"`
	Enabled      bool   `yaml:"enabled"`
}

type RulesEntry struct {
	TrackKeywords       []string `yaml:"track_keywords"`
	TrackKeywordsStream []string `yaml:"track_keywords_stream"`
	TrackUsers          []string `yaml:"track_users"`
	Filters             []string `yaml:"filters"`
	Notifications       []string `yaml:"notifications"`
}

// ProfileFetcher retrieves the profile of a credential.
type ProfileFetcher func(ctx context.Context, cred account.PrimaryCredential) (account.Profile, error)

// Store is the subset of db.Store the importer uses.
type Store interface {
	LoadAccount(ctx context.Context, id int64) (*account.Account, error)
	CreateAccount(ctx context.Context, a *account.Account) error
	SaveAccount(ctx context.Context, id int64, p account.Patch) error
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Validate the manifest without writing")
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: import-accounts [--dry-run] accounts.yaml")
		os.Exit(2)
	}
	m, err := LoadManifest(flag.Arg(0))
	if err != nil {
		slog.Error("failed to read manifest", slog.Any("error", err))
		os.Exit(1)
	}

	config.LoadDotEnv(".env")
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()
	if err := db.RunMigrations(database, cfg.DBDriver); err != nil {
		slog.Error("failed to migrate db", slog.Any("error", err))
		os.Exit(1)
	}
	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("error", err))
			os.Exit(1)
		}
		enc = aes
	}
	store := db.NewStore(database, cfg.DBDriver, enc)

	consumer := twitterapi.Credentials{ConsumerKey: cfg.ConsumerKey, ConsumerSecret: cfg.ConsumerSecret}
	fetch := restFetcher(consumer, cfg.APIOptions())

	if err := importAccounts(context.Background(), store, m, fetch, *dryRun, time.Now()); err != nil {
		slog.Error("import failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("import completed successfully", slog.Int("accounts", len(m.Accounts)))
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, err
	}
	return ParseManifest(b)
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	seen := make(map[int64]bool)
	for i, e := range m.Accounts {
		if e.ID <= 0 {
			return nil, fmt.Errorf("account %d: id must be positive", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("account %d: duplicate id", e.ID)
		}
		seen[e.ID] = true
		if e.ChatID == "" {
			return nil, fmt.Errorf("account %d: chat_id is required", e.ID)
		}
		if e.Rules != nil {
			for _, c := range e.Rules.Notifications {
				if _, err := account.ParseCategory(c); err != nil {
					return nil, fmt.Errorf("account %d: %w", e.ID, err)
				}
			}
		}
	}
	return &m, nil
}

func restFetcher(consumer twitterapi.Credentials, opts twitterapi.Options) ProfileFetcher {
	return func(ctx context.Context, cred account.PrimaryCredential) (account.Profile, error) {
		creds := consumer
		creds.Token, creds.TokenSecret = cred.Token, cred.Secret
		p, _, err := twitterapi.NewClient(creds, opts).VerifyCredentials(ctx)
		return p, err
	}
}

func importAccounts(ctx context.Context, store Store, m *Manifest, fetch ProfileFetcher, dryRun bool, now time.Time) error {
	var errs []error
	for _, e := range m.Accounts {
		logger := slog.With(slog.Int64("account", e.ID), slog.String("chat_id", e.ChatID))
		created, err := importEntry(ctx, store, e, fetch, dryRun, now)
		if err != nil {
			logger.Error("failed to import account", slog.Any("error", err))
			errs = append(errs, fmt.Errorf("account %d: %w", e.ID, err))
			continue
		}
		logger.Info("imported account", slog.Bool("created", created), slog.Bool("dry_run", dryRun))
	}
	return errors.Join(errs...)
}

// importEntry creates the account or patches the fields the entry names.
func importEntry(ctx context.Context, store Store, e Entry, fetch ProfileFetcher, dryRun bool, now time.Time) (bool, error) {
	var cred account.PrimaryCredential
	if e.Primary != nil {
		cred = account.PrimaryCredential{Token: e.Primary.Token, Secret: e.Primary.Secret}
	}
	profile, hasProfile, err := entryProfile(ctx, e, cred, fetch)
	if err != nil {
		return false, err
	}

	existing, err := store.LoadAccount(ctx, e.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		if !hasProfile {
			return false, errors.New("new account needs a profile or a credential to fetch it")
		}
		a := account.FromProfile(e.ID, e.ChatID, profile, cred, now)
		applyEntry(a, e, now)
		if dryRun {
			return true, nil
		}
		return true, store.CreateAccount(ctx, a)
	case err != nil:
		return false, err
	}

	if existing.ChatID != e.ChatID {
		return false, fmt.Errorf("chat_id %q does not match stored %q", e.ChatID, existing.ChatID)
	}
	patch := account.Patch{}
	if hasProfile {
		for k, v := range existing.ApplyProfile(profile, now) {
			patch[k] = v
		}
	}
	if e.Primary != nil {
		patch[account.FieldPrimary] = cred
	}
	applyEntry(existing, e, now)
	if e.Location != nil {
		patch[account.FieldLocation] = existing.Location
	}
	if e.Rules != nil {
		patch[account.FieldRules] = existing.Rules
	}
	if len(patch) == 0 || dryRun {
		return false, nil
	}
	return false, store.SaveAccount(ctx, e.ID, patch)
}

func entryProfile(ctx context.Context, e Entry, cred account.PrimaryCredential, fetch ProfileFetcher) (account.Profile, bool, error) {
	if len(e.Profile) > 0 {
		raw, err := json.Marshal(e.Profile)
		if err != nil {
			return account.Profile{}, false, fmt.Errorf("encode profile: %w", err)
		}
		p, err := account.ParseProfile(raw)
		return p, err == nil, err
	}
	if cred.Valid() && fetch != nil {
		p, err := fetch(ctx, cred)
		if err != nil {
			return account.Profile{}, false, fmt.Errorf("fetch profile: %w", err)
		}
		return p, true, nil
	}
	return account.Profile{}, false, nil
}

// applyEntry copies the location and rules of e into a.
func applyEntry(a *account.Account, e Entry, now time.Time) {
	if l := e.Location; l != nil {
		state := account.LocationOff
		if l.Enabled {
			state = account.LocationOn
		}
		a.Location = account.LocationCredential{
			AccessToken:  l.AccessToken,
			RefreshToken: l.RefreshToken,
			ExpiresIn:    l.ExpiresIn,
			CreatedAt:    now.UTC(),
			State:        state,
		}
	}
	if r := e.Rules; r != nil {
		notifications := make([]account.Category, 0, len(r.Notifications))
		for _, n := range r.Notifications {
			c, _ := account.ParseCategory(n)
			notifications = append(notifications, c)
		}
		if r.Notifications == nil {
			notifications = a.Rules.Notifications
		}
		a.Rules = account.Rules{
			TrackKeywords:       r.TrackKeywords,
			TrackKeywordsStream: r.TrackKeywordsStream,
			TrackUsers:          r.TrackUsers,
			Filters:             r.Filters,
			Notifications:       notifications,
		}
	}
}
