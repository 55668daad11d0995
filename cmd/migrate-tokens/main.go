// Package main provides a CLI tool to seal account credentials that were stored in plaintext.
//
// Credentials written while ENCRYPTION_KEY was unset stay readable as plaintext
// in the account documents. This tool re-saves the primary and location
// credentials of those accounts through an encrypting store (AES-256-GCM bound
// to the account id).
//
// Usage:
//
//	migrate-tokens [--dry-run] [--account ID]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--account: Migrate one account only (default: all accounts)
//
// Environment Variables:
//
//	DB_DRIVER: pgx (default) or sqlite
//	DB_DSN: Database connection string
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/config"
	"github.com/onnwee/feedmaid/crypto"
	"github.com/onnwee/feedmaid/db"
)

// credentialState is the at-rest shape of an account's credentials.
type credentialState struct {
	Primary  account.PrimaryCredential  `json:"primary"`
	Location account.LocationCredential `json:"location"`
}

func (c credentialState) plainPrimary() bool {
	return !c.Primary.Sealed && (c.Primary.Token != "" || c.Primary.Secret != "")
}

func (c credentialState) plainLocation() bool {
	return !c.Location.Sealed && (c.Location.AccessToken != "" || c.Location.RefreshToken != "")
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	accountID := flag.Int64("account", 0, "Migrate one account only (default: all accounts)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	config.LoadDotEnv(".env")
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if _, err := migrateCredentials(ctx, database, cfg.DBDriver, encryptor, *dryRun, *accountID); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, database); err != nil {
		slog.Warn("status report failed", slog.Any("error", err))
	}
	slog.Info("migration completed successfully")
}

// migrateCredentials seals every plaintext credential and returns how many
// accounts were (or, in dry-run mode, would be) migrated.
func migrateCredentials(ctx context.Context, database *sql.DB, d db.Dialect, encryptor crypto.Encryptor, dryRun bool, accountFilter int64) (int, error) {
	plain, err := findPlaintext(ctx, database, d, accountFilter)
	if err != nil {
		return 0, err
	}
	if len(plain) == 0 {
		slog.Info("no plaintext credentials found to migrate")
		return 0, nil
	}
	slog.Info("found plaintext credentials to migrate", slog.Int("count", len(plain)), slog.Bool("dry_run", dryRun))

	store := db.NewStore(database, d, encryptor)
	migratedCount, errorCount := 0, 0
	for i, id := range plain {
		logger := slog.With(slog.Int64("account", id), slog.Int("index", i+1), slog.Int("total", len(plain)))
		if dryRun {
			logger.Info("would migrate account (dry-run)")
			migratedCount++
			continue
		}
		if err := migrateAccount(ctx, store, id); err != nil {
			logger.Error("failed to migrate account", slog.Any("error", err))
			errorCount++
			continue
		}
		logger.Info("migrated account successfully")
		migratedCount++
	}

	slog.Info("migration summary",
		slog.Int("total", len(plain)),
		slog.Int("migrated", migratedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))
	if errorCount > 0 {
		return migratedCount, fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return migratedCount, nil
}

// findPlaintext returns the ids of accounts holding a plaintext credential.
func findPlaintext(ctx context.Context, database *sql.DB, d db.Dialect, accountFilter int64) ([]int64, error) {
	query := `SELECT id, doc FROM accounts`
	var args []any
	if accountFilter != 0 {
		if d == db.Postgres {
			query += ` WHERE id = $1`
		} else {
			query += ` WHERE id = ?`
		}
		args = append(args, accountFilter)
	}
	query += ` ORDER BY id`

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		var st credentialState
		if err := json.Unmarshal(doc, &st); err != nil {
			slog.Warn("skipping undecodable account document", slog.Int64("account", id), slog.Any("err", err))
			continue
		}
		if st.plainPrimary() || st.plainLocation() {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}
	return ids, nil
}

// migrateAccount re-saves the credentials through the encrypting store.
// Values already sealed pass through unchanged.
func migrateAccount(ctx context.Context, store *db.Store, id int64) error {
	a, err := store.LoadAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	patch := account.Patch{
		account.FieldPrimary:  a.Primary,
		account.FieldLocation: a.Location,
	}
	if err := store.SaveAccount(ctx, id, patch); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// reportStatus logs how many accounts hold sealed, plaintext or no credentials.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx, `SELECT doc FROM accounts`)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var sealed, plaintext, empty int
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		var st credentialState
		if err := json.Unmarshal(doc, &st); err != nil {
			continue
		}
		switch {
		case st.plainPrimary() || st.plainLocation():
			plaintext++
		case st.Primary.Sealed || st.Location.Sealed:
			sealed++
		default:
			empty++
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("status rows iteration: %w", err)
	}
	slog.Info("credential encryption status",
		slog.Int("sealed", sealed),
		slog.Int("plaintext", plaintext),
		slog.Int("no_credentials", empty))
	return nil
}
