// Command feedmaid is the main entrypoint for the ingestion service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres or SQLite and runs idempotent migrations.
//   - Starts one ingestion manager per authorized account: stream connection,
//     polling fallback and location credential refresher.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics and the account API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/feedmaid/config"
	"github.com/onnwee/feedmaid/crypto"
	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/ingest"
	"github.com/onnwee/feedmaid/notify"
	"github.com/onnwee/feedmaid/server"
	"github.com/onnwee/feedmaid/telemetry"
)

// version is stamped at build time with -ldflags.
var version = "dev"

func main() {
	// Local dev convenience only; production relies on real env
	config.LoadDotEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdown, err := telemetry.InitTracing(cfg.OTLPEndpoint, "feedmaid", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("driver", string(cfg.DBDriver)))
	if err := db.RunMigrations(database, cfg.DBDriver); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	}
	store := db.NewStore(database, cfg.DBDriver, enc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub()
	opts := cfg.IngestOptions()
	opts.Notifier = notify.Multi{notify.LogNotifier{Logger: slog.Default()}, hub}

	var accounts server.Accounts
	if err := cfg.ValidateIngestReady(); err != nil {
		slog.Warn("ingestion disabled", slog.Any("err", err))
	} else {
		sup := ingest.NewSupervisor(store, opts)
		if err := sup.Start(ctx); err != nil {
			slog.Error("failed to start ingestion", slog.Any("err", err))
			os.Exit(1)
		}
		defer sup.Stop()
		accounts = sup
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, server.Deps{DB: store, Accounts: accounts, Hub: hub}, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
