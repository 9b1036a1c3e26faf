package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/seismoworks/geomotion/internal/adapter/http"
	"github.com/seismoworks/geomotion/internal/archive"
	"github.com/seismoworks/geomotion/internal/config"
	"github.com/seismoworks/geomotion/internal/observability"
	"github.com/seismoworks/geomotion/internal/query"
	"github.com/seismoworks/geomotion/internal/store"
	"github.com/seismoworks/geomotion/internal/updater"
)

func main() {
	godotenv.Load() //nolint:errcheck // .env is optional

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	if dir := filepath.Dir(cfg.CacheDB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create cache directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.CacheDB, store.WithMatchTolerance(cfg.EventMatchTolerance))
	if err != nil {
		logger.Error("failed to open cache", "path", cfg.CacheDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client := archive.NewFTPClient(cfg.ArchiveAddr, cfg.ArchiveBaseDir, cfg.FetchTimeout, logger)
	defer client.Close()
	registry := archive.NewSiteRegistry(cfg.SitesURL, cfg.FetchTimeout, cfg.LocalTimezone, logger)

	upd := updater.New(client, registry, st, logger, metrics,
		updater.WithWorkers(cfg.Workers),
		updater.WithFetchRetries(cfg.FetchRetries),
		updater.WithFetchTimeout(cfg.FetchTimeout),
	)
	facade := query.New(st, cfg.LocalTimezone)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "update-sites":
		count, err := upd.UpdateSites(ctx)
		if err != nil {
			logger.Error("site update failed", "error", err)
			os.Exit(1)
		}
		logger.Info("site update complete", "sites", count)

	case "update-events":
		since, err := parseSince(os.Args[2:], cfg.LocalTimezone)
		if err != nil {
			logger.Error("invalid arguments", "error", err)
			os.Exit(1)
		}
		summary, err := upd.UpdateEvents(ctx, since)
		logger.Info("event update summary",
			"run_id", summary.RunID,
			"months", summary.MonthsProcessed,
			"files_processed", summary.FilesProcessed,
			"files_skipped", summary.FilesSkipped,
			"records_merged", summary.RecordsMerged,
			"failures", len(summary.Failures),
		)
		if err != nil {
			logger.Error("event update aborted", "error", err)
			os.Exit(1)
		}

	case "serve":
		serve(ctx, cfg, facade, st, logger)

	default:
		fmt.Fprintf(os.Stderr, "usage: %s [serve|update-sites|update-events [-since YYYY-MM-DD]]\n", os.Args[0])
		os.Exit(2)
	}
}

func parseSince(args []string, local *time.Location) (*time.Time, error) {
	fs := flag.NewFlagSet("update-events", flag.ContinueOnError)
	sinceStr := fs.String("since", "", "only update archive months at or after this date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *sinceStr == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation("2006-01-02", *sinceStr, local)
	if err != nil {
		return nil, fmt.Errorf("parse -since: %w", err)
	}
	return &t, nil
}

type storeReadiness struct {
	store *store.Store
}

func (r storeReadiness) CheckReadiness(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func serve(ctx context.Context, cfg *config.Config, facade *query.Facade, st *store.Store, logger *slog.Logger) {
	srv := httpadapter.NewServer(cfg.HTTPAddr, facade, storeReadiness{store: st}, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
