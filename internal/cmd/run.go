// Package cmd wires the long-running service and the interactive login flow.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/api"
	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/logging"
	"github.com/kiroproxy/kiroproxy/internal/pool"
	"github.com/kiroproxy/kiroproxy/internal/store"
	"github.com/kiroproxy/kiroproxy/internal/util"
	"github.com/kiroproxy/kiroproxy/internal/watcher"
)

const (
	healthCheckCronSpec = "*/5 * * * *"
	cleanupCronSpec     = "13 3 * * *"

	healthHistoryKeepDays = 7
)

// StartService runs the proxy until SIGINT/SIGTERM. configPath is watched for
// hot reload.
func StartService(cfg *config.Config, configPath string) {
	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open account store: %v", err)
	}
	defer func() { _ = st.Close() }()

	httpClient := util.NewHTTPClient(cfg.ProxyURL, 0)
	p, err := pool.New(st, httpClient, cfg.MaxErrorCount)
	if err != nil {
		log.Fatalf("load account pool: %v", err)
	}

	cli := client.New(httpClient, cfg.RequestMaxRetries, cfg.RequestBaseDelay)
	promptLogger := logging.NewPromptLogger(cfg.PromptLogMode, cfg.PromptLogBaseName)
	defer func() { _ = promptLogger.Close() }()

	server := api.NewServer(cfg, p, cli, st, promptLogger, httpClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := watcher.NewWatcher(configPath, cfg.AuthDir, p, func(newCfg *config.Config) {
		logging.SetDebug(newCfg.Debug)
		*cfg = *newCfg
	})
	if err != nil {
		log.Warnf("file watcher unavailable: %v", err)
	} else {
		if err := w.Start(ctx); err != nil {
			log.Warnf("file watcher failed to start: %v", err)
		}
		defer func() { _ = w.Stop() }()
	}

	scheduler := startScheduler(ctx, cfg, p, cli, st)
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("API server failed: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	log.Info("shutdown complete")
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.UseSQLitePool {
		log.Infof("using SQLite account store at %s", cfg.SQLiteDBPath)
		return store.OpenSQLiteStore(cfg.SQLiteDBPath)
	}
	log.Infof("using JSON account store at %s", cfg.AccountPoolFilePath)
	return store.OpenJSONStore(cfg.AccountPoolFilePath)
}

// startScheduler installs the background jobs: heartbeat token refresh,
// periodic health checks and nightly cache/history cleanup.
func startScheduler(ctx context.Context, cfg *config.Config, p *pool.Pool, cli *client.Client, st store.Store) *cron.Cron {
	c := cron.New()
	near := time.Duration(cfg.CronNearMinutes) * time.Minute

	if _, err := c.AddFunc(cfg.CronRefreshToken, func() {
		for id, m := range p.Managers() {
			if err := m.Heartbeat(ctx, near); err != nil {
				log.Warnf("heartbeat refresh for %s: %v", id, err)
			}
		}
	}); err != nil {
		log.Errorf("schedule token refresh (%q): %v", cfg.CronRefreshToken, err)
	}

	if _, err := c.AddFunc(healthCheckCronSpec, func() {
		p.PerformHealthChecks(ctx, pool.NewUpstreamProber(p, cli), pool.HealthCheckOptions{
			Concurrency: cfg.HealthCheckConcurrency,
		})
	}); err != nil {
		log.Errorf("schedule health checks: %v", err)
	}

	if _, err := c.AddFunc(cleanupCronSpec, func() {
		if n, err := st.CleanExpiredUsageCache(); err != nil {
			log.Errorf("clean usage cache: %v", err)
		} else if n > 0 {
			log.Infof("cleaned %d expired usage cache entries", n)
		}
		if n, err := st.CleanOldHealthHistory(healthHistoryKeepDays); err != nil {
			log.Errorf("clean health history: %v", err)
		} else if n > 0 {
			log.Infof("cleaned %d old health check records", n)
		}
	}); err != nil {
		log.Errorf("schedule cleanup: %v", err)
	}

	c.Start()
	return c
}
