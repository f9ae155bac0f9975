package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/mkarls/chat-backup-search/internal/backup"
	"github.com/mkarls/chat-backup-search/internal/config"
	"github.com/mkarls/chat-backup-search/internal/httpapi"
	"github.com/mkarls/chat-backup-search/pkg/log"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	manager := backup.NewManager(cfg)
	// Relaunch jobs interrupted by the previous run.
	go manager.Startup()

	scheduler := cron.New()
	if cfg.Retention.MaxAge > 0 {
		_, err := scheduler.AddFunc(cfg.Retention.CronExpr, func() {
			manager.PruneExpired(cfg.Retention.MaxAge)
		})
		if err != nil {
			log.Fatal("Invalid retention cron expression %q: %v", cfg.Retention.CronExpr, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := httpapi.NewServer(manager)
	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening on %s (data dir %s)", cfg.ListenAddr, cfg.DataDir)
		errCh <- server.ListenAndServe(cfg.ListenAddr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server stopped: %v", err)
		}
	case sig := <-stop:
		log.Info("Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("Shutdown error: %v", err)
		}
	}
}
