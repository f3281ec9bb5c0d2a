package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gargmanash/approval-mainnc/internal/app"
	"github.com/gargmanash/approval-mainnc/internal/approval"
	"github.com/gargmanash/approval-mainnc/internal/authz"
	"github.com/gargmanash/approval-mainnc/internal/config"
	"github.com/gargmanash/approval-mainnc/internal/directory"
	"github.com/gargmanash/approval-mainnc/internal/notify"
	"github.com/gargmanash/approval-mainnc/internal/store"
	"github.com/gargmanash/approval-mainnc/internal/tags"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	tagStore, err := tags.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer tagStore.Close()

	var circles directory.CircleBackend
	if strings.TrimSpace(cfg.CirclesURL) != "" {
		log.Printf("Circle membership resolution enabled via %s", cfg.CirclesURL)
		circles = directory.NewCirclesClient(cfg.CirclesURL, cfg.CirclesTimeout)
	}
	oracle := directory.New(dataStore, circles)
	resolver := authz.NewResolver(oracle)

	sink := notify.LogSink{}
	approvals := approval.New(dataStore, tagStore, resolver, sink, sink, sink)

	service := app.New(cfg, dataStore, tagStore, approvals)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Approval API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
