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

	"uplift/api/internal/app"
	"uplift/api/internal/config"
	"uplift/api/internal/eligibility"
	"uplift/api/internal/eventbus"
	"uplift/api/internal/objstore"
	"uplift/api/internal/renderer"
	"uplift/api/internal/store"
)

func main() {
	cfg := config.Load()
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

	objects, err := objstore.New(ctx, objstore.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		URLTTL:    cfg.ArtifactURLTTL,
	})
	if err != nil {
		log.Fatalf("object store connection failed: %v", err)
	}

	events, err := eventbus.NewPublisher(cfg.RedisURL, cfg.EventChannel)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer events.Close()

	callbackURL := strings.TrimRight(cfg.CallbackBaseURL, "/") + "/api/certificate/callback"
	errorURL := callbackURL + "/error"
	var docRenderer renderer.Renderer
	if strings.TrimSpace(cfg.RendererURL) != "" {
		log.Printf("Using external renderer at %s", cfg.RendererURL)
		docRenderer = renderer.NewClient(renderer.ClientOptions{
			BaseURL:     cfg.RendererURL,
			CallbackURL: callbackURL,
			ErrorURL:    errorURL,
			Timeout:     cfg.RendererTimeout,
		})
	} else {
		log.Printf("Using in-process renderer")
		docRenderer = renderer.NewLocal(renderer.LocalOptions{
			CallbackURL: callbackURL,
			ErrorURL:    errorURL,
			Timeout:     cfg.RendererTimeout,
		})
	}

	var rules eligibility.Evaluator
	if strings.TrimSpace(cfg.EligibilityURL) != "" {
		rules = eligibility.NewClient(cfg.EligibilityURL, cfg.EligibilityTimeout)
	} else {
		log.Printf("Using built-in eligibility rule")
		rules = eligibility.Local{}
	}

	service := app.New(cfg, dataStore, objects, events, docRenderer, rules)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Uplift API listening on %s", cfg.Addr)
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
