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

	"signflow/api/internal/app"
	"signflow/api/internal/blob"
	"signflow/api/internal/config"
	"signflow/api/internal/email"
	"signflow/api/internal/export"
	"signflow/api/internal/guard"
	"signflow/api/internal/history"
	"signflow/api/internal/search"
	"signflow/api/internal/session"
	"signflow/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	dataStore, err := store.New(ctx, store.Options{
		Driver:        cfg.StoreDriver,
		BadgerDir:     cfg.BadgerDir,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsDir,
	})
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer dataStore.Close()
	log.Printf("Using %s document store", cfg.StoreDriver)

	var sessions guard.Store = dataStore.Sessions()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	}
	sessionGuard := guard.New(sessions, app.GuardOptions(cfg), time.Now)

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		engine = meiliClient
	}
	searchService := search.NewService(engine, search.NewStoreSearcher(dataStore))

	var blobStore blob.Store = blob.NewMemoryStore()
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		blobStore = minioStore
	} else {
		log.Printf("WARNING: MINIO_ENDPOINT not set, uploads are kept in memory")
	}

	var historyService *history.Service
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatalf("failed to create history dir: %v", err)
		}
		historyService = history.New(cfg.HistoryDir)
	}

	mailer := email.NewService(app.MailConfig(cfg))
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured, verification codes are returned in API responses")
	}

	service := app.New(cfg, dataStore, app.Deps{
		Guard:   sessionGuard,
		Blob:    blobStore,
		Search:  searchService,
		History: historyService,
		Export:  export.NewService(export.ChromeRenderer{Timeout: 30 * time.Second}),
		Mailer:  mailer,
	})
	go searchService.ReindexAll(ctx, dataStore)
	go sessionGuard.Run(ctx, cfg.GuardTick)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("SignFlow API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
