package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/config"
	"chatrelay/relay"
	"chatrelay/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	logger.Info("relay starting",
		"config", cfgPath,
		"socket_addr", cfg.SocketAddr,
		"http_addr", cfg.HTTPAddr,
		"storage_dir", cfg.StorageDir)

	store, dbPath, err := storage.Open(cfg.StorageDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", "error", err)
		}
	}()
	logger.Info("database ready", "path", dbPath)

	files, err := storage.NewFiles(cfg.StorageDir)
	if err != nil {
		log.Fatalf("startup failed while preparing storage directory: %v", err)
	}

	registry := relay.NewRegistry()
	router := relay.NewRouter(registry, logger)
	transfers := relay.NewTransferManager(files, store, router, cfg.RateLimit, logger)

	socketServer, err := relay.ListenSocket(cfg.SocketAddr, registry, router, transfers, cfg.MaxFrameSize, logger)
	if err != nil {
		log.Fatalf("startup failed while starting socket listener: %v", err)
	}
	defer func() {
		_ = socketServer.Close()
	}()
	logger.Info("socket listener ready", "addr", socketServer.Addr().String())

	push := relay.NewPushHandler(registry, router, transfers, cfg.MaxFrameSize, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: relay.NewHTTPHandler(files, store, router, push, logger),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()
	logger.Info("http listener ready", "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	_ = socketServer.Close()
	transfers.Wait()
}
