package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docchat/internal/app"
	"docchat/internal/config"
	"docchat/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	application, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	application.Start(cfg.QueueConcurrency)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     application.Server.Router(),
		ReadTimeout: 15 * time.Second,
		// Answer streaming holds the response open; keep the write window
		// generous.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := application.Close(); err != nil {
		logger.Error("app shutdown", "error", err)
	}
}
