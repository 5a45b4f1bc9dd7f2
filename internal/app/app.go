// Package app wires configuration into the running service: storage,
// object store, queue, AI clients, ingestion workers, and the watchdog.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docchat/internal/billing"
	"docchat/internal/chat"
	"docchat/internal/config"
	"docchat/internal/ingest"
	"docchat/internal/server"
	"docchat/internal/usertoken"
	"docchat/pkg/ai"
	"docchat/pkg/queue"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

// App owns every long-lived component of the service.
type App struct {
	Store   store.Store
	Objects storage.ObjectStore
	Queue   *queue.RedisJobQueue
	Server  *server.Server

	watchdog *ingest.Watchdog
	worker   *ingest.Worker
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// New builds the full dependency graph from config. Nothing here is a
// package-level singleton; everything is owned by the returned App.
func New(cfg config.FileConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySecs) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init queue: %w", err)
	}

	gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	embedder := ai.NewGeminiEmbedder(gemini, cfg.EmbeddingModel)

	var streamer ai.TextStreamer
	switch strings.ToLower(strings.TrimSpace(cfg.GenerationProvider)) {
	case "", "gemini":
		streamer = ai.NewGeminiStreamer(gemini, cfg.GenerationModel)
	case "openai":
		streamer = ai.NewOpenAICompatStreamer(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.GenerationModel)
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.GenerationProvider)
	}

	worker, err := ingest.NewWorker(ingest.WorkerConfig{
		Store:        st,
		Objects:      objects,
		Extractor:    ingest.NewPDFExtractor(),
		Embedder:     embedder,
		Logger:       logger,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		MaxAttempts:  jobQueue.MaxRetries(),
	})
	if err != nil {
		return nil, fmt.Errorf("init ingest worker: %w", err)
	}

	responder, err := chat.NewResponder(chat.ResponderConfig{
		Store:        st,
		Embedder:     embedder,
		Streamer:     streamer,
		Logger:       logger,
		TopK:         cfg.TopK,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("init responder: %w", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}

	var checkout server.CheckoutClient
	if cfg.BillingBaseURL != "" {
		client, err := billing.NewClient(billing.Config{BaseURL: cfg.BillingBaseURL, APIKey: cfg.BillingAPIKey})
		if err != nil {
			return nil, fmt.Errorf("init billing client: %w", err)
		}
		checkout = client
	}

	httpServer, err := server.New(server.Config{
		Store:          st,
		Objects:        objects,
		Queue:          jobQueue,
		Responder:      responder,
		Verifier:       verifier,
		Billing:        checkout,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}

	watchdog := ingest.NewWatchdog(st, logger,
		time.Duration(cfg.WatchdogDeadlineSecs)*time.Second,
		time.Duration(cfg.WatchdogIntervalSecs)*time.Second)

	return &App{
		Store:    st,
		Objects:  objects,
		Queue:    jobQueue,
		Server:   httpServer,
		watchdog: watchdog,
		worker:   worker,
		logger:   logger,
	}, nil
}

// Start launches the ingestion consumers and the watchdog.
func (a *App) Start(concurrency int) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if concurrency <= 0 {
		concurrency = 2
	}
	a.Queue.Start(ctx, concurrency, a.worker.Process)
	a.watchdog.Start(ctx)
	a.logger.Info("background workers started", "concurrency", concurrency)
}

// Close stops background work and releases connections.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.Queue.Close()
}
