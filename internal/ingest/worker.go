package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"docchat/internal/util"
	"docchat/pkg/ai"
	"docchat/pkg/domain"
	"docchat/pkg/plan"
	"docchat/pkg/queue"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

// Worker runs one ingestion job: fetch the stored PDF, extract per-page
// text, enforce the owner's page limit, chunk, embed, and index.
//
// Returning an error marks the attempt as retryable; the queue redelivers
// until attempts run out. Permanent failures (page limit, unreadable PDF)
// mark the file FAILED and return nil so the job is not retried.
type Worker struct {
	store     store.Store
	objects   storage.ObjectStore
	extractor PageExtractor
	embedder  ai.Embedder
	logger    *slog.Logger

	chunkSize        int
	chunkOverlap     int
	embedBatchSize   int
	embedConcurrency int
	maxAttempts      int
}

type WorkerConfig struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Extractor PageExtractor
	Embedder  ai.Embedder
	Logger    *slog.Logger

	ChunkSize        int
	ChunkOverlap     int
	EmbedBatchSize   int
	EmbedConcurrency int
	// MaxAttempts mirrors the queue's retry budget so the final attempt can
	// mark the file FAILED instead of leaving it PROCESSING forever.
	MaxAttempts int
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("page extractor required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	chunkOverlap := cfg.ChunkOverlap
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	embedBatchSize := cfg.EmbedBatchSize
	if embedBatchSize <= 0 {
		embedBatchSize = 16
	}
	embedConcurrency := cfg.EmbedConcurrency
	if embedConcurrency <= 0 {
		embedConcurrency = 4
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		store:            cfg.Store,
		objects:          cfg.Objects,
		extractor:        cfg.Extractor,
		embedder:         cfg.Embedder,
		logger:           logger,
		chunkSize:        chunkSize,
		chunkOverlap:     chunkOverlap,
		embedBatchSize:   embedBatchSize,
		embedConcurrency: embedConcurrency,
		maxAttempts:      maxAttempts,
	}, nil
}

// Process handles a single delivery of an ingestion job.
func (w *Worker) Process(ctx context.Context, job queue.JobStatus) error {
	log := w.logger.With("file_id", job.FileID, "job_id", job.ID, "attempt", job.Attempts)

	file, ok, err := w.store.GetFile(job.FileID)
	if err != nil {
		return w.transient(log, job, fmt.Errorf("load file: %w", err))
	}
	if !ok {
		// Deleted while queued; nothing to do.
		log.Info("ingest skipped, file gone")
		return nil
	}
	if file.Status.Terminal() {
		log.Info("ingest skipped, file already settled", "status", file.Status)
		return nil
	}
	if err := w.store.SetFileStatus(file.ID, domain.StatusProcessing, ""); err != nil {
		return w.transient(log, job, fmt.Errorf("mark processing: %w", err))
	}

	userPlan := plan.Free
	if owner, ok, err := w.store.GetUserByID(file.OwnerID); err != nil {
		return w.transient(log, job, fmt.Errorf("load owner: %w", err))
	} else if ok {
		userPlan = plan.ByName(owner.PlanName)
	}

	data, err := w.fetchObject(ctx, file.StorageKey)
	if err != nil {
		return w.transient(log, job, fmt.Errorf("fetch object: %w", err))
	}

	pages, err := w.extractor.ExtractPages(data)
	if err != nil {
		if errors.Is(err, ErrUnreadablePDF) {
			return w.permanent(log, file.ID, "Could not read this PDF. It may be corrupted or image-only.")
		}
		return w.transient(log, job, fmt.Errorf("extract pages: %w", err))
	}

	if err := w.store.SetFilePageCount(file.ID, len(pages)); err != nil {
		return w.transient(log, job, fmt.Errorf("record page count: %w", err))
	}
	// Page limit is enforced before any chunk is written or embedded, so an
	// oversized document never incurs embedding cost.
	if len(pages) > userPlan.PagesPerPDF {
		msg := fmt.Sprintf("Document has %d pages; the %s plan allows up to %d.", len(pages), userPlan.Name, userPlan.PagesPerPDF)
		return w.permanent(log, file.ID, msg)
	}

	chunks := w.buildChunks(file.ID, pages)
	if len(chunks) == 0 {
		return w.permanent(log, file.ID, "No text could be extracted from this PDF.")
	}
	if err := w.store.ReplaceChunks(file.ID, chunks); err != nil {
		return w.transient(log, job, fmt.Errorf("store chunks: %w", err))
	}
	if err := w.embedChunks(ctx, chunks); err != nil {
		return w.transient(log, job, fmt.Errorf("embed chunks: %w", err))
	}

	if err := w.store.SetFileStatus(file.ID, domain.StatusSuccess, ""); err != nil {
		return w.transient(log, job, fmt.Errorf("mark success: %w", err))
	}
	log.Info("ingest complete", "pages", len(pages), "chunks", len(chunks))
	return nil
}

func (w *Worker) fetchObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := w.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (w *Worker) buildChunks(fileID string, pages []Page) []domain.Chunk {
	now := time.Now().UTC()
	var chunks []domain.Chunk
	for _, page := range pages {
		for idx, part := range chunkText(page.Text, w.chunkSize, w.chunkOverlap) {
			chunks = append(chunks, domain.Chunk{
				ID:     util.NewID(),
				FileID: fileID,
				Text:   part,
				Metadata: map[string]string{
					"page":  strconv.Itoa(page.Number),
					"chunk": strconv.Itoa(idx),
				},
				CreatedAt: now,
			})
		}
	}
	return chunks
}

func (w *Worker) embedChunks(ctx context.Context, chunks []domain.Chunk) error {
	batches := make([][]domain.Chunk, 0, (len(chunks)/w.embedBatchSize)+1)
	for i := 0; i < len(chunks); i += w.embedBatchSize {
		end := i + w.embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[i:end])
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.embedConcurrency)
	for _, batch := range batches {
		b := batch
		g.Go(func() error {
			return w.embedBatch(gctx, b)
		})
	}
	return g.Wait()
}

func (w *Worker) embedBatch(ctx context.Context, batch []domain.Chunk) error {
	for _, chunk := range batch {
		embedding, err := w.embedder.EmbedText(ctx, chunk.Text, ai.TaskRetrievalDocument)
		if err != nil {
			return err
		}
		if err := w.store.SetChunkEmbedding(chunk.ID, embedding); err != nil {
			return err
		}
	}
	return nil
}

// permanent marks the file FAILED and consumes the job.
func (w *Worker) permanent(log *slog.Logger, fileID, msg string) error {
	log.Warn("ingest failed permanently", "reason", msg)
	if err := w.store.SetFileStatus(fileID, domain.StatusFailed, msg); err != nil {
		log.Error("mark failed", "error", err)
	}
	return nil
}

// transient returns the error so the queue retries; on the final attempt it
// settles the file as FAILED first.
func (w *Worker) transient(log *slog.Logger, job queue.JobStatus, err error) error {
	if job.Attempts >= w.maxAttempts {
		log.Error("ingest failed, retries exhausted", "error", err)
		if serr := w.store.SetFileStatus(job.FileID, domain.StatusFailed, "Processing failed after multiple attempts."); serr != nil {
			log.Error("mark failed", "error", serr)
		}
		return err
	}
	log.Warn("ingest attempt failed, will retry", "error", err)
	return err
}
