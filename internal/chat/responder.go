package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docchat/internal/util"
	"docchat/pkg/ai"
	"docchat/pkg/domain"
	"docchat/pkg/store"
)

var (
	// ErrFileNotFound covers both a missing file and one owned by someone
	// else; callers must not be able to tell the two apart.
	ErrFileNotFound = errors.New("file not found")
	// ErrFileNotReady means the file has not finished ingestion.
	ErrFileNotReady = errors.New("file not ready")
	// ErrQuestionRequired rejects empty questions.
	ErrQuestionRequired = errors.New("question required")
	// ErrUpstream wraps embedding/generation provider failures.
	ErrUpstream = errors.New("upstream failure")
)

// Responder answers questions about one ingested file, grounding the model
// on the file's most similar chunks and recent conversation history.
type Responder struct {
	store        store.Store
	embedder     ai.Embedder
	streamer     ai.TextStreamer
	logger       *slog.Logger
	topK         int
	historyLimit int
}

type ResponderConfig struct {
	Store    store.Store
	Embedder ai.Embedder
	Streamer ai.TextStreamer
	Logger   *slog.Logger
	// TopK bounds how many chunks ground the answer.
	TopK int
	// HistoryLimit bounds how many prior messages are replayed into the prompt.
	HistoryLimit int
}

func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("streamer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 4
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit < 0 {
		historyLimit = 0
	}
	return &Responder{
		store:        cfg.Store,
		embedder:     cfg.Embedder,
		streamer:     cfg.Streamer,
		logger:       logger,
		topK:         topK,
		historyLimit: historyLimit,
	}, nil
}

// Respond streams the answer to question via onDelta and persists both chat
// turns. The user's question is saved before generation starts; if the
// stream dies midway, whatever answer text was already produced is saved so
// the transcript matches what the user saw. A stream that produced nothing
// leaves no assistant message behind.
func (r *Responder) Respond(ctx context.Context, ownerID, fileID, question string, onDelta func(string) error) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrQuestionRequired
	}
	file, ok, err := r.store.GetFileForOwner(ownerID, fileID)
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	if !ok {
		return ErrFileNotFound
	}
	if file.Status != domain.StatusSuccess {
		return ErrFileNotReady
	}

	var history []domain.Message
	if r.historyLimit > 0 {
		history, err = r.store.ListRecentMessages(fileID, r.historyLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
	}

	if err := r.store.AppendMessage(domain.Message{
		ID:            util.NewID(),
		FileID:        fileID,
		UserID:        ownerID,
		Text:          question,
		IsUserMessage: true,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save question: %w", err)
	}

	queryEmbedding, err := r.embedder.EmbedText(ctx, question, ai.TaskRetrievalQuery)
	if err != nil {
		return fmt.Errorf("%w: embed question: %v", ErrUpstream, err)
	}
	chunks, err := r.store.SearchChunks(fileID, queryEmbedding, r.topK)
	if err != nil {
		return fmt.Errorf("search chunks: %w", err)
	}

	systemPrompt := buildSystemPrompt()
	userPrompt := buildUserPrompt(file.Name, question, buildHistory(history), buildContext(chunks))

	var answer strings.Builder
	streamErr := r.streamer.StreamText(ctx, systemPrompt, userPrompt, func(delta string) error {
		answer.WriteString(delta)
		return onDelta(delta)
	})
	if streamErr != nil && answer.Len() == 0 {
		return fmt.Errorf("%w: %v", ErrUpstream, streamErr)
	}

	if err := r.store.AppendMessage(domain.Message{
		ID:            util.NewID(),
		FileID:        fileID,
		UserID:        ownerID,
		Text:          answer.String(),
		IsUserMessage: false,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	if streamErr != nil {
		r.logger.Warn("answer stream interrupted, partial answer saved",
			"file_id", fileID, "answer_len", answer.Len(), "error", streamErr)
		return fmt.Errorf("%w: %v", ErrUpstream, streamErr)
	}
	return nil
}
