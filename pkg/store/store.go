package store

import (
	"errors"
	"time"

	"docchat/pkg/domain"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrDuplicateStorageKey is returned when registering a file whose
	// storage key is already taken.
	ErrDuplicateStorageKey = errors.New("storage key already registered")
)

// MessagePage is one page of a newest-first message listing. NextCursor is
// set only when more messages remain; pass it back verbatim to continue.
type MessagePage struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// Store defines persistence for users, files, messages, and indexed chunks.
type Store interface {
	// users
	UpsertUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)

	// files
	CreateFile(domain.File) error
	ListFilesByOwner(ownerID string) ([]domain.File, error)
	CountFilesByOwner(ownerID string) (int, error)
	// GetFileForOwner looks up a file with ownership as part of the same
	// predicate, so a missing file and a non-owned file are indistinguishable.
	GetFileForOwner(ownerID, fileID string) (domain.File, bool, error)
	GetFile(fileID string) (domain.File, bool, error)
	// SetFileStatus is idempotent and monotonic: once a file reaches a
	// terminal status the write is a no-op.
	SetFileStatus(fileID string, status domain.FileStatus, errMsg string) error
	SetFilePageCount(fileID string, pages int) error
	// DeleteFileForOwner removes the file and cascades messages and chunks.
	// It returns the deleted file so callers can clean up stored objects.
	DeleteFileForOwner(ownerID, fileID string) (domain.File, bool, error)
	// ListStuckProcessing returns files still PROCESSING whose last update
	// is older than cutoff. Consumed by the ingestion watchdog.
	ListStuckProcessing(cutoff time.Time) ([]domain.File, error)

	// messages
	AppendMessage(domain.Message) error
	ListMessagesPage(fileID string, limit int, cursor string) (MessagePage, error)
	// ListRecentMessages returns the latest messages in chronological order,
	// for prompt history assembly.
	ListRecentMessages(fileID string, limit int) ([]domain.Message, error)

	// chunks
	ReplaceChunks(fileID string, chunks []domain.Chunk) error
	SetChunkEmbedding(id string, embedding []float32) error
	// SearchChunks returns the chunks most similar to the query embedding,
	// scoped to exactly one file.
	SearchChunks(fileID string, embedding []float32, limit int) ([]domain.Chunk, error)
	CountChunksByFile(fileID string) (int, error)
}
