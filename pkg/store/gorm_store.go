package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"docchat/pkg/domain"
)

const migrateLockID int64 = 48271803

const defaultEmbeddingDim = 768

var terminalStatuses = []string{string(domain.StatusSuccess), string(domain.StatusFailed)}

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with the pgvector
// extension for chunk similarity search.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim := opts.EmbeddingDim
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&UserModel{}, &FileModel{}, &MessageModel{}, &ChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chunk_models c
				WHERE NOT EXISTS (SELECT 1 FROM file_models f WHERE f.id = c.file_id);
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM file_models f WHERE f.id = m.file_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_file_id_fkey'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_file_id_fkey
					FOREIGN KEY (file_id) REFERENCES file_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_file_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_file_id_fkey
					FOREIGN KEY (file_id) REFERENCES file_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure file foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// UpsertUser registers or refreshes a user mirrored from the identity provider.
func (s *GormStore) UpsertUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "plan_name", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateFile registers a new file record. A duplicate storage key fails with
// ErrDuplicateStorageKey and leaves the first record untouched.
func (s *GormStore) CreateFile(f domain.File) error {
	model := fileToModel(f)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateStorageKey
		}
		return err
	}
	return nil
}

// ListFilesByOwner returns the owner's files, newest first.
func (s *GormStore) ListFilesByOwner(ownerID string) ([]domain.File, error) {
	var models []FileModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.File, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// CountFilesByOwner returns the number of files owned, for quota checks.
func (s *GormStore) CountFilesByOwner(ownerID string) (int, error) {
	var count int64
	if err := s.db.Model(&FileModel{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetFileForOwner retrieves a file scoped to its owner in a single predicate.
func (s *GormStore) GetFileForOwner(ownerID, fileID string) (domain.File, bool, error) {
	var model FileModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", fileID, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// GetFile retrieves a file without owner scoping (worker path).
func (s *GormStore) GetFile(fileID string) (domain.File, bool, error) {
	var model FileModel
	if err := s.db.First(&model, "id = ?", fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// SetFileStatus updates status and error message. Files already in a
// terminal status are left untouched so status never regresses.
func (s *GormStore) SetFileStatus(fileID string, status domain.FileStatus, errMsg string) error {
	return s.db.Model(&FileModel{}).
		Where("id = ? AND status NOT IN ?", fileID, terminalStatuses).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// SetFilePageCount records the extracted page count.
func (s *GormStore) SetFilePageCount(fileID string, pages int) error {
	return s.db.Model(&FileModel{}).
		Where("id = ?", fileID).
		Updates(map[string]any{
			"page_count": pages,
			"updated_at": time.Now().UTC(),
		}).Error
}

// DeleteFileForOwner removes a file with its messages and chunks.
func (s *GormStore) DeleteFileForOwner(ownerID, fileID string) (domain.File, bool, error) {
	var model FileModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", fileID, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "file_id = ?", fileID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "file_id = ?", fileID).Error; err != nil {
			return err
		}
		return tx.Delete(&FileModel{}, "id = ?", fileID).Error
	})
	if err != nil {
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListStuckProcessing returns files stuck in PROCESSING since before cutoff.
func (s *GormStore) ListStuckProcessing(cutoff time.Time) ([]domain.File, error) {
	var models []FileModel
	if err := s.db.
		Where("status = ? AND updated_at < ?", string(domain.StatusProcessing), cutoff.UTC()).
		Order("updated_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.File, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// AppendMessage records a chat turn.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// ListMessagesPage returns one newest-first page of messages. The cursor is
// a message ID; pages starting at a cursor include that message, matching
// the inclusive-cursor contract consumed by the UI.
func (s *GormStore) ListMessagesPage(fileID string, limit int, cursor string) (MessagePage, error) {
	if limit <= 0 {
		return MessagePage{Messages: []domain.Message{}}, nil
	}
	q := s.db.Where("file_id = ?", fileID)
	if cursor != "" {
		var cur MessageModel
		if err := s.db.First(&cur, "id = ? AND file_id = ?", cursor, fileID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return MessagePage{Messages: []domain.Message{}}, nil
			}
			return MessagePage{}, err
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id <= ?)", cur.CreatedAt, cur.CreatedAt, cur.ID)
	}
	var models []MessageModel
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit + 1).Find(&models).Error; err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{Messages: make([]domain.Message, 0, limit)}
	if len(models) > limit {
		page.NextCursor = models[limit].ID
		models = models[:limit]
	}
	for _, m := range models {
		page.Messages = append(page.Messages, messageFromModel(m))
	}
	return page, nil
}

// ListRecentMessages returns the latest messages in chronological order.
func (s *GormStore) ListRecentMessages(fileID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("file_id = ?", fileID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ReplaceChunks replaces all chunks for a file.
func (s *GormStore) ReplaceChunks(fileID string, chunks []domain.Chunk) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "file_id = ?", fileID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			model := chunkToModel(chunk)
			model.FileID = fileID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// SetChunkEmbedding updates the embedding vector for a chunk.
func (s *GormStore) SetChunkEmbedding(id string, embedding []float32) error {
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return err
	}
	return s.db.Model(&ChunkModel{}).Where("id = ?", id).
		Update("embedding", pgvector.NewVector(embedding)).Error
}

// SearchChunks finds similar chunks by cosine distance, scoped to one file.
func (s *GormStore) SearchChunks(fileID string, embedding []float32, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var models []ChunkModel
	if err := s.db.Model(&ChunkModel{}).
		Where("file_id = ? AND embedding IS NOT NULL", fileID).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

// CountChunksByFile returns how many chunks are indexed for a file.
func (s *GormStore) CountChunksByFile(fileID string) (int, error) {
	var count int64
	if err := s.db.Model(&ChunkModel{}).Where("file_id = ?", fileID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Email:     u.Email,
		PlanName:  u.PlanName,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Email:     m.Email,
		PlanName:  m.PlanName,
		CreatedAt: m.CreatedAt,
	}
}

func fileToModel(f domain.File) FileModel {
	return FileModel{
		ID:           f.ID,
		OwnerID:      f.OwnerID,
		Name:         f.Name,
		StorageKey:   f.StorageKey,
		URL:          f.URL,
		Status:       string(f.Status),
		ErrorMessage: f.ErrorMessage,
		PageCount:    f.PageCount,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	return domain.File{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Name:         m.Name,
		StorageKey:   m.StorageKey,
		URL:          m.URL,
		Status:       domain.FileStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		PageCount:    m.PageCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:            msg.ID,
		FileID:        msg.FileID,
		UserID:        msg.UserID,
		Text:          msg.Text,
		IsUserMessage: msg.IsUserMessage,
		CreatedAt:     msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:            m.ID,
		FileID:        m.FileID,
		UserID:        m.UserID,
		Text:          m.Text,
		IsUserMessage: m.IsUserMessage,
		CreatedAt:     m.CreatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	meta, _ := json.Marshal(chunk.Metadata)
	return ChunkModel{
		ID:        chunk.ID,
		FileID:    chunk.FileID,
		Text:      chunk.Text,
		Metadata:  meta,
		CreatedAt: chunk.CreatedAt,
	}
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var meta map[string]string
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &meta)
	}
	return domain.Chunk{
		ID:        model.ID,
		FileID:    model.FileID,
		Text:      model.Text,
		Metadata:  meta,
		CreatedAt: model.CreatedAt,
	}
}
