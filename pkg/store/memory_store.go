package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"docchat/pkg/domain"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	files    map[string]domain.File
	messages map[string][]domain.Message // fileID -> append order
	chunks   map[string][]memoryChunk    // fileID -> insertion order
}

type memoryChunk struct {
	chunk     domain.Chunk
	embedding []float32
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		files:    make(map[string]domain.File),
		messages: make(map[string][]domain.Message),
		chunks:   make(map[string][]memoryChunk),
	}
}

func (s *MemoryStore) UpsertUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		existing.Email = u.Email
		existing.PlanName = u.PlanName
		s.users[u.ID] = existing
		return nil
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) CreateFile(f domain.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.files {
		if existing.StorageKey == f.StorageKey {
			return ErrDuplicateStorageKey
		}
	}
	if _, ok := s.files[f.ID]; ok {
		return fmt.Errorf("file %s already exists", f.ID)
	}
	s.files[f.ID] = f
	return nil
}

func (s *MemoryStore) ListFilesByOwner(ownerID string) ([]domain.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.File
	for _, f := range s.files {
		if f.OwnerID == ownerID {
			res = append(res, f)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryStore) CountFilesByOwner(ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, f := range s.files {
		if f.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetFileForOwner(ownerID, fileID string) (domain.File, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	if !ok || f.OwnerID != ownerID {
		return domain.File{}, false, nil
	}
	return f, true, nil
}

func (s *MemoryStore) GetFile(fileID string) (domain.File, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	return f, ok, nil
}

func (s *MemoryStore) SetFileStatus(fileID string, status domain.FileStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil
	}
	if f.Status.Terminal() {
		return nil
	}
	f.Status = status
	f.ErrorMessage = errMsg
	f.UpdatedAt = time.Now().UTC()
	s.files[fileID] = f
	return nil
}

func (s *MemoryStore) SetFilePageCount(fileID string, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil
	}
	f.PageCount = pages
	f.UpdatedAt = time.Now().UTC()
	s.files[fileID] = f
	return nil
}

func (s *MemoryStore) DeleteFileForOwner(ownerID, fileID string) (domain.File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok || f.OwnerID != ownerID {
		return domain.File{}, false, nil
	}
	delete(s.files, fileID)
	delete(s.messages, fileID)
	delete(s.chunks, fileID)
	return f, true, nil
}

func (s *MemoryStore) ListStuckProcessing(cutoff time.Time) ([]domain.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.File
	for _, f := range s.files {
		if f.Status == domain.StatusProcessing && f.UpdatedAt.Before(cutoff) {
			res = append(res, f)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.Before(res[j].UpdatedAt)
	})
	return res, nil
}

func (s *MemoryStore) AppendMessage(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.FileID] = append(s.messages[msg.FileID], msg)
	return nil
}

func (s *MemoryStore) ListMessagesPage(fileID string, limit int, cursor string) (MessagePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return MessagePage{Messages: []domain.Message{}}, nil
	}
	ordered := s.newestFirst(fileID)
	start := 0
	if cursor != "" {
		start = -1
		for i, msg := range ordered {
			if msg.ID == cursor {
				start = i
				break
			}
		}
		if start < 0 {
			return MessagePage{Messages: []domain.Message{}}, nil
		}
	}
	page := MessagePage{Messages: []domain.Message{}}
	for i := start; i < len(ordered); i++ {
		if len(page.Messages) == limit {
			page.NextCursor = ordered[i].ID
			break
		}
		page.Messages = append(page.Messages, ordered[i])
	}
	return page, nil
}

func (s *MemoryStore) ListRecentMessages(fileID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	ordered := s.newestFirst(fileID)
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	res := make([]domain.Message, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		res = append(res, ordered[i])
	}
	return res, nil
}

// newestFirst orders a file's messages newest first; equal timestamps keep
// latest-appended first. Callers hold the lock.
func (s *MemoryStore) newestFirst(fileID string) []domain.Message {
	src := s.messages[fileID]
	ordered := make([]domain.Message, len(src))
	copy(ordered, src)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}

func (s *MemoryStore) ReplaceChunks(fileID string, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]memoryChunk, 0, len(chunks))
	for _, chunk := range chunks {
		chunk.FileID = fileID
		replaced = append(replaced, memoryChunk{chunk: chunk})
	}
	s.chunks[fileID] = replaced
	return nil
}

func (s *MemoryStore) SetChunkEmbedding(id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fileID, chunks := range s.chunks {
		for i := range chunks {
			if chunks[i].chunk.ID == id {
				vec := make([]float32, len(embedding))
				copy(vec, embedding)
				chunks[i].embedding = vec
				s.chunks[fileID] = chunks
				return nil
			}
		}
	}
	return fmt.Errorf("chunk %s not found", id)
}

func (s *MemoryStore) SearchChunks(fileID string, embedding []float32, limit int) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	type scored struct {
		chunk domain.Chunk
		sim   float64
	}
	var candidates []scored
	for _, mc := range s.chunks[fileID] {
		if mc.embedding == nil {
			continue
		}
		candidates = append(candidates, scored{chunk: mc.chunk, sim: cosineSimilarity(embedding, mc.embedding)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].sim > candidates[j].sim
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	res := make([]domain.Chunk, 0, len(candidates))
	for _, c := range candidates {
		res = append(res, c.chunk)
	}
	return res, nil
}

func (s *MemoryStore) CountChunksByFile(fileID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[fileID]), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
