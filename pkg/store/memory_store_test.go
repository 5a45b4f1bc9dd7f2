package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"docchat/pkg/domain"
)

func newTestFile(id, owner string, created time.Time) domain.File {
	return domain.File{
		ID:         id,
		OwnerID:    owner,
		Name:       id + ".pdf",
		StorageKey: "objects/" + id,
		Status:     domain.StatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestCreateFileDuplicateStorageKey(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	if err := s.CreateFile(newTestFile("f1", "u1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := newTestFile("f2", "u1", now)
	dup.StorageKey = "objects/f1"
	if err := s.CreateFile(dup); !errors.Is(err, ErrDuplicateStorageKey) {
		t.Fatalf("expected ErrDuplicateStorageKey, got %v", err)
	}
	// First record stays intact.
	got, ok, err := s.GetFile("f1")
	if err != nil || !ok {
		t.Fatalf("get f1: ok=%v err=%v", ok, err)
	}
	if got.Name != "f1.pdf" {
		t.Fatalf("first record changed: %+v", got)
	}
}

func TestSetFileStatusMonotonic(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateFile(newTestFile("f1", "u1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := []domain.FileStatus{domain.StatusProcessing, domain.StatusSuccess}
	for _, st := range steps {
		if err := s.SetFileStatus("f1", st, ""); err != nil {
			t.Fatalf("set %s: %v", st, err)
		}
	}
	// Terminal status does not regress.
	if err := s.SetFileStatus("f1", domain.StatusFailed, "late failure"); err != nil {
		t.Fatalf("set after terminal: %v", err)
	}
	got, _, _ := s.GetFile("f1")
	if got.Status != domain.StatusSuccess {
		t.Fatalf("status regressed to %s", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error message written after terminal: %q", got.ErrorMessage)
	}
}

func TestDeleteFileForOwnerCascades(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	if err := s.CreateFile(newTestFile("f1", "u1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = s.AppendMessage(domain.Message{ID: "m1", FileID: "f1", UserID: "u1", Text: "hi", IsUserMessage: true, CreatedAt: now})
	_ = s.ReplaceChunks("f1", []domain.Chunk{{ID: "c1", FileID: "f1", Text: "chunk"}})

	// Wrong owner cannot delete.
	if _, ok, err := s.DeleteFileForOwner("u2", "f1"); err != nil || ok {
		t.Fatalf("cross-owner delete: ok=%v err=%v", ok, err)
	}

	deleted, ok, err := s.DeleteFileForOwner("u1", "f1")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if deleted.StorageKey != "objects/f1" {
		t.Fatalf("deleted file missing storage key: %+v", deleted)
	}
	if _, ok, _ := s.GetFile("f1"); ok {
		t.Fatalf("file still present after delete")
	}
	page, err := s.ListMessagesPage("f1", 10, "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("messages survived delete: %d", len(page.Messages))
	}
	if n, _ := s.CountChunksByFile("f1"); n != 0 {
		t.Fatalf("chunks survived delete: %d", n)
	}
}

func TestListMessagesPageWalksWithoutGapsOrDuplicates(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	const total = 23
	for i := 0; i < total; i++ {
		msg := domain.Message{
			ID:        fmt.Sprintf("m%02d", i),
			FileID:    "f1",
			UserID:    "u1",
			Text:      fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := s.ListMessagesPage("f1", 10, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for i := 1; i < len(page.Messages); i++ {
			if page.Messages[i].CreatedAt.After(page.Messages[i-1].CreatedAt) {
				t.Fatalf("page %d not newest-first", pages)
			}
		}
		for _, msg := range page.Messages {
			if seen[msg.ID] {
				t.Fatalf("duplicate message %s", msg.ID)
			}
			seen[msg.ID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != total {
		t.Fatalf("walk covered %d of %d messages", len(seen), total)
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, walked %d", pages)
	}
}

func TestListMessagesPageUnknownCursor(t *testing.T) {
	s := NewMemoryStore()
	_ = s.AppendMessage(domain.Message{ID: "m1", FileID: "f1", CreatedAt: time.Now()})
	page, err := s.ListMessagesPage("f1", 10, "missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 0 || page.NextCursor != "" {
		t.Fatalf("unknown cursor should yield empty page, got %+v", page)
	}
}

func TestListRecentMessagesChronological(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		_ = s.AppendMessage(domain.Message{
			ID:        fmt.Sprintf("m%d", i),
			FileID:    "f1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	msgs, err := s.ListRecentMessages("f1", 6)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m4" || msgs[5].ID != "m9" {
		t.Fatalf("unexpected window: first=%s last=%s", msgs[0].ID, msgs[5].ID)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("not chronological at %d", i)
		}
	}
}

func TestSearchChunksRanksByCosineSimilarity(t *testing.T) {
	s := NewMemoryStore()
	chunks := []domain.Chunk{
		{ID: "c1", Text: "about cats"},
		{ID: "c2", Text: "about dogs"},
		{ID: "c3", Text: "about fish"},
	}
	if err := s.ReplaceChunks("f1", chunks); err != nil {
		t.Fatalf("replace: %v", err)
	}
	_ = s.SetChunkEmbedding("c1", []float32{1, 0, 0})
	_ = s.SetChunkEmbedding("c2", []float32{0.7, 0.7, 0})
	// c3 stays unembedded and must never be returned.

	got, err := s.SearchChunks("f1", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("unexpected ranking: %s, %s", got[0].ID, got[1].ID)
	}

	// Other files are never searched.
	other, err := s.SearchChunks("f2", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("search leaked across files: %d", len(other))
	}
}

func TestListStuckProcessing(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	stale := newTestFile("f1", "u1", now.Add(-time.Hour))
	stale.Status = domain.StatusProcessing
	fresh := newTestFile("f2", "u1", now)
	fresh.Status = domain.StatusProcessing
	done := newTestFile("f3", "u1", now.Add(-time.Hour))
	done.Status = domain.StatusSuccess
	for _, f := range []domain.File{stale, fresh, done} {
		if err := s.CreateFile(f); err != nil {
			t.Fatalf("create %s: %v", f.ID, err)
		}
	}
	got, err := s.ListStuckProcessing(now.Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(got) != 1 || got[0].ID != "f1" {
		t.Fatalf("unexpected stuck set: %+v", got)
	}
}
