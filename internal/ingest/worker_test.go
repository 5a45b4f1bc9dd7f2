package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"docchat/pkg/domain"
	"docchat/pkg/queue"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

type fakeObjects struct {
	data map[string][]byte
	err  error
}

func (f *fakeObjects) PresignPost(context.Context, string, int64, time.Duration) (storage.PresignedUpload, error) {
	return storage.PresignedUpload{}, errors.New("not implemented")
}

func (f *fakeObjects) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) Delete(context.Context, string) error { return nil }

type fakeExtractor struct {
	pages []Page
	err   error
}

func (f *fakeExtractor) ExtractPages([]byte) ([]Page, error) {
	return f.pages, f.err
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedText(_ context.Context, _, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type workerFixture struct {
	store    *store.MemoryStore
	objects  *fakeObjects
	extract  *fakeExtractor
	embedder *fakeEmbedder
	worker   *Worker
}

func newWorkerFixture(t *testing.T, pages []Page) *workerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.UpsertUser(domain.User{ID: "u1", Email: "u1@example.com", PlanName: "Free"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	now := time.Now().UTC()
	file := domain.File{
		ID:         "f1",
		OwnerID:    "u1",
		Name:       "doc.pdf",
		StorageKey: "objects/f1",
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.CreateFile(file); err != nil {
		t.Fatalf("create file: %v", err)
	}
	fx := &workerFixture{
		store:    st,
		objects:  &fakeObjects{data: map[string][]byte{"objects/f1": []byte("%PDF-fake")}},
		extract:  &fakeExtractor{pages: pages},
		embedder: &fakeEmbedder{},
	}
	worker, err := NewWorker(WorkerConfig{
		Store:       st,
		Objects:     fx.objects,
		Extractor:   fx.extract,
		Embedder:    fx.embedder,
		ChunkSize:   50,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	fx.worker = worker
	return fx
}

func (fx *workerFixture) fileStatus(t *testing.T) domain.File {
	t.Helper()
	f, ok, err := fx.store.GetFile("f1")
	if err != nil || !ok {
		t.Fatalf("get file: ok=%v err=%v", ok, err)
	}
	return f
}

func job(attempts int) queue.JobStatus {
	return queue.JobStatus{ID: "j1", FileID: "f1", Attempts: attempts}
}

func TestWorkerProcessSuccess(t *testing.T) {
	fx := newWorkerFixture(t, []Page{
		{Number: 1, Text: "page one text about databases"},
		{Number: 2, Text: "page two text about queues"},
	})

	if err := fx.worker.Process(context.Background(), job(1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	f := fx.fileStatus(t)
	if f.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", f.Status, f.ErrorMessage)
	}
	if f.PageCount != 2 {
		t.Fatalf("expected page count 2, got %d", f.PageCount)
	}
	n, _ := fx.store.CountChunksByFile("f1")
	if n == 0 {
		t.Fatalf("expected chunks to be indexed")
	}
	if fx.embedder.calls != n {
		t.Fatalf("expected %d embed calls, got %d", n, fx.embedder.calls)
	}
}

func TestWorkerRejectsOverPageLimitBeforeEmbedding(t *testing.T) {
	pages := make([]Page, 6) // Free plan allows 5
	for i := range pages {
		pages[i] = Page{Number: i + 1, Text: "some text"}
	}
	fx := newWorkerFixture(t, pages)

	if err := fx.worker.Process(context.Background(), job(1)); err != nil {
		t.Fatalf("page limit failure should consume the job, got %v", err)
	}
	f := fx.fileStatus(t)
	if f.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", f.Status)
	}
	if !strings.Contains(f.ErrorMessage, "6 pages") {
		t.Fatalf("unexpected error message %q", f.ErrorMessage)
	}
	if f.PageCount != 6 {
		t.Fatalf("page count should still be recorded, got %d", f.PageCount)
	}
	if fx.embedder.calls != 0 {
		t.Fatalf("embedder must not run for over-limit documents, got %d calls", fx.embedder.calls)
	}
	if n, _ := fx.store.CountChunksByFile("f1"); n != 0 {
		t.Fatalf("no chunks should be stored, got %d", n)
	}
}

func TestWorkerUnreadablePDFFailsPermanently(t *testing.T) {
	fx := newWorkerFixture(t, nil)
	fx.extract.err = fmt.Errorf("%w: bad xref", ErrUnreadablePDF)

	if err := fx.worker.Process(context.Background(), job(1)); err != nil {
		t.Fatalf("unreadable pdf should consume the job, got %v", err)
	}
	f := fx.fileStatus(t)
	if f.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", f.Status)
	}
}

func TestWorkerTransientFailureKeepsProcessing(t *testing.T) {
	fx := newWorkerFixture(t, []Page{{Number: 1, Text: "page text"}})
	fx.embedder.err = errors.New("upstream 503")

	if err := fx.worker.Process(context.Background(), job(1)); err == nil {
		t.Fatalf("expected transient error to propagate for retry")
	}
	f := fx.fileStatus(t)
	if f.Status != domain.StatusProcessing {
		t.Fatalf("file should stay PROCESSING between retries, got %s", f.Status)
	}
}

func TestWorkerFinalAttemptSettlesFailed(t *testing.T) {
	fx := newWorkerFixture(t, []Page{{Number: 1, Text: "page text"}})
	fx.embedder.err = errors.New("upstream 503")

	if err := fx.worker.Process(context.Background(), job(3)); err == nil {
		t.Fatalf("expected error on final attempt")
	}
	f := fx.fileStatus(t)
	if f.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after retries exhausted, got %s", f.Status)
	}
}

func TestWorkerSkipsDeletedFile(t *testing.T) {
	fx := newWorkerFixture(t, []Page{{Number: 1, Text: "page text"}})
	if _, ok, err := fx.store.DeleteFileForOwner("u1", "f1"); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if err := fx.worker.Process(context.Background(), job(1)); err != nil {
		t.Fatalf("missing file should ack cleanly, got %v", err)
	}
	if fx.embedder.calls != 0 {
		t.Fatalf("no work expected for deleted file")
	}
}

func TestWorkerSkipsSettledFile(t *testing.T) {
	fx := newWorkerFixture(t, []Page{{Number: 1, Text: "page text"}})
	_ = fx.store.SetFileStatus("f1", domain.StatusProcessing, "")
	_ = fx.store.SetFileStatus("f1", domain.StatusSuccess, "")

	if err := fx.worker.Process(context.Background(), job(2)); err != nil {
		t.Fatalf("settled file should ack cleanly, got %v", err)
	}
	if fx.embedder.calls != 0 {
		t.Fatalf("no work expected for settled file")
	}
}
