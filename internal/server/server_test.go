package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docchat/internal/chat"
	"docchat/internal/usertoken"
	"docchat/pkg/domain"
	"docchat/pkg/plan"
	"docchat/pkg/queue"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (usertoken.Identity, error) {
	// Test tokens look like "user:<id>".
	if !strings.HasPrefix(token, "user:") {
		return usertoken.Identity{}, errors.New("bad token")
	}
	id := strings.TrimPrefix(token, "user:")
	return usertoken.Identity{Subject: id, Email: id + "@example.com"}, nil
}

type fakeQueue struct {
	enqueued []string
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, fileID string) (queue.JobStatus, error) {
	if f.err != nil {
		return queue.JobStatus{}, f.err
	}
	f.enqueued = append(f.enqueued, fileID)
	return queue.JobStatus{ID: "job-1", FileID: fileID}, nil
}

type fakeObjects struct {
	deleted []string
}

func (f *fakeObjects) PresignPost(_ context.Context, key string, maxSize int64, _ time.Duration) (storage.PresignedUpload, error) {
	return storage.PresignedUpload{
		URL:    "http://minio.local/bucket",
		Fields: map[string]string{"key": key, "policy": fmt.Sprintf("max=%d", maxSize)},
	}, nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://minio.local/bucket/" + key, nil
}

func (f *fakeObjects) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeResponder struct {
	deltas []string
	err    error
}

func (f *fakeResponder) Respond(_ context.Context, _, _, question string, onDelta func(string) error) error {
	if strings.TrimSpace(question) == "" {
		return chat.ErrQuestionRequired
	}
	if f.err != nil {
		return f.err
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	store     *store.MemoryStore
	queue     *fakeQueue
	objects   *fakeObjects
	responder *fakeResponder
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		store:     store.NewMemoryStore(),
		queue:     &fakeQueue{},
		objects:   &fakeObjects{},
		responder: &fakeResponder{deltas: []string{"streamed ", "answer"}},
	}
	srv, err := New(Config{
		Store:     fx.store,
		Objects:   fx.objects,
		Queue:     fx.queue,
		Responder: fx.responder,
		Verifier:  fakeVerifier{},
		Billing:   nil,
		Logger:    slog.Default(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	fx.handler = srv.Router()
	return fx
}

func (fx *fixture) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func (fx *fixture) seedFile(t *testing.T, id, owner string, status domain.FileStatus) {
	t.Helper()
	now := time.Now().UTC()
	err := fx.store.CreateFile(domain.File{
		ID:         id,
		OwnerID:    owner,
		Name:       id + ".pdf",
		StorageKey: "uploads/" + owner + "/" + id + "/" + id + ".pdf",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("seed file: %v", err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	fx := newFixture(t)
	for _, target := range []string{"/api/files", "/api/uploads/presign"} {
		rec := fx.do(t, http.MethodGet, target, "", nil)
		if target == "/api/uploads/presign" {
			rec = fx.do(t, http.MethodPost, target, "", map[string]string{"fileName": "a.pdf"})
		}
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rec.Code)
		}
		if resp := decodeError(t, rec); resp.Code != codeAuthInvalidToken {
			t.Fatalf("%s: expected %s, got %s", target, codeAuthInvalidToken, resp.Code)
		}
	}
}

func TestPresignUpload(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/uploads/presign", "user:u1", map[string]string{"fileName": "report.pdf"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp presignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.Key, "uploads/u1/") || !strings.HasSuffix(resp.Key, "/report.pdf") {
		t.Fatalf("unexpected key %q", resp.Key)
	}
	if resp.URL == "" || len(resp.Fields) == 0 {
		t.Fatalf("missing presign data: %+v", resp)
	}
}

func TestPresignUploadRejectsNonPDF(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/uploads/presign", "user:u1", map[string]string{"fileName": "notes.docx"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != codeRequestInvalid {
		t.Fatalf("expected %s, got %s", codeRequestInvalid, resp.Code)
	}
}

func TestPresignUploadQuotaExceeded(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < plan.Free.Quota; i++ {
		fx.seedFile(t, fmt.Sprintf("f%d", i), "u1", domain.StatusSuccess)
	}
	rec := fx.do(t, http.MethodPost, "/api/uploads/presign", "user:u1", map[string]string{"fileName": "one-more.pdf"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != codeQuotaExceeded {
		t.Fatalf("expected %s, got %s", codeQuotaExceeded, resp.Code)
	}
}

func TestRegisterFileEnqueuesIngestion(t *testing.T) {
	fx := newFixture(t)
	body := map[string]string{"name": "report.pdf", "key": "uploads/u1/abc/report.pdf"}
	rec := fx.do(t, http.MethodPost, "/api/files", "user:u1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var file domain.File
	if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if file.Status != domain.StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", file.Status)
	}
	if len(fx.queue.enqueued) != 1 || fx.queue.enqueued[0] != file.ID {
		t.Fatalf("ingestion not enqueued: %v", fx.queue.enqueued)
	}
}

func TestRegisterFileRejectsForeignKey(t *testing.T) {
	fx := newFixture(t)
	body := map[string]string{"name": "report.pdf", "key": "uploads/u2/abc/report.pdf"}
	rec := fx.do(t, http.MethodPost, "/api/files", "user:u1", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRegisterFileDuplicateKeyConflicts(t *testing.T) {
	fx := newFixture(t)
	body := map[string]string{"name": "report.pdf", "key": "uploads/u1/abc/report.pdf"}
	if rec := fx.do(t, http.MethodPost, "/api/files", "user:u1", body); rec.Code != http.StatusCreated {
		t.Fatalf("first register: %d", rec.Code)
	}
	rec := fx.do(t, http.MethodPost, "/api/files", "user:u1", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != codeFileConflict {
		t.Fatalf("expected %s, got %s", codeFileConflict, resp.Code)
	}
}

func TestRegisterFileEnqueueFailureSettlesFile(t *testing.T) {
	fx := newFixture(t)
	fx.queue.err = errors.New("redis down")
	body := map[string]string{"name": "report.pdf", "key": "uploads/u1/abc/report.pdf"}
	rec := fx.do(t, http.MethodPost, "/api/files", "user:u1", body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	files, err := fx.store.ListFilesByOwner("u1")
	if err != nil || len(files) != 1 {
		t.Fatalf("list files: %v %d", err, len(files))
	}
	if files[0].Status != domain.StatusFailed {
		t.Fatalf("unscheduled file should be FAILED, got %s", files[0].Status)
	}
}

func TestFileStatusUnknownReadsPending(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/api/files/nope/status", "user:u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "PENDING" {
		t.Fatalf("expected PENDING, got %q", resp["status"])
	}
}

func TestFileStatusHidesForeignFiles(t *testing.T) {
	fx := newFixture(t)
	fx.seedFile(t, "f1", "u2", domain.StatusFailed)
	rec := fx.do(t, http.MethodGet, "/api/files/f1/status", "user:u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "PENDING" {
		t.Fatalf("foreign file must read as PENDING, got %q", resp["status"])
	}
}

func TestFileStatusReportsErrorMessage(t *testing.T) {
	fx := newFixture(t)
	fx.seedFile(t, "f1", "u1", domain.StatusPending)
	_ = fx.store.SetFileStatus("f1", domain.StatusFailed, "Processing timed out.")
	rec := fx.do(t, http.MethodGet, "/api/files/f1/status", "user:u1", nil)
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "FAILED" || resp["errorMessage"] == "" {
		t.Fatalf("unexpected status payload %v", resp)
	}
}

func TestFileMessagesPaginationAndOwnership(t *testing.T) {
	fx := newFixture(t)
	fx.seedFile(t, "f1", "u1", domain.StatusSuccess)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		_ = fx.store.AppendMessage(domain.Message{
			ID:        fmt.Sprintf("m%02d", i),
			FileID:    "f1",
			UserID:    "u1",
			Text:      fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	rec := fx.do(t, http.MethodGet, "/api/files/f1/messages?limit=10", "user:u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page store.MessagePage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Messages) != 10 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %d messages, cursor %q", len(page.Messages), page.NextCursor)
	}

	rec = fx.do(t, http.MethodGet, "/api/files/f1/messages?limit=10&cursor="+page.NextCursor, "user:u1", nil)
	var page2 store.MessagePage
	_ = json.Unmarshal(rec.Body.Bytes(), &page2)
	if len(page2.Messages) != 5 || page2.NextCursor != "" {
		t.Fatalf("unexpected second page: %d messages, cursor %q", len(page2.Messages), page2.NextCursor)
	}

	rec = fx.do(t, http.MethodGet, "/api/files/f1/messages", "user:u2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign listing should be 404, got %d", rec.Code)
	}
}

func TestDeleteFileRemovesObject(t *testing.T) {
	fx := newFixture(t)
	fx.seedFile(t, "f1", "u1", domain.StatusSuccess)
	rec := fx.do(t, http.MethodDelete, "/api/files/f1", "user:u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(fx.objects.deleted) != 1 || !strings.Contains(fx.objects.deleted[0], "f1") {
		t.Fatalf("stored object not deleted: %v", fx.objects.deleted)
	}
	if _, ok, _ := fx.store.GetFile("f1"); ok {
		t.Fatalf("file record survived delete")
	}
}

func TestDeleteForeignFileIsNotFound(t *testing.T) {
	fx := newFixture(t)
	fx.seedFile(t, "f1", "u2", domain.StatusSuccess)
	rec := fx.do(t, http.MethodDelete, "/api/files/f1", "user:u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(fx.objects.deleted) != 0 {
		t.Fatalf("foreign object must not be deleted")
	}
}

func TestMessageStreamsPlainText(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/message", "user:u1", map[string]string{"fileId": "f1", "message": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "streamed answer" {
		t.Fatalf("unexpected body %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestMessageNotReadyConflicts(t *testing.T) {
	fx := newFixture(t)
	fx.responder.err = chat.ErrFileNotReady
	rec := fx.do(t, http.MethodPost, "/api/message", "user:u1", map[string]string{"fileId": "f1", "message": "hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != codeFileConflict {
		t.Fatalf("expected %s, got %s", codeFileConflict, resp.Code)
	}
}

func TestMessageEmptyQuestionInvalid(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/message", "user:u1", map[string]string{"fileId": "f1", "message": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAuthCallbackUpsertsUser(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/auth/callback", "user:u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	user, ok, err := fx.store.GetUserByID("u1")
	if err != nil || !ok {
		t.Fatalf("user not stored: ok=%v err=%v", ok, err)
	}
	if user.Email != "u1@example.com" || user.PlanName != "Free" {
		t.Fatalf("unexpected user %+v", user)
	}
}
