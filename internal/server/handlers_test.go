package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/broker"
	"github.com/hyperjump/torikomi/internal/chunker"
	"github.com/hyperjump/torikomi/internal/config"
	"github.com/hyperjump/torikomi/internal/extract"
	"github.com/hyperjump/torikomi/internal/models"
	"github.com/hyperjump/torikomi/internal/storage"
	"github.com/hyperjump/torikomi/internal/taskstore"
	"github.com/hyperjump/torikomi/internal/worker"
)

type testEnv struct {
	srv     *Server
	router  http.Handler
	broker  *broker.MemoryBroker
	tasks   *taskstore.SQLiteTaskStore
	storage *storage.SQLiteStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	b := broker.NewMemoryBroker(time.Minute)
	t.Cleanup(func() { b.Close() })
	ts, err := taskstore.NewSQLiteTaskStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	st, err := storage.NewSQLiteStorage(filepath.Join(dir, "docs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Ingest.MaxFileSizeMB = 1

	srv := NewServer(b, ts, st, nil, extract.NewExtractor(), cfg, zap.NewNop())
	return &testEnv{srv: srv, router: srv.Router(), broker: b, tasks: ts, storage: st}
}

// runWorker drains the broker with a real processing pipeline, the way the
// server and pool are composed in production.
func (e *testEnv) runWorker(t *testing.T) {
	t.Helper()
	reg := worker.Registry{
		models.KindProcessDocument: worker.NewProcessHandler(
			extract.NewExtractor(), chunker.New(1000), e.storage, nil, zap.NewNop()),
		models.KindCleanupDocuments: worker.NewCleanupHandler(e.storage, nil, zap.NewNop()),
	}
	pool := worker.NewPool(e.broker, e.tasks, reg, 1, time.Minute, worker.RetryPolicy{MaxAttempts: 3}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func multipartUpload(t *testing.T, filename, contentType, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	h["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("part write: %v", err)
	}
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func (e *testEnv) waitTerminal(t *testing.T, taskID string) *models.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.tasks.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if rec.State.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return nil
}

func TestUploadReturnsAcceptedWithTaskID(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "report.txt", "text/plain", "some report text"))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want %d (body: %s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	var out map[string]string
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["task_id"] == "" {
		t.Error("expected task_id in response")
	}
	if out["state"] != string(models.TaskPending) {
		t.Errorf("expected state PENDING, got %s", out["state"])
	}

	rec, err := env.tasks.Get(context.Background(), out["task_id"])
	if err != nil {
		t.Fatalf("expected task record created at upload: %v", err)
	}
	if rec.State != models.TaskPending {
		t.Errorf("expected PENDING record, got %s", rec.State)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "photo.png", "image/png", "binary"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	env := newTestEnv(t)
	env.srv.config.Ingest.AllowedExtensions = []string{".pdf"}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "notes.txt", "text/plain", "plain text"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	env := newTestEnv(t)

	big := strings.Repeat("x", int(env.srv.config.Ingest.MaxFileSizeBytes())+1)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "big.txt", "text/plain", big))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestUploadRejectsMissingFileField(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no file here")
	mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestUploadToCompletionFlow(t *testing.T) {
	env := newTestEnv(t)
	env.runWorker(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartUpload(t, "flow.txt", "text/plain", "end to end document body"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload: got %d", w.Code)
	}
	var out map[string]string
	json.NewDecoder(w.Body).Decode(&out)

	rec := env.waitTerminal(t, out["task_id"])
	if rec.State != models.TaskSuccess {
		t.Fatalf("expected SUCCESS, got %s (error: %s)", rec.State, rec.Error)
	}

	// Task endpoint reflects the terminal record.
	w2 := httptest.NewRecorder()
	env.router.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+out["task_id"], nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("task endpoint: got %d", w2.Code)
	}
	var taskOut models.TaskRecord
	if err := json.NewDecoder(w2.Body).Decode(&taskOut); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if taskOut.Progress != 100 {
		t.Errorf("expected progress 100, got %d", taskOut.Progress)
	}

	// The processed document is listable and its chunks are served.
	docID := models.DocumentID(out["task_id"])
	w3 := httptest.NewRecorder()
	env.router.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+docID+"/chunks", nil))
	if w3.Code != http.StatusOK {
		t.Fatalf("chunks endpoint: got %d (body: %s)", w3.Code, w3.Body.String())
	}
	var chunksOut struct {
		Chunks []*models.DocumentChunk `json:"chunks"`
		Total  int64                   `json:"total_chunks"`
	}
	if err := json.NewDecoder(w3.Body).Decode(&chunksOut); err != nil {
		t.Fatalf("decode chunks: %v", err)
	}
	if chunksOut.Total == 0 || len(chunksOut.Chunks) == 0 {
		t.Error("expected chunks for the processed document")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/no-such-task", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-none", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestListDocumentsPagination(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		doc := &models.Document{
			ID:         "doc-" + string(rune('a'+i)),
			Filename:   "f.txt",
			UploadTime: time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}
		if err := env.storage.ReplaceDocument(context.Background(), doc, nil); err != nil {
			t.Fatalf("seed doc: %v", err)
		}
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents?limit=2&offset=0", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Documents []*models.Document `json:"documents"`
		Total     int64              `json:"total_count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 5 {
		t.Errorf("expected total 5, got %d", out.Total)
	}
	if len(out.Documents) != 2 {
		t.Errorf("expected 2 documents in page, got %d", len(out.Documents))
	}
}

func TestDeleteDocument(t *testing.T) {
	env := newTestEnv(t)

	doc := &models.Document{ID: "doc-del", Filename: "x.txt", UploadTime: time.Now().UTC()}
	if err := env.storage.ReplaceDocument(context.Background(), doc, nil); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/doc-del", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	env.router.ServeHTTP(w2, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/doc-del", nil))
	if w2.Code != http.StatusNotFound {
		t.Fatalf("second delete: got %d, want %d", w2.Code, http.StatusNotFound)
	}
}

func TestCleanupEndpointEnqueuesTask(t *testing.T) {
	env := newTestEnv(t)

	body := bytes.NewBufferString(`{"older_than_days": 7}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/cleanup", body)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d (body: %s)", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := env.broker.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected enqueued cleanup task: %v", err)
	}
	if d.Kind != models.KindCleanupDocuments {
		t.Errorf("expected cleanup kind, got %s", d.Kind)
	}
	var p models.CleanupPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.OlderThanDays != 7 {
		t.Errorf("expected retention override 7, got %d", p.OlderThanDays)
	}
}

func TestCleanupEndpointAcceptsZeroRetention(t *testing.T) {
	env := newTestEnv(t)

	body := bytes.NewBufferString(`{"older_than_days": 0}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/cleanup", body)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d (body: %s)", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := env.broker.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected enqueued cleanup task: %v", err)
	}
	var p models.CleanupPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.OlderThanDays != 0 {
		t.Errorf("expected explicit zero retention, got %d", p.OlderThanDays)
	}
}

func TestCleanupEndpointRejectsNegativeRetention(t *testing.T) {
	env := newTestEnv(t)

	body := bytes.NewBufferString(`{"older_than_days": -1}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/cleanup", body)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSearchDisabledWithoutIndex(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/search?q=anything", nil))
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusNotImplemented)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	env := newTestEnv(t)

	doc := &models.Document{ID: "doc-s", Filename: "s.txt", ChunkCount: 1, UploadTime: time.Now().UTC()}
	chunks := []*models.DocumentChunk{{ID: "doc-s_0", DocumentID: "doc-s", Text: "hi", CharEnd: 2}}
	if err := env.storage.ReplaceDocument(context.Background(), doc, chunks); err != nil {
		t.Fatalf("seed doc: %v", err)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Documents int64 `json:"documents"`
		Chunks    int64 `json:"chunks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Documents != 1 || out.Chunks != 1 {
		t.Errorf("expected 1 document and 1 chunk, got %d/%d", out.Documents, out.Chunks)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
}
