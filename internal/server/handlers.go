package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/models"
	"github.com/hyperjump/torikomi/internal/storage"
	"github.com/hyperjump/torikomi/internal/taskstore"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// handleUpload accepts a multipart file upload and enqueues a processing
// task. The response is 202 with the task id; callers poll the task endpoint
// for the outcome.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.config.Ingest.MaxFileSizeBytes()
	// Leave room for the multipart framing around the file part.
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+64*1024)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "file exceeds upload size limit")
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if header.Size > maxBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, "file exceeds upload size limit")
		return
	}
	if !s.extensionAllowed(header.Filename) {
		s.respondError(w, http.StatusBadRequest, "file extension not allowed")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !s.extractor.Supported(contentType, header.Filename) {
		s.respondError(w, http.StatusBadRequest, "unsupported file type")
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error("failed to read upload", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	taskID, err := s.enqueueProcess(r, header.Filename, contentType, content)
	if err != nil {
		s.logger.Error("failed to enqueue upload", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	s.logger.Info("upload accepted",
		zap.String("task_id", taskID),
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size))
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"state":   string(models.TaskPending),
	})
}

func (s *Server) enqueueProcess(r *http.Request, filename, contentType string, content []byte) (string, error) {
	payload, err := json.Marshal(models.ProcessPayload{
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	})
	if err != nil {
		return "", err
	}
	taskID, err := s.broker.Enqueue(r.Context(), models.KindProcessDocument, payload)
	if err != nil {
		return "", err
	}
	if err := s.tasks.Create(r.Context(), &models.TaskRecord{
		TaskID: taskID,
		Kind:   models.KindProcessDocument,
		State:  models.TaskPending,
	}); err != nil {
		return "", err
	}
	return taskID, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("failed to load task", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	docs, total, err := s.storage.ListDocuments(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("failed to list documents", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents":   docs,
		"total_count": total,
		"offset":      offset,
		"limit":       limit,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.storage.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("failed to load document", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.storage.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("failed to load document", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	offset, limit := pagination(r)
	chunks, total, err := s.storage.GetChunks(r.Context(), id, offset, limit)
	if err != nil {
		s.logger.Error("failed to load chunks", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"document":     doc,
		"chunks":       chunks,
		"total_chunks": total,
		"offset":       offset,
		"limit":        limit,
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.storage.DeleteDocument(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("failed to delete document", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.index != nil {
		if err := s.index.DeleteDocument(r.Context(), id); err != nil {
			s.logger.Error("failed to deindex document", zap.String("id", id), zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

type cleanupRequest struct {
	// Pointer so an explicit zero ("delete everything") is distinguishable
	// from an absent field, which falls back to the configured retention.
	OlderThanDays *int `json:"older_than_days"`
}

// handleCleanup enqueues an on-demand cleanup task. The body may override the
// configured retention.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.config.Cleanup.OlderThanDays
	if r.ContentLength > 0 {
		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.OlderThanDays != nil {
			days = *req.OlderThanDays
		}
	}
	if days < 0 {
		s.respondError(w, http.StatusBadRequest, "older_than_days must not be negative")
		return
	}

	payload, err := json.Marshal(models.CleanupPayload{OlderThanDays: days})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	taskID, err := s.broker.Enqueue(r.Context(), models.KindCleanupDocuments, payload)
	if err != nil {
		s.logger.Error("failed to enqueue cleanup", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	if err := s.tasks.Create(r.Context(), &models.TaskRecord{
		TaskID: taskID,
		Kind:   models.KindCleanupDocuments,
		State:  models.TaskPending,
	}); err != nil {
		s.logger.Error("failed to create cleanup task record", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to record task")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"state":   string(models.TaskPending),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		s.respondError(w, http.StatusNotImplemented, "search not enabled")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			limit = n
		}
	}
	results, err := s.index.Search(r.Context(), query, limit)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.storage.CountDocuments(ctx)
	if err != nil {
		s.logger.Error("status: count documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	chunkCount, err := s.storage.CountChunks(ctx)
	if err != nil {
		s.logger.Error("status: count chunks failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"documents": docCount,
		"chunks":    chunkCount,
		"config": map[string]interface{}{
			"chunk_size":         s.config.Ingest.ChunkSize,
			"max_file_size_mb":   s.config.Ingest.MaxFileSizeMB,
			"allowed_extensions": s.config.Ingest.AllowedExtensions,
			"pool_size":          s.config.Worker.PoolSize,
			"broker_type":        s.config.Broker.Type,
		},
	}
	if s.index != nil {
		if indexed, err := s.index.ChunkCount(); err == nil {
			resp["indexed_chunks"] = indexed
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// extensionAllowed checks the filename extension against the configured
// allowlist. An empty allowlist accepts everything the extractor supports.
func (s *Server) extensionAllowed(filename string) bool {
	allowed := s.config.Ingest.AllowedExtensions
	if len(allowed) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range allowed {
		if strings.ToLower(a) == ext {
			return true
		}
	}
	return false
}

// pagination reads offset/limit query parameters with sane bounds. "skip" is
// accepted as an alias for offset.
func pagination(r *http.Request) (offset, limit int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			limit = n
		}
	}
	for _, key := range []string{"offset", "skip"} {
		if v := r.URL.Query().Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
				break
			}
		}
	}
	return offset, limit
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
