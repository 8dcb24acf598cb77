// Package api exposes the session handoff, upload, and job inspection
// surface over HTTP, plus an operational MCP server.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parishworks/vestry/internal/pipeline"
	"github.com/parishworks/vestry/internal/session"
	"github.com/parishworks/vestry/internal/storage"
)

const (
	maxUploadMemory = 32 << 20
	// maxRequestBodySize bounds JSON request bodies.
	maxRequestBodySize = 1 << 20
	// maxUploadBodySize bounds a whole multipart batch; generous enough for
	// the largest permitted batch, small enough to stop unbounded streams.
	maxUploadBodySize = 256 << 20
)

// AppDeps wires the HTTP layer to the rest of the process.
type AppDeps struct {
	Store    *storage.Store
	Sessions *session.Manager
	Pipeline *pipeline.Orchestrator
	Token    string
}

// NewAppHandler builds the router. Session verification, status, disclaimer,
// and session-gated uploads are public: the session itself is the credential
// for the second-device flow. Everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/sessions/{id}/verify", handleVerifySession(deps))
	r.Get("/sessions/{id}/status", handleSessionStatus(deps))
	r.Post("/sessions/{id}/disclaimer", handleAcceptDisclaimer(deps))
	r.Post("/uploads", handleUpload(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/sessions", handleCreateSession(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Post("/sessions/sweep", handleSweepSessions(deps))
		r.Get("/sessions/{id}/handoff.png", handleHandoffPNG(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/jobs/{id}/image", handleJobImage(deps))
		r.Get("/queue/health", handleQueueHealth(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type createSessionRequest struct {
	TenantID   int64  `json:"tenant_id"`
	RecordType string `json:"record_type"`
}

func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TenantID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tenant_id is required")
			return
		}
		recordType, err := storage.ParseRecordType(req.RecordType)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		handoff, err := deps.Sessions.Create(req.TenantID, recordType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"session_id": handoff.SessionID,
			"code":       handoff.Code,
			"expires_at": handoff.ExpiresAt.Format(time.RFC3339),
			"url":        handoff.URL,
		})
	}
}

func handleVerifySession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		code := r.URL.Query().Get("code")
		if code == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "code is required")
			return
		}

		if err := deps.Sessions.Verify(id, code); err != nil {
			sessionHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
	}
}

func handleSessionStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Sessions.GetStatus(chi.URLParam(r, "id"))
		if err != nil {
			sessionHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":          status.SessionID,
			"verified":            status.Verified,
			"expired":             status.Expired,
			"disclaimer_accepted": status.DisclaimerAccepted,
			"used":                status.Used,
			"expires_at":          status.ExpiresAt.Format(time.RFC3339),
			"time_remaining_s":    int(status.TimeRemaining.Seconds()),
		})
	}
}

type disclaimerRequest struct {
	Language       string `json:"language"`
	ContactAddress string `json:"contact_address"`
	Tier           string `json:"tier"`
}

func handleAcceptDisclaimer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req disclaimerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Language == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "language is required")
			return
		}

		id := chi.URLParam(r, "id")
		if err := deps.Sessions.AcceptDisclaimer(id, req.Language, req.ContactAddress, req.Tier); err != nil {
			sessionHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

func handleHandoffPNG(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		png, err := deps.Sessions.HandoffPNG(chi.URLParam(r, "id"))
		if err != nil {
			sessionHTTPError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := parseTenantID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		sessions, err := deps.Sessions.List(tenantID, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}

		out := make([]map[string]any, len(sessions))
		for i, s := range sessions {
			out[i] = map[string]any{
				"session_id":          s.ID,
				"record_type":         s.RecordType,
				"created_at":          s.CreatedAt.Format(time.RFC3339),
				"expires_at":          s.ExpiresAt.Format(time.RFC3339),
				"verified":            s.Verified,
				"disclaimer_accepted": s.DisclaimerAccepted,
				"used":                s.Used,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
	}
}

func handleSweepSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		retention := 24 * time.Hour
		if v := r.URL.Query().Get("retention"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid retention %q", v)
				return
			}
			retention = d
		}

		removed, err := deps.Sessions.Sweep(retention)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
	}
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		sessionID := r.FormValue("session_id")
		if sessionID == "" && !bearerValid(r, deps.Token) {
			// Direct uploads bypass the handoff flow and are reserved
			// for authenticated operators.
			httpError(w, http.StatusUnauthorized, "authentication_error", "session_id or bearer token required")
			return
		}

		req := pipeline.BatchRequest{
			SessionID: sessionID,
			Language:  r.FormValue("language"),
		}
		if v := r.FormValue("tenant_id"); v != "" {
			tenantID, err := strconv.ParseInt(v, 10, 64)
			if err != nil || tenantID <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid tenant_id")
				return
			}
			req.TenantID = tenantID
		}
		if v := r.FormValue("record_type"); v != "" {
			recordType, err := storage.ParseRecordType(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			req.RecordType = recordType
		}
		if v := r.FormValue("skip_preprocess"); v == "true" || v == "1" {
			req.SkipPreprocess = true
		}

		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", fh.Filename, err)
				return
			}
			mimeType := fh.Header.Get("Content-Type")
			if mimeType == "" || mimeType == "application/octet-stream" {
				if byExt := mime.TypeByExtension(filepath.Ext(fh.Filename)); byExt != "" {
					mimeType = byExt
				} else {
					mimeType = http.DetectContentType(data)
				}
			}
			req.Files = append(req.Files, pipeline.File{
				Filename: fh.Filename,
				MimeType: mimeType,
				Data:     data,
			})
		}

		jobs, err := deps.Pipeline.ProcessBatch(r.Context(), req)
		if err != nil {
			var ve *pipeline.ValidationError
			if errors.As(err, &ve) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", ve)
				return
			}
			sessionHTTPError(w, err)
			return
		}

		// Every submitted file gets exactly one entry; outcomes land on the
		// jobs asynchronously and are observed by polling.
		entries := make([]map[string]any, len(jobs))
		for i, j := range jobs {
			entries[i] = map[string]any{
				"id":       j.ID,
				"filename": j.OriginalFilename,
				"status":   j.Status,
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"jobs": entries})
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := parseTenantID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		var filter storage.JobFilter
		q := r.URL.Query()
		if v := q.Get("status"); v != "" {
			filter.Status = storage.JobStatus(v)
		}
		if v := q.Get("record_type"); v != "" {
			recordType, err := storage.ParseRecordType(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			filter.RecordType = recordType
		}
		filter.Language = q.Get("language")
		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid from timestamp: %v", err)
				return
			}
			filter.From = t
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid to timestamp: %v", err)
				return
			}
			filter.To = t
		}

		jobs, total, err := deps.Store.ListJobs(tenantID, filter, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		entries := make([]map[string]any, len(jobs))
		for i, j := range jobs {
			entries[i] = jobSummaryJSON(j)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": entries,
			"pagination": map[string]int{
				"total":  total,
				"limit":  limit,
				"offset": offset,
			},
		})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobDetailJSON(job))
	}
}

func handleJobImage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		f, err := os.Open(job.StoragePath)
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "stored file no longer available")
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", job.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", job.OriginalFilename))
		io.Copy(w, f)
	}
}

func handleQueueHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := parseTenantID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		health, err := deps.Store.ComputeQueueHealth(tenantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute queue health: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, health)
	}
}

func jobSummaryJSON(j storage.Job) map[string]any {
	out := map[string]any{
		"id":          j.ID,
		"filename":    j.OriginalFilename,
		"record_type": j.RecordType,
		"language":    j.Language,
		"status":      j.Status,
		"created_at":  j.CreatedAt.Format(time.RFC3339),
	}
	if j.SessionID != "" {
		out["session_id"] = j.SessionID
	}
	if j.Status == storage.JobComplete {
		out["confidence"] = j.Confidence
	}
	if j.ErrorMessage != "" {
		out["error"] = j.ErrorMessage
	}
	return out
}

func jobDetailJSON(j storage.Job) map[string]any {
	out := jobSummaryJSON(j)
	out["mime_type"] = j.MimeType
	out["byte_size"] = j.ByteSize
	if j.Status == storage.JobComplete {
		out["recognized_text"] = j.RecognizedText
		if j.TranslatedText != "" {
			out["translated_text"] = j.TranslatedText
		}
		if j.ErrorRegions != "" {
			out["error_regions"] = json.RawMessage(j.ErrorRegions)
		}
	}
	if !j.ProcessingStartedAt.IsZero() {
		out["processing_started_at"] = j.ProcessingStartedAt.Format(time.RFC3339)
	}
	if !j.ProcessingCompletedAt.IsZero() {
		out["processing_completed_at"] = j.ProcessingCompletedAt.Format(time.RFC3339)
	}
	return out
}

// sessionHTTPError maps session-layer sentinels onto response codes; these
// failures are caller-correctable and surfaced directly.
func sessionHTTPError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrExpired):
		httpError(w, http.StatusGone, "session_expired", "session expired")
	case errors.Is(err, session.ErrAlreadyVerified):
		httpError(w, http.StatusConflict, "conflict", "session already verified")
	case errors.Is(err, session.ErrNotVerified):
		httpError(w, http.StatusConflict, "conflict", "session not verified")
	case errors.Is(err, session.ErrUsed):
		httpError(w, http.StatusConflict, "conflict", "session already used")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func parseTenantID(r *http.Request) (int64, error) {
	s := r.URL.Query().Get("tenant_id")
	if s == "" {
		return 0, errors.New("tenant_id is required")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid tenant_id %q", s)
	}
	return v, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
