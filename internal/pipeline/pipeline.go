// Package pipeline drives an upload batch from file validation through
// recognition to a terminal job status. The caller gets pending jobs back
// immediately; processing happens on a bounded background worker group.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parishworks/vestry/internal/notify"
	"github.com/parishworks/vestry/internal/preprocess"
	"github.com/parishworks/vestry/internal/recognize"
	"github.com/parishworks/vestry/internal/session"
	"github.com/parishworks/vestry/internal/storage"
)

// ValidationError rejects an upload before any job is created. The request
// is caller-correctable: wrong file type, oversized payload, missing fields,
// or a session that is not upload-eligible.
type ValidationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// allowedMimeTypes is the upload policy: raster formats go through
// preprocessing and recognition, PDFs through embedded-text extraction.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/bmp":       true,
	"image/tiff":      true,
	"image/webp":      true,
	"application/pdf": true,
}

// errorRegionThreshold gates error-region annotation: only results below this
// confidence get per-token suspect regions attached.
const errorRegionThreshold = 0.6

// Store is the subset of storage operations the orchestrator needs.
type Store interface {
	CreateJob(storage.Job) error
	BeginJob(id string, at time.Time) error
	CompleteJob(id, recognizedText, translatedText string, confidence float64, errorRegions, rawResult string, at time.Time) error
	FailJob(id, errMsg string, at time.Time) error
}

// Sessions is the subset of session operations the orchestrator needs.
type Sessions interface {
	Eligible(id string) (storage.Session, error)
	MarkUsed(id string) error
}

// Options tunes batch processing limits.
type Options struct {
	// Workers bounds concurrent per-file processing.
	Workers int
	// MaxFileSize is the per-file byte limit.
	MaxFileSize int64
	// MaxFiles is the per-batch file count limit.
	MaxFiles int
	// Preprocess enables the image correction pipeline before recognition.
	Preprocess bool
	// UploadDir is where original file bytes are persisted.
	UploadDir string
}

// Orchestrator owns the upload-to-terminal-status flow.
type Orchestrator struct {
	store    Store
	sessions Sessions
	engine   recognize.Engine
	notifier notify.Notifier
	opts     Options
	now      func() time.Time
	logger   *slog.Logger

	// wg tracks in-flight batches so Close can drain them on shutdown.
	wg sync.WaitGroup
}

// New creates an Orchestrator. The recognition engine and notifier are
// injected; their lifecycle belongs to the process bootstrap, not to this
// package.
func New(store Store, sessions Sessions, engine recognize.Engine, notifier notify.Notifier, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 20 << 20
	}
	if opts.MaxFiles < 1 {
		opts.MaxFiles = 10
	}
	return &Orchestrator{
		store:    store,
		sessions: sessions,
		engine:   engine,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Close waits for all in-flight batches to finish.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// File is one uploaded document.
type File struct {
	Filename string
	MimeType string
	Data     []byte
}

// BatchRequest describes one upload call.
type BatchRequest struct {
	TenantID   int64
	SessionID  string // empty for the direct-upload variant
	RecordType storage.RecordType
	Language   string
	// SkipPreprocess disables image correction for this batch only.
	SkipPreprocess bool
	Files          []File
}

// ProcessBatch validates the request, creates one pending job per file, and
// returns. Recognition runs in the background; callers observe completion by
// polling the job store. One file's failure never aborts its siblings.
func (o *Orchestrator) ProcessBatch(ctx context.Context, req BatchRequest) ([]storage.Job, error) {
	var sess storage.Session
	if req.SessionID != "" {
		var err error
		sess, err = o.sessions.Eligible(req.SessionID)
		if err != nil {
			return nil, sessionValidationError(err)
		}
		// The session is authoritative for tenant and register.
		req.TenantID = sess.TenantID
		if req.RecordType == "" {
			req.RecordType = sess.RecordType
		}
	} else if req.TenantID <= 0 {
		// Without a session nothing else can supply the tenant, and a job
		// created under tenant 0 is invisible to every tenant-scoped listing.
		return nil, &ValidationError{Field: "tenant_id", Reason: "required for direct uploads"}
	}

	if err := o.validateFiles(req.Files); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	jobs := make([]storage.Job, 0, len(req.Files))
	for _, f := range req.Files {
		path, err := o.persistFile(f)
		if err != nil {
			return nil, fmt.Errorf("storing %s: %w", f.Filename, err)
		}
		job := storage.Job{
			ID:               uuid.NewString(),
			SessionID:        req.SessionID,
			TenantID:         req.TenantID,
			OriginalFilename: f.Filename,
			StoragePath:      path,
			ByteSize:         int64(len(f.Data)),
			MimeType:         f.MimeType,
			Language:         req.Language,
			RecordType:       req.RecordType,
			Status:           storage.JobPending,
			CreatedAt:        now,
		}
		if err := o.store.CreateJob(job); err != nil {
			return nil, fmt.Errorf("creating job for %s: %w", f.Filename, err)
		}
		jobs = append(jobs, job)
	}

	batch := make([]storage.Job, len(jobs))
	copy(batch, jobs)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The triggering request's context ends when the response is
		// written; background work carries on regardless.
		o.runBatch(context.WithoutCancel(ctx), req, sess, batch)
	}()

	return jobs, nil
}

func sessionValidationError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrNotVerified),
		errors.Is(err, session.ErrAlreadyVerified):
		// Caller-correctable session state, surfaced as-is.
		return err
	case errors.Is(err, session.ErrDisclaimerNotAccepted):
		return &ValidationError{Field: "session", Reason: "disclaimer not accepted", cause: err}
	case errors.Is(err, session.ErrUsed):
		return &ValidationError{Field: "session", Reason: "session already used", cause: err}
	}
	return err
}

func (o *Orchestrator) validateFiles(files []File) error {
	if len(files) == 0 {
		return &ValidationError{Field: "files", Reason: "no files submitted"}
	}
	if len(files) > o.opts.MaxFiles {
		return &ValidationError{Field: "files", Reason: fmt.Sprintf("at most %d files per upload", o.opts.MaxFiles)}
	}
	for _, f := range files {
		if f.Filename == "" {
			return &ValidationError{Field: "filename", Reason: "missing filename"}
		}
		if len(f.Data) == 0 {
			return &ValidationError{Field: f.Filename, Reason: "empty file"}
		}
		if int64(len(f.Data)) > o.opts.MaxFileSize {
			return &ValidationError{Field: f.Filename, Reason: fmt.Sprintf("exceeds %d byte limit", o.opts.MaxFileSize)}
		}
		if !allowedMimeTypes[normalizeMime(f.MimeType)] {
			return &ValidationError{Field: f.Filename, Reason: fmt.Sprintf("unsupported file type %q", f.MimeType)}
		}
	}
	return nil
}

func normalizeMime(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

// persistFile writes the original bytes under a fresh name; the stored path
// is what GetJob's image passthrough serves later.
func (o *Orchestrator) persistFile(f File) (string, error) {
	if err := os.MkdirAll(o.opts.UploadDir, 0o755); err != nil {
		return "", err
	}
	name := uuid.NewString() + sanitizedExt(f.Filename)
	path := filepath.Join(o.opts.UploadDir, name)
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizedExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	for _, r := range ext {
		if r != '.' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// runBatch processes every file of one batch on a bounded worker group, then
// performs the once-per-batch session and notification steps.
func (o *Orchestrator) runBatch(ctx context.Context, req BatchRequest, sess storage.Session, jobs []storage.Job) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	outcomes := make([]notify.FileOutcome, len(jobs))
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = o.processJob(gctx, req, job)
			// Per-file failures are recorded on the job, never
			// propagated: one bad file must not cancel siblings.
			return nil
		})
	}
	g.Wait()

	if req.SessionID != "" {
		if err := o.sessions.MarkUsed(req.SessionID); err != nil {
			o.logger.Error("marking session used", "session_id", req.SessionID, "error", err)
		}
	}

	o.sendReceipt(ctx, req, sess, outcomes)
}

func (o *Orchestrator) sendReceipt(ctx context.Context, req BatchRequest, sess storage.Session, outcomes []notify.FileOutcome) {
	if o.notifier == nil || sess.ContactAddress == "" {
		return
	}
	receipt := notify.Receipt{
		SessionID:      req.SessionID,
		TenantID:       req.TenantID,
		ContactAddress: sess.ContactAddress,
		Language:       sess.DisclaimerLanguage,
		Files:          outcomes,
		SentAt:         o.now().UTC(),
	}
	if err := o.notifier.SendReceipt(ctx, receipt); err != nil {
		// Receipt failure never reverses a job's terminal state.
		o.logger.Warn("receipt delivery failed", "session_id", req.SessionID, "error", err)
	}
}

// processJob takes one job from pending to a terminal status and reports its
// outcome for the batch receipt.
func (o *Orchestrator) processJob(ctx context.Context, req BatchRequest, job storage.Job) notify.FileOutcome {
	outcome := notify.FileOutcome{JobID: job.ID, Filename: job.OriginalFilename}

	fail := func(msg string) notify.FileOutcome {
		if err := o.store.FailJob(job.ID, msg, o.now().UTC()); err != nil {
			o.logger.Error("failing job", "job_id", job.ID, "error", err)
		}
		o.logger.Info("job failed", "job_id", job.ID, "reason", msg)
		outcome.Status = string(storage.JobError)
		outcome.Error = msg
		return outcome
	}

	data, err := os.ReadFile(job.StoragePath)
	if err != nil {
		return fail(fmt.Sprintf("reading stored file: %v", err))
	}

	if err := o.store.BeginJob(job.ID, o.now().UTC()); err != nil {
		// Another worker already moved this job; leave it alone.
		o.logger.Error("beginning job", "job_id", job.ID, "error", err)
		outcome.Status = string(storage.JobError)
		outcome.Error = err.Error()
		return outcome
	}

	var res recognize.Result
	if normalizeMime(job.MimeType) == "application/pdf" {
		res, err = recognize.ExtractPDFText(data)
	} else {
		res, err = o.recognizeImage(ctx, req, job, data)
	}
	switch {
	case errors.Is(err, recognize.ErrUnavailable):
		return fail("recognition service unavailable")
	case errors.Is(err, recognize.ErrNoTextDetected):
		return fail("no text detected in document")
	case err != nil:
		return fail(err.Error())
	}

	confidence := recognize.Aggregate(res.Tokens)

	var regionsJSON string
	if confidence < errorRegionThreshold {
		if regions := recognize.DetectErrorRegions(res.Tokens); regions != nil {
			if b, err := json.Marshal(regions); err == nil {
				regionsJSON = string(b)
			}
		}
	}

	rawJSON := ""
	if b, err := json.Marshal(res); err == nil {
		rawJSON = string(b)
	}

	if err := o.store.CompleteJob(job.ID, res.Text, "", confidence, regionsJSON, rawJSON, o.now().UTC()); err != nil {
		o.logger.Error("completing job", "job_id", job.ID, "error", err)
		outcome.Status = string(storage.JobError)
		outcome.Error = err.Error()
		return outcome
	}

	o.logger.Info("job complete",
		"job_id", job.ID,
		"provider", res.Provider,
		"confidence", confidence)
	outcome.Status = string(storage.JobComplete)
	outcome.Confidence = confidence
	return outcome
}

// recognizeImage runs preprocessing (unless disabled) and the recognition
// engine over a raster upload.
func (o *Orchestrator) recognizeImage(ctx context.Context, req BatchRequest, job storage.Job, data []byte) (recognize.Result, error) {
	input := data
	if o.opts.Preprocess && !req.SkipPreprocess {
		pre, err := preprocess.Process(data, preprocess.Options{LanguageHint: job.Language})
		if err != nil {
			return recognize.Result{}, fmt.Errorf("preprocessing failed: %v", err)
		}
		o.logger.Debug("preprocessed image",
			"job_id", job.ID,
			"rotation", pre.Metadata.RotationApplied,
			"boundary_detected", pre.Metadata.BoundaryDetected,
			"profile", pre.Metadata.ContrastProfile)
		input = pre.Image
	}
	return o.engine.Recognize(ctx, input, recognize.Hints(job.Language))
}
