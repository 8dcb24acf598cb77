// Package notify delivers upload receipts to the contact address captured at
// disclaimer time. Delivery is fire-and-forget: the pipeline never lets a
// failed receipt touch job state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// FileOutcome summarizes one file of a batch for the receipt.
type FileOutcome struct {
	JobID      string  `json:"job_id"`
	Filename   string  `json:"filename"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Receipt is the batch summary sent out once all files have a terminal or
// queued status.
type Receipt struct {
	SessionID      string        `json:"session_id"`
	TenantID       int64         `json:"tenant_id"`
	ContactAddress string        `json:"contact_address"`
	Language       string        `json:"language,omitempty"`
	Files          []FileOutcome `json:"files"`
	SentAt         time.Time     `json:"sent_at"`
}

// Notifier delivers a receipt. Implementations must be safe for concurrent
// use from multiple pipeline workers.
type Notifier interface {
	SendReceipt(ctx context.Context, r Receipt) error
}

// Webhook posts receipts as JSON to a configured endpoint.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhook creates a webhook notifier targeting the given URL.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url: strings.TrimSpace(url),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// SendReceipt posts the receipt. Non-2xx responses are errors so the caller
// can log them; the caller decides that they never propagate further.
func (w *Webhook) SendReceipt(ctx context.Context, r Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating receipt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receipt webhook: unexpected status %d", resp.StatusCode)
	}

	w.logger.Debug("receipt delivered",
		"session_id", r.SessionID,
		"contact", r.ContactAddress,
		"files", len(r.Files))
	return nil
}

// LogOnly records receipts in the process log. Used when no webhook is
// configured, so batch completion still leaves an audit trail.
type LogOnly struct {
	logger *slog.Logger
}

// NewLogOnly creates a log-only notifier.
func NewLogOnly(logger *slog.Logger) *LogOnly {
	return &LogOnly{logger: logger}
}

func (l *LogOnly) SendReceipt(_ context.Context, r Receipt) error {
	complete := 0
	for _, f := range r.Files {
		if f.Status == "complete" {
			complete++
		}
	}
	l.logger.Info("batch receipt",
		"session_id", r.SessionID,
		"tenant_id", r.TenantID,
		"contact", r.ContactAddress,
		"files", len(r.Files),
		"complete", complete)
	return nil
}
