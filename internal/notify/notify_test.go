package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookSendReceipt(t *testing.T) {
	var got Receipt
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, slog.New(slog.DiscardHandler))
	receipt := Receipt{
		SessionID:      "sess-1",
		TenantID:       12,
		ContactAddress: "records@example.org",
		Language:       "el",
		Files: []FileOutcome{
			{JobID: "job-1", Filename: "register-p1.jpg", Status: "complete", Confidence: 0.91},
			{JobID: "job-2", Filename: "register-p2.jpg", Status: "error", Error: "no text detected"},
		},
		SentAt: time.Now().UTC(),
	}
	if err := wh.SendReceipt(context.Background(), receipt); err != nil {
		t.Fatalf("SendReceipt: %v", err)
	}

	if got.SessionID != "sess-1" || got.TenantID != 12 || len(got.Files) != 2 {
		t.Errorf("server received %+v", got)
	}
	if got.Files[1].Error != "no text detected" {
		t.Errorf("outcome error = %q", got.Files[1].Error)
	}
}

func TestWebhookReportsServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, slog.New(slog.DiscardHandler))
	if err := wh.SendReceipt(context.Background(), Receipt{SessionID: "s"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestLogOnlyNeverFails(t *testing.T) {
	n := NewLogOnly(slog.New(slog.DiscardHandler))
	if err := n.SendReceipt(context.Background(), Receipt{SessionID: "s"}); err != nil {
		t.Fatalf("SendReceipt: %v", err)
	}
}
