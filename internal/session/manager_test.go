package session

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parishworks/vestry/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	m := NewManager(store, 10*time.Minute, "http://upload.example.test")
	return m, store
}

func TestCreateHandoff(t *testing.T) {
	m, store := newTestManager(t)

	h, err := m.Create(1, storage.RecordBaptism)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.SessionID == "" {
		t.Error("empty session id")
	}
	if len(h.Code) != 6 || h.Code[0] == '0' {
		t.Errorf("code = %q, want 6 digits without leading zero", h.Code)
	}
	if !strings.Contains(h.URL, h.SessionID) || !strings.Contains(h.URL, h.Code) {
		t.Errorf("handoff URL %q missing id or code", h.URL)
	}
	if !strings.HasPrefix(h.URL, "http://upload.example.test/validate-upload?") {
		t.Errorf("handoff URL = %q", h.URL)
	}
	// PNG magic bytes.
	if !bytes.HasPrefix(h.QRCodePNG, []byte("\x89PNG")) {
		t.Error("QR code payload is not a PNG")
	}

	sess, err := store.GetSession(h.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Verified || sess.Used {
		t.Errorf("fresh session has flags set: %+v", sess)
	}
	wantExpiry := sess.CreatedAt.Add(10 * time.Minute)
	if !sess.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, wantExpiry)
	}
}

func TestVerifyAtMostOnce(t *testing.T) {
	m, _ := newTestManager(t)
	h, err := m.Create(1, storage.RecordBaptism)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Verify(h.SessionID, "000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong code: %v, want ErrNotFound", err)
	}
	if err := m.Verify(h.SessionID, h.Code); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := m.Verify(h.SessionID, h.Code); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("second Verify: %v, want ErrAlreadyVerified", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	m, _ := newTestManager(t)
	h, err := m.Create(1, storage.RecordMarriage)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Jump the clock past expiry.
	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	if err := m.Verify(h.SessionID, h.Code); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify after expiry: %v, want ErrExpired", err)
	}
}

func TestAcceptDisclaimerRequiresVerification(t *testing.T) {
	m, _ := newTestManager(t)
	h, err := m.Create(1, storage.RecordBaptism)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = m.AcceptDisclaimer(h.SessionID, "el", "warden@example.test", "standard")
	if !errors.Is(err, ErrNotVerified) {
		t.Fatalf("AcceptDisclaimer before Verify: %v, want ErrNotVerified", err)
	}

	if err := m.Verify(h.SessionID, h.Code); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := m.AcceptDisclaimer(h.SessionID, "el", "warden@example.test", "standard"); err != nil {
		t.Fatalf("AcceptDisclaimer: %v", err)
	}

	status, err := m.GetStatus(h.SessionID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.Verified || !status.DisclaimerAccepted {
		t.Errorf("status = %+v", status)
	}
}

func TestEligibility(t *testing.T) {
	m, _ := newTestManager(t)
	h, err := m.Create(1, storage.RecordBaptism)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.Eligible(h.SessionID); !errors.Is(err, ErrNotVerified) {
		t.Errorf("unverified: %v, want ErrNotVerified", err)
	}
	if err := m.Verify(h.SessionID, h.Code); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := m.Eligible(h.SessionID); !errors.Is(err, ErrDisclaimerNotAccepted) {
		t.Errorf("no disclaimer: %v, want ErrDisclaimerNotAccepted", err)
	}
	if err := m.AcceptDisclaimer(h.SessionID, "en", "", "standard"); err != nil {
		t.Fatalf("AcceptDisclaimer: %v", err)
	}
	if _, err := m.Eligible(h.SessionID); err != nil {
		t.Errorf("eligible session rejected: %v", err)
	}

	// One-shot: once used, never eligible again.
	if err := m.MarkUsed(h.SessionID); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if err := m.MarkUsed(h.SessionID); err != nil {
		t.Fatalf("second MarkUsed: %v", err)
	}
	if _, err := m.Eligible(h.SessionID); !errors.Is(err, ErrUsed) {
		t.Errorf("used session: %v, want ErrUsed", err)
	}
}

func TestStatusTimeRemaining(t *testing.T) {
	m, _ := newTestManager(t)
	h, err := m.Create(1, storage.RecordFuneral)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := m.GetStatus(h.SessionID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Expired {
		t.Error("fresh session reported expired")
	}
	if status.TimeRemaining <= 0 || status.TimeRemaining > 10*time.Minute {
		t.Errorf("TimeRemaining = %s", status.TimeRemaining)
	}

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	status, err = m.GetStatus(h.SessionID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.Expired || status.TimeRemaining != 0 {
		t.Errorf("expired status = %+v", status)
	}
}

func TestSweepHonorsRetention(t *testing.T) {
	m, store := newTestManager(t)

	h, err := m.Create(1, storage.RecordBaptism)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Expired 30 minutes ago: inside the 24h retention window, kept.
	m.now = func() time.Time { return time.Now().Add(40 * time.Minute) }
	n, err := m.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("swept %d sessions inside retention, want 0", n)
	}

	// Two days later the same session is past retention.
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err = m.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d sessions, want 1", n)
	}
	if _, err := store.GetSession(h.SessionID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session survived sweep: %v", err)
	}
}
