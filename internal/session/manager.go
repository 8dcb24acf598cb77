package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/parishworks/vestry/internal/storage"
)

// Session-layer failures are caller-correctable and surfaced directly as
// rejected requests.
var (
	ErrNotFound              = errors.New("session not found")
	ErrExpired               = errors.New("session expired")
	ErrAlreadyVerified       = errors.New("session already verified")
	ErrNotVerified           = errors.New("session not verified")
	ErrDisclaimerNotAccepted = errors.New("disclaimer not accepted")
	ErrUsed                  = errors.New("session already used")
)

// Store is the subset of storage operations the manager needs.
type Store interface {
	CreateSession(storage.Session) error
	GetSession(id string) (storage.Session, error)
	GetSessionByCode(id, code string) (storage.Session, error)
	MarkSessionVerified(id string, at time.Time) (bool, error)
	SetSessionDisclaimer(id, language, contactAddress, tier string) error
	MarkSessionUsed(id string, at time.Time) error
	ListSessions(tenantID int64, limit, offset int) ([]storage.Session, error)
	DeleteExpiredSessions(cutoff time.Time) (int64, error)
}

// Manager issues, verifies, and expires upload hand-off sessions.
type Manager struct {
	store   Store
	timeout time.Duration
	baseURL string
	now     func() time.Time
	logger  *slog.Logger
}

// NewManager creates a Manager. timeout is how long a fresh session stays
// valid; baseURL is the externally reachable address embedded into handoff
// URLs.
func NewManager(store Store, timeout time.Duration, baseURL string) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Manager{
		store:   store,
		timeout: timeout,
		baseURL: baseURL,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// Handoff is what the initiating browser needs to hand the upload over to a
// second device: the session identity plus a scannable QR code wrapping the
// verification URL.
type Handoff struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	URL       string    `json:"url"`
	QRCodePNG []byte    `json:"-"`
}

// Create issues a new session for the given tenant and persists it.
func (m *Manager) Create(tenantID int64, recordType storage.RecordType) (Handoff, error) {
	code, err := verificationCode()
	if err != nil {
		return Handoff{}, fmt.Errorf("generating verification code: %w", err)
	}

	now := m.now().UTC()
	sess := storage.Session{
		ID:         uuid.New().String(),
		Code:       code,
		TenantID:   tenantID,
		RecordType: recordType,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.timeout),
	}
	if err := m.store.CreateSession(sess); err != nil {
		return Handoff{}, fmt.Errorf("persisting session: %w", err)
	}

	handoffURL := fmt.Sprintf("%s/validate-upload?id=%s&code=%s",
		m.baseURL, url.QueryEscape(sess.ID), url.QueryEscape(code))

	// Both id and code travel in the same URL, so scanning the QR is
	// sufficient to verify: the code is not an independent second factor.
	png, err := qrcode.Encode(handoffURL, qrcode.Medium, 256)
	if err != nil {
		return Handoff{}, fmt.Errorf("encoding handoff QR: %w", err)
	}

	m.logger.Info("session created", "session_id", sess.ID, "tenant_id", tenantID, "expires_at", sess.ExpiresAt)
	return Handoff{
		SessionID: sess.ID,
		Code:      code,
		ExpiresAt: sess.ExpiresAt,
		URL:       handoffURL,
		QRCodePNG: png,
	}, nil
}

// HandoffPNG regenerates the QR code for an existing unexpired session, so
// the initiating browser can re-render it without creating a new session.
func (m *Manager) HandoffPNG(id string) ([]byte, error) {
	sess, err := m.store.GetSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if !m.now().Before(sess.ExpiresAt) {
		return nil, ErrExpired
	}

	handoffURL := fmt.Sprintf("%s/validate-upload?id=%s&code=%s",
		m.baseURL, url.QueryEscape(sess.ID), url.QueryEscape(sess.Code))
	return qrcode.Encode(handoffURL, qrcode.Medium, 256)
}

// verificationCode returns a 6-digit numeric code without a leading zero.
func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}

// Verify confirms a session from the second device. It succeeds at most once
// per session; later calls return ErrAlreadyVerified even with the right code.
func (m *Manager) Verify(id, code string) error {
	sess, err := m.store.GetSessionByCode(id, code)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if !m.now().Before(sess.ExpiresAt) {
		return ErrExpired
	}

	applied, err := m.store.MarkSessionVerified(id, m.now().UTC())
	if err != nil {
		return fmt.Errorf("marking session verified: %w", err)
	}
	if !applied {
		return ErrAlreadyVerified
	}
	m.logger.Info("session verified", "session_id", id)
	return nil
}

// AcceptDisclaimer records disclaimer acceptance for a verified, unexpired
// session. contactAddress is optional and only used for receipt delivery.
func (m *Manager) AcceptDisclaimer(id, language, contactAddress, tier string) error {
	sess, err := m.store.GetSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if !sess.Verified {
		return ErrNotVerified
	}
	if !m.now().Before(sess.ExpiresAt) {
		return ErrExpired
	}
	if err := m.store.SetSessionDisclaimer(id, language, contactAddress, tier); err != nil {
		return fmt.Errorf("recording disclaimer: %w", err)
	}
	m.logger.Info("disclaimer accepted", "session_id", id, "language", language, "tier", tier)
	return nil
}

// Status is a point-in-time view of a session; expiry and time remaining are
// computed against the wall clock at call time, never cached.
type Status struct {
	SessionID          string        `json:"session_id"`
	Verified           bool          `json:"verified"`
	Expired            bool          `json:"expired"`
	DisclaimerAccepted bool          `json:"disclaimer_accepted"`
	Used               bool          `json:"used"`
	ExpiresAt          time.Time     `json:"expires_at"`
	TimeRemaining      time.Duration `json:"time_remaining"`
}

// GetStatus reads a session's state without side effects.
func (m *Manager) GetStatus(id string) (Status, error) {
	sess, err := m.store.GetSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("loading session: %w", err)
	}

	now := m.now()
	remaining := sess.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		SessionID:          sess.ID,
		Verified:           sess.Verified,
		Expired:            !now.Before(sess.ExpiresAt),
		DisclaimerAccepted: sess.DisclaimerAccepted,
		Used:               sess.Used,
		ExpiresAt:          sess.ExpiresAt,
		TimeRemaining:      remaining,
	}, nil
}

// Eligible returns the session if it may accept an upload batch right now:
// verified, disclaimer accepted, unexpired, and not yet consumed.
func (m *Manager) Eligible(id string) (storage.Session, error) {
	sess, err := m.store.GetSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Session{}, ErrNotFound
	}
	if err != nil {
		return storage.Session{}, fmt.Errorf("loading session: %w", err)
	}
	if !m.now().Before(sess.ExpiresAt) {
		return storage.Session{}, ErrExpired
	}
	if !sess.Verified {
		return storage.Session{}, ErrNotVerified
	}
	if !sess.DisclaimerAccepted {
		return storage.Session{}, ErrDisclaimerNotAccepted
	}
	if sess.Used {
		return storage.Session{}, ErrUsed
	}
	return sess, nil
}

// MarkUsed consumes the session after an upload batch was accepted. It is an
// idempotent no-op when already used.
func (m *Manager) MarkUsed(id string) error {
	err := m.store.MarkSessionUsed(id, m.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// List returns a tenant's recent sessions for operational dashboards.
func (m *Manager) List(tenantID int64, limit, offset int) ([]storage.Session, error) {
	return m.store.ListSessions(tenantID, limit, offset)
}

// Sweep deletes sessions whose expiry is older than the retention window.
func (m *Manager) Sweep(retention time.Duration) (int64, error) {
	cutoff := m.now().UTC().Add(-retention)
	n, err := m.store.DeleteExpiredSessions(cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("swept expired sessions", "deleted", n)
	}
	return n, nil
}
