package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding sessions and OCR jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vestry.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

// --- Sessions ---

const sessionColumns = `id, code, tenant_id, record_type, created_at, expires_at,
	verified, verified_at, disclaimer_accepted, disclaimer_language,
	contact_address, tier, used, used_at`

func (s *Store) CreateSession(sess Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Code, sess.TenantID, string(sess.RecordType),
		fmtTime(sess.CreatedAt), fmtTime(sess.ExpiresAt),
		sess.Verified, fmtNullTime(sess.VerifiedAt),
		sess.DisclaimerAccepted, sess.DisclaimerLanguage,
		sess.ContactAddress, sess.Tier,
		sess.Used, fmtNullTime(sess.UsedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var recordType, createdAt, expiresAt string
	var verifiedAt, usedAt sql.NullString
	err := row.Scan(
		&sess.ID, &sess.Code, &sess.TenantID, &recordType, &createdAt, &expiresAt,
		&sess.Verified, &verifiedAt, &sess.DisclaimerAccepted, &sess.DisclaimerLanguage,
		&sess.ContactAddress, &sess.Tier, &sess.Used, &usedAt,
	)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.RecordType = RecordType(recordType)
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Session{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	if sess.VerifiedAt, err = parseNullTime(verifiedAt); err != nil {
		return Session{}, fmt.Errorf("parsing verified_at: %w", err)
	}
	if sess.UsedAt, err = parseNullTime(usedAt); err != nil {
		return Session{}, fmt.Errorf("parsing used_at: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByCode looks a session up by id and verification code together, so
// a wrong code is indistinguishable from a missing session.
func (s *Store) GetSessionByCode(id, code string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND code = ?`, id, code)
	return scanSession(row)
}

// MarkSessionVerified flips the verified flag. The WHERE guard makes the write
// first-caller-wins; applied reports whether this call won.
func (s *Store) MarkSessionVerified(id string, at time.Time) (applied bool, err error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET verified = 1, verified_at = ? WHERE id = ? AND verified = 0`,
		fmtTime(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) SetSessionDisclaimer(id, language, contactAddress, tier string) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET disclaimer_accepted = 1, disclaimer_language = ?, contact_address = ?, tier = ?
		WHERE id = ?`,
		language, contactAddress, tier, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSessionUsed is idempotent: marking an already used session is a no-op.
func (s *Store) MarkSessionUsed(id string, at time.Time) error {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	_, err := s.db.Exec(
		`UPDATE sessions SET used = 1, used_at = ? WHERE id = ? AND used = 0`,
		fmtTime(at), id,
	)
	return err
}

func (s *Store) ListSessions(tenantID int64, limit, offset int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE tenant_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

// DeleteExpiredSessions removes sessions whose expiry passed before cutoff.
// Sessions newer than cutoff are kept for audit even when already expired.
func (s *Store) DeleteExpiredSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Jobs ---

const jobColumns = `id, session_id, tenant_id, original_filename, storage_path,
	byte_size, mime_type, language, record_type, status, recognized_text,
	translated_text, confidence, error_regions, raw_result, error_message,
	created_at, processing_started_at, processing_completed_at`

func (s *Store) CreateJob(j Job) error {
	status := j.Status
	if status == "" {
		status = JobPending
	}
	var sessionID any
	if j.SessionID != "" {
		sessionID = j.SessionID
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, sessionID, j.TenantID, j.OriginalFilename, j.StoragePath,
		j.ByteSize, j.MimeType, j.Language, string(j.RecordType), string(status),
		j.RecognizedText, j.TranslatedText, nil, j.ErrorRegions, j.RawResult,
		j.ErrorMessage, fmtTime(j.CreatedAt), nil, nil,
	)
	return err
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var sessionID sql.NullString
	var recordType, status, createdAt string
	var confidence sql.NullFloat64
	var startedAt, completedAt sql.NullString
	err := row.Scan(
		&j.ID, &sessionID, &j.TenantID, &j.OriginalFilename, &j.StoragePath,
		&j.ByteSize, &j.MimeType, &j.Language, &recordType, &status,
		&j.RecognizedText, &j.TranslatedText, &confidence, &j.ErrorRegions,
		&j.RawResult, &j.ErrorMessage, &createdAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.SessionID = sessionID.String
	j.RecordType = RecordType(recordType)
	j.Status = JobStatus(status)
	j.Confidence = confidence.Float64
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.ProcessingStartedAt, err = parseNullTime(startedAt); err != nil {
		return Job{}, fmt.Errorf("parsing processing_started_at: %w", err)
	}
	if j.ProcessingCompletedAt, err = parseNullTime(completedAt); err != nil {
		return Job{}, fmt.Errorf("parsing processing_completed_at: %w", err)
	}
	return j, nil
}

func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// transition applies a guarded status update. The status guard in the WHERE
// clause serializes concurrent workers: only one caller can win a given
// transition, and terminal states can never be left.
func (s *Store) transition(id string, from []JobStatus, set string, args ...any) error {
	placeholders := strings.Repeat(",?", len(from)-1)
	query := `UPDATE jobs SET ` + set + ` WHERE id = ? AND status IN (?` + placeholders + `)`
	qargs := append(args, id)
	for _, st := range from {
		qargs = append(qargs, string(st))
	}
	res, err := s.db.Exec(query, qargs...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// BeginJob moves a job from pending to processing.
func (s *Store) BeginJob(id string, at time.Time) error {
	return s.transition(id, []JobStatus{JobPending},
		`status = 'processing', processing_started_at = ?`, fmtTime(at))
}

// CompleteJob moves a job from processing to complete and records the
// recognition outcome. Confidence is only ever written here.
func (s *Store) CompleteJob(id, recognizedText, translatedText string, confidence float64, errorRegions, rawResult string, at time.Time) error {
	return s.transition(id, []JobStatus{JobProcessing},
		`status = 'complete', recognized_text = ?, translated_text = ?, confidence = ?,
		 error_regions = ?, raw_result = ?, processing_completed_at = ?`,
		recognizedText, translatedText, confidence, errorRegions, rawResult, fmtTime(at))
}

// FailJob moves a job to error from processing, or straight from pending when
// preprocessing fails before recognition starts.
func (s *Store) FailJob(id, errMsg string, at time.Time) error {
	return s.transition(id, []JobStatus{JobPending, JobProcessing},
		`status = 'error', error_message = ?, processing_completed_at = ?`,
		errMsg, fmtTime(at))
}

// ListJobs returns a page of a tenant's jobs plus the total count matching the
// filter, newest first.
func (s *Store) ListJobs(tenantID int64, f JobFilter, limit, offset int) ([]Job, int, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.RecordType != "" {
		where = append(where, "record_type = ?")
		args = append(args, string(f.RecordType))
	}
	if f.Language != "" {
		where = append(where, "language = ?")
		args = append(args, f.Language)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, fmtTime(f.To))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE `+clause+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, j)
	}
	return results, total, rows.Err()
}

// ComputeQueueHealth aggregates a tenant's queue for monitoring dashboards.
func (s *Store) ComputeQueueHealth(tenantID int64) (QueueHealth, error) {
	health := QueueHealth{CountsByStatus: make(map[JobStatus]int)}

	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM jobs WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return QueueHealth{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueHealth{}, err
		}
		health.CountsByStatus[JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return QueueHealth{}, err
	}

	since := fmtTime(time.Now().UTC().Add(-24 * time.Hour))
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND created_at >= ?`,
		tenantID, since,
	).Scan(&health.Last24hVolume); err != nil {
		return QueueHealth{}, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRow(
		`SELECT AVG(confidence) FROM jobs WHERE tenant_id = ? AND status = 'complete'`,
		tenantID,
	).Scan(&avg); err != nil {
		return QueueHealth{}, err
	}
	health.AverageConfidence = avg.Float64

	return health, nil
}
