package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a job status update would move a job
// backward or out of a terminal state. Callers treat this as a programming
// error, not a retryable condition.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStatus is the lifecycle state of an OCR job.
// Valid transitions: pending -> processing -> complete | error.
// FailJob may also move pending -> error when preprocessing dies before
// recognition starts.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobError      JobStatus = "error"
)

// RecordType identifies which sacramental register an upload belongs to.
// The set is closed; unknown values are rejected at the API boundary instead
// of being interpolated into queries.
type RecordType string

const (
	RecordBaptism  RecordType = "baptism"
	RecordMarriage RecordType = "marriage"
	RecordFuneral  RecordType = "funeral"
)

// ParseRecordType validates a caller-supplied record type string.
func ParseRecordType(s string) (RecordType, error) {
	switch RecordType(s) {
	case RecordBaptism, RecordMarriage, RecordFuneral:
		return RecordType(s), nil
	}
	return "", fmt.Errorf("unknown record type %q", s)
}

// Session is a time-boxed authorization to upload documents for OCR.
// It is created from a desktop browser, verified from a second device via a
// 6-digit code, and consumed by exactly one upload batch.
type Session struct {
	ID                 string
	Code               string
	TenantID           int64
	RecordType         RecordType
	CreatedAt          time.Time
	ExpiresAt          time.Time
	Verified           bool
	VerifiedAt         time.Time
	DisclaimerAccepted bool
	DisclaimerLanguage string
	ContactAddress     string
	Tier               string
	Used               bool
	UsedAt             time.Time
}

// Job is one uploaded document's recognition record.
type Job struct {
	ID                    string
	SessionID             string // empty for the direct-upload variant
	TenantID              int64
	OriginalFilename      string
	StoragePath           string
	ByteSize              int64
	MimeType              string
	Language              string
	RecordType            RecordType
	Status                JobStatus
	RecognizedText        string
	TranslatedText        string
	Confidence            float64 // meaningful only when Status is JobComplete
	ErrorRegions          string  // JSON array stored as text, empty when none
	RawResult             string  // normalized recognition result JSON, kept for audit
	ErrorMessage          string
	CreatedAt             time.Time
	ProcessingStartedAt   time.Time
	ProcessingCompletedAt time.Time
}

// JobFilter narrows ListJobs results. Zero values mean "no constraint".
type JobFilter struct {
	Status     JobStatus
	RecordType RecordType
	Language   string
	From       time.Time
	To         time.Time
}

// QueueHealth is an aggregate snapshot of a tenant's job queue.
type QueueHealth struct {
	CountsByStatus    map[JobStatus]int `json:"counts_by_status"`
	Last24hVolume     int               `json:"last_24h_volume"`
	AverageConfidence float64           `json:"average_confidence"`
}
