package models

import (
	"time"

	"github.com/google/uuid"
)

type FileType string

const (
	FileTypePDF     FileType = "pdf"
	FileTypeTabular FileType = "tabular"
)

type SessionStatus string

const (
	StatusProcessing SessionStatus = "processing"
	StatusReview     SessionStatus = "review"
	StatusConfirmed  SessionStatus = "confirmed"
	StatusFailed     SessionStatus = "failed"
	StatusCancelled  SessionStatus = "cancelled"
)

// IsTerminal reports whether no further mutation of the session or its
// candidates is permitted.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

// ImportStep is one entry of the session's ordered step log, appended after
// every pipeline stage. Stored as JSONB on the session row. Detail carries
// stage metadata such as the structuring model identifier.
type ImportStep struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ImportSession is one file-import attempt. Sessions are never deleted; they
// are retained as audit records even after a terminal state is reached.
type ImportSession struct {
	ID             uuid.UUID     `db:"id"`
	UserID         uuid.UUID     `db:"user_id"`
	FileName       string        `db:"file_name"`
	FileType       FileType      `db:"file_type"`
	FileSize       int64         `db:"file_size"`
	FileURL        *string       `db:"file_url"`
	Status         SessionStatus `db:"status"`
	Institution    *string       `db:"institution"`
	ExtractedCount int           `db:"extracted_count"`
	DuplicateCount int           `db:"duplicate_count"`
	ImportedCount  int           `db:"imported_count"`
	AvgConfidence  float64       `db:"avg_confidence"`
	ProcessingMS   int64         `db:"processing_ms"`
	Error          *string       `db:"error"`
	Steps          []ImportStep  `db:"steps"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}
