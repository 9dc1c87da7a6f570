package models

import "time"

// SubmissionStatus tracks the review lifecycle of a submission.
type SubmissionStatus string

const (
	// SubmissionIngesting holds the user's slot while records are sent upstream.
	SubmissionIngesting SubmissionStatus = "ingesting"
	SubmissionInReview  SubmissionStatus = "in-review"
	SubmissionApproved  SubmissionStatus = "approved"
	SubmissionRejected  SubmissionStatus = "rejected"
	SubmissionFailed    SubmissionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionIngesting, SubmissionInReview, SubmissionApproved, SubmissionRejected, SubmissionFailed:
		return true
	}
	return false
}

// SubmissionSummary is the list projection without payload and document.
type SubmissionSummary struct {
	ID                   string           `db:"id" json:"id"`
	WindowID             string           `db:"window_id" json:"window_id"`
	UserID               string           `db:"user_id" json:"user_id"`
	Username             string           `db:"username" json:"username"`
	TableLabel           string           `db:"table_label" json:"table_label"`
	Filename             string           `db:"filename" json:"filename"`
	FileSizeBytes        int64            `db:"file_size_bytes" json:"file_size_bytes"`
	RecordCount          int              `db:"record_count" json:"record_count"`
	CensusYear           string           `db:"census_year" json:"census_year"`
	Status               SubmissionStatus `db:"status" json:"status"`
	ErrorMessage         *string          `db:"error_message" json:"error_message,omitempty"`
	SummaryDocumentBytes int64            `db:"summary_document_bytes" json:"summary_document_bytes"`
	ReviewedBy           *string          `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time       `db:"reviewed_at" json:"reviewed_at,omitempty"`
	UploadedAt           time.Time        `db:"uploaded_at" json:"uploaded_at"`
}

// Submission is the full record including the raw payload.
type Submission struct {
	SubmissionSummary
	RawPayload         string  `db:"raw_payload" json:"raw_payload"`
	SummaryDocumentKey *string `db:"summary_document_key" json:"-"`
}

// SubmissionFilter narrows submission listings.
type SubmissionFilter struct {
	Username   string
	TableLabel string
	CensusYear string
	Status     SubmissionStatus
	WindowID   string
	Page       int
	PageSize   int
}

// SubmissionStatusChange is an append-only transition record.
type SubmissionStatusChange struct {
	ID           string            `db:"id" json:"id"`
	SubmissionID string            `db:"submission_id" json:"submission_id"`
	FromStatus   *SubmissionStatus `db:"from_status" json:"from_status,omitempty"`
	ToStatus     SubmissionStatus  `db:"to_status" json:"to_status"`
	Actor        string            `db:"actor" json:"actor"`
	Note         *string           `db:"note" json:"note,omitempty"`
	ChangedAt    time.Time         `db:"changed_at" json:"changed_at"`
}

// SubmissionStats counts submissions per status.
type SubmissionStats struct {
	CensusYear string                   `json:"census_year,omitempty"`
	Total      int                      `json:"total"`
	ByStatus   map[SubmissionStatus]int `json:"by_status"`
}
