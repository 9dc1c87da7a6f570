package models

import "time"

// RecipientAll addresses a notification to every user.
const RecipientAll = "all"

// NotificationKind classifies feed entries.
type NotificationKind string

const (
	NotificationWindowOpened       NotificationKind = "window_opened"
	NotificationWindowClosed       NotificationKind = "window_closed"
	NotificationWindowExpired      NotificationKind = "window_expired"
	NotificationReminder           NotificationKind = "reminder"
	NotificationSubmissionReceived NotificationKind = "submission_received"
	NotificationSubmissionFailed   NotificationKind = "submission_failed"
	NotificationSubmissionReviewed NotificationKind = "submission_reviewed"
	NotificationBroadcast          NotificationKind = "broadcast"
)

// Notification is a feed entry. Only IsRead changes after creation.
type Notification struct {
	ID           string           `db:"id" json:"id"`
	Recipient    string           `db:"recipient" json:"recipient"`
	Message      string           `db:"message" json:"message"`
	Kind         NotificationKind `db:"kind" json:"kind"`
	RelatedTable *string          `db:"related_table" json:"related_table,omitempty"`
	IsRead       bool             `db:"is_read" json:"is_read"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}

// NotificationFilter narrows a feed listing.
type NotificationFilter struct {
	Recipient  string
	UnreadOnly bool
	Page       int
	PageSize   int
}
