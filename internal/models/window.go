package models

import "time"

// WindowScope decides who may submit while a window is open.
type WindowScope string

const (
	WindowScopeGlobal    WindowScope = "global"
	WindowScopeSelective WindowScope = "selective"
)

// WindowState is the persisted lifecycle marker of a window row.
type WindowState string

const (
	WindowStateOpen   WindowState = "OPEN"
	WindowStateClosed WindowState = "CLOSED"
)

// WindowCloseReason records how an open window came to an end.
type WindowCloseReason string

const (
	WindowClosedByAdmin WindowCloseReason = "closed"
	WindowExpired       WindowCloseReason = "expired"
)

// WindowEventKind enumerates entries in the window event log.
type WindowEventKind string

const (
	WindowEventOpened  WindowEventKind = "OPENED"
	WindowEventClosed  WindowEventKind = "CLOSED"
	WindowEventExpired WindowEventKind = "EXPIRED"
)

// UploadWindow is one opened submission period. Rows are appended per open and
// only ever updated to record their closure.
type UploadWindow struct {
	ID          string             `db:"id" json:"id"`
	Year        string             `db:"census_year" json:"year"`
	Message     string             `db:"message" json:"message"`
	Scope       WindowScope        `db:"scope" json:"scope"`
	Deadline    time.Time          `db:"deadline" json:"deadline"`
	State       WindowState        `db:"state" json:"state"`
	OpenedBy    string             `db:"opened_by" json:"opened_by"`
	OpenedAt    time.Time          `db:"opened_at" json:"opened_at"`
	ClosedAt    *time.Time         `db:"closed_at" json:"closed_at,omitempty"`
	ClosedBy    *string            `db:"closed_by" json:"closed_by,omitempty"`
	CloseReason *WindowCloseReason `db:"close_reason" json:"close_reason,omitempty"`
	LastUpdated time.Time          `db:"last_updated" json:"last_updated"`
}

// IsOpenAt reports whether submissions are accepted at now. A window past its
// deadline is closed whether or not its closure was recorded.
func (w *UploadWindow) IsOpenAt(now time.Time) bool {
	return w != nil && w.State == WindowStateOpen && now.Before(w.Deadline)
}

// ExpiredAt reports whether the window is still marked open but its deadline
// has passed.
func (w *UploadWindow) ExpiredAt(now time.Time) bool {
	return w != nil && w.State == WindowStateOpen && !now.Before(w.Deadline)
}

// WindowEvent is an append-only record of a window transition.
type WindowEvent struct {
	ID         string          `db:"id" json:"id"`
	WindowID   string          `db:"window_id" json:"window_id"`
	Kind       WindowEventKind `db:"kind" json:"kind"`
	Actor      string          `db:"actor" json:"actor"`
	OccurredAt time.Time       `db:"occurred_at" json:"occurred_at"`
}

// WindowMember links a selective window to an allowed user.
type WindowMember struct {
	WindowID string `db:"window_id"`
	UserID   string `db:"user_id"`
}
