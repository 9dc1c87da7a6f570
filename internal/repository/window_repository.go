package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/pkg/database"
)

const windowColumns = `id, census_year, message, scope, deadline, state, opened_by, opened_at, closed_at, closed_by, close_reason, last_updated`

// memberBatchSize keeps bulk inserts under SQL Server's parameter ceiling.
const memberBatchSize = 500

// WindowRepository persists upload windows, their members and event log.
type WindowRepository struct {
	db *sqlx.DB
}

// NewWindowRepository constructs a WindowRepository.
func NewWindowRepository(db *sqlx.DB) *WindowRepository {
	return &WindowRepository{db: db}
}

// OpenWindowParams describes a window to append as the current one.
type OpenWindowParams struct {
	Window  *models.UploadWindow
	Members []string
	// ExpireID names a still-OPEN window whose deadline has passed. It is
	// finalised as expired in the same transaction.
	ExpireID string
	Actor    string
	Now      time.Time
}

// Current returns the most recently opened window.
func (r *WindowRepository) Current(ctx context.Context) (*models.UploadWindow, error) {
	query := `SELECT ` + windowColumns + ` FROM upload_windows ORDER BY opened_at DESC` + database.Page(r.db, 1, 0)
	var window models.UploadWindow
	if err := r.db.GetContext(ctx, &window, query); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get current window: %w", err)
	}
	return &window, nil
}

// FindByID returns a window by identifier.
func (r *WindowRepository) FindByID(ctx context.Context, id string) (*models.UploadWindow, error) {
	query := r.db.Rebind(`SELECT ` + windowColumns + ` FROM upload_windows WHERE id = ?`)
	var window models.UploadWindow
	if err := r.db.GetContext(ctx, &window, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get window: %w", err)
	}
	return &window, nil
}

// IsMember reports whether userID is on the allow-list of a window.
func (r *WindowRepository) IsMember(ctx context.Context, windowID, userID string) (bool, error) {
	query := r.db.Rebind(`SELECT COUNT(*) FROM upload_window_members WHERE window_id = ? AND user_id = ?`)
	var count int
	if err := r.db.GetContext(ctx, &count, query, windowID, userID); err != nil {
		return false, fmt.Errorf("check window member: %w", err)
	}
	return count > 0, nil
}

// Members lists the allow-list of a window.
func (r *WindowRepository) Members(ctx context.Context, windowID string) ([]string, error) {
	query := r.db.Rebind(`SELECT user_id FROM upload_window_members WHERE window_id = ? ORDER BY user_id`)
	var members []string
	if err := r.db.SelectContext(ctx, &members, query, windowID); err != nil {
		return nil, fmt.Errorf("list window members: %w", err)
	}
	return members, nil
}

// Open appends a new window together with its members and OPENED event. It
// returns true when params.ExpireID was finalised by this call. A concurrent
// open surfaces as ErrDuplicate through the single-open index.
func (r *WindowRepository) Open(ctx context.Context, params OpenWindowParams) (expired bool, err error) {
	window := params.Window
	if window.ID == "" {
		window.ID = uuid.NewString()
	}
	now := params.Now.UTC()
	window.State = models.WindowStateOpen
	window.OpenedAt = now
	window.LastUpdated = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin open window: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if params.ExpireID != "" {
		expired, err = r.finish(ctx, tx, params.ExpireID, models.WindowExpired, nil, now)
		if err != nil {
			return false, err
		}
	}

	const insertWindow = `INSERT INTO upload_windows (id, census_year, message, scope, deadline, state, opened_by, opened_at, closed_at, closed_by, close_reason, last_updated) VALUES (:id, :census_year, :message, :scope, :deadline, :state, :opened_by, :opened_at, :closed_at, :closed_by, :close_reason, :last_updated)`
	if _, err = tx.NamedExecContext(ctx, insertWindow, window); err != nil {
		if database.IsUniqueViolation(err) {
			return false, ErrDuplicate
		}
		return false, fmt.Errorf("insert window: %w", err)
	}

	if len(params.Members) > 0 {
		rows := make([]models.WindowMember, 0, len(params.Members))
		for _, userID := range params.Members {
			rows = append(rows, models.WindowMember{WindowID: window.ID, UserID: userID})
		}
		for start := 0; start < len(rows); start += memberBatchSize {
			end := start + memberBatchSize
			if end > len(rows) {
				end = len(rows)
			}
			if _, err = tx.NamedExecContext(ctx, `INSERT INTO upload_window_members (window_id, user_id) VALUES (:window_id, :user_id)`, rows[start:end]); err != nil {
				return false, fmt.Errorf("insert window members: %w", err)
			}
		}
	}

	if err = insertWindowEvent(ctx, tx, window.ID, models.WindowEventOpened, params.Actor, now); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit open window: %w", err)
	}
	return expired, nil
}

// Finish records the closure of an OPEN window. It returns sql.ErrNoRows when
// the window was no longer open, so only one caller wins.
func (r *WindowRepository) Finish(ctx context.Context, id string, reason models.WindowCloseReason, actor *string, now time.Time) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close window: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	finished, err := r.finish(ctx, tx, id, reason, actor, now.UTC())
	if err != nil {
		return err
	}
	if !finished {
		return sql.ErrNoRows
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit close window: %w", err)
	}
	return nil
}

func (r *WindowRepository) finish(ctx context.Context, tx *sqlx.Tx, id string, reason models.WindowCloseReason, actor *string, now time.Time) (bool, error) {
	query := tx.Rebind(`UPDATE upload_windows SET state = ?, closed_at = ?, closed_by = ?, close_reason = ?, last_updated = ? WHERE id = ? AND state = ?`)
	res, err := tx.ExecContext(ctx, query, models.WindowStateClosed, now, actor, reason, now, id, models.WindowStateOpen)
	if err != nil {
		return false, fmt.Errorf("close window: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close window rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	kind := models.WindowEventClosed
	eventActor := "system"
	if reason == models.WindowExpired {
		kind = models.WindowEventExpired
	}
	if actor != nil {
		eventActor = *actor
	}
	if err := insertWindowEvent(ctx, tx, id, kind, eventActor, now); err != nil {
		return false, err
	}
	return true, nil
}

// History returns the most recent windows, newest first.
func (r *WindowRepository) History(ctx context.Context, limit int) ([]models.UploadWindow, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + windowColumns + ` FROM upload_windows ORDER BY opened_at DESC` + database.Page(r.db, limit, 0)
	var windows []models.UploadWindow
	if err := r.db.SelectContext(ctx, &windows, query); err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	return windows, nil
}

// Events returns the event log of the given windows in occurrence order.
func (r *WindowRepository) Events(ctx context.Context, windowIDs []string) ([]models.WindowEvent, error) {
	if len(windowIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, window_id, kind, actor, occurred_at FROM upload_window_events WHERE window_id IN (?) ORDER BY occurred_at ASC`, windowIDs)
	if err != nil {
		return nil, fmt.Errorf("build window events: %w", err)
	}
	var events []models.WindowEvent
	if err := r.db.SelectContext(ctx, &events, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list window events: %w", err)
	}
	return events, nil
}

func insertWindowEvent(ctx context.Context, tx *sqlx.Tx, windowID string, kind models.WindowEventKind, actor string, at time.Time) error {
	event := models.WindowEvent{
		ID:         uuid.NewString(),
		WindowID:   windowID,
		Kind:       kind,
		Actor:      actor,
		OccurredAt: at,
	}
	const query = `INSERT INTO upload_window_events (id, window_id, kind, actor, occurred_at) VALUES (:id, :window_id, :kind, :actor, :occurred_at)`
	if _, err := tx.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("insert window event: %w", err)
	}
	return nil
}
