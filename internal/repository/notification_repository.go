package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/pkg/database"
)

const notificationColumns = `id, recipient, message, kind, related_table, is_read, created_at`

const notificationBatchSize = 250

// NotificationRepository persists the notification feed.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs a NotificationRepository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// InsertBatch appends notifications in one transaction.
func (r *NotificationRepository) InsertBatch(ctx context.Context, notifications []models.Notification) (err error) {
	if len(notifications) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range notifications {
		if notifications[i].ID == "" {
			notifications[i].ID = uuid.NewString()
		}
		if notifications[i].CreatedAt.IsZero() {
			notifications[i].CreatedAt = now
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert notifications: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO notifications (id, recipient, message, kind, related_table, is_read, created_at) VALUES (:id, :recipient, :message, :kind, :related_table, :is_read, :created_at)`
	for start := 0; start < len(notifications); start += notificationBatchSize {
		end := start + notificationBatchSize
		if end > len(notifications) {
			end = len(notifications)
		}
		if _, err = tx.NamedExecContext(ctx, query, notifications[start:end]); err != nil {
			return fmt.Errorf("insert notifications: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

// List returns entries addressed to the recipient or to everyone, newest first.
func (r *NotificationRepository) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error) {
	var builder strings.Builder
	builder.WriteString(" FROM notifications WHERE 1=1")
	var args []interface{}
	if filter.Recipient != "" {
		builder.WriteString(" AND recipient IN (?, ?)")
		args = append(args, filter.Recipient, models.RecipientAll)
	}
	if filter.UnreadOnly {
		builder.WriteString(" AND is_read = ?")
		args = append(args, false)
	}
	base := builder.String()

	page, pageSize := normalisePage(filter.Page, filter.PageSize)
	listQuery := `SELECT ` + notificationColumns + base + ` ORDER BY created_at DESC, id DESC` + database.Page(r.db, pageSize, (page-1)*pageSize)

	var notifications []models.Notification
	if err := r.db.SelectContext(ctx, &notifications, r.db.Rebind(listQuery), args...); err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*)`+base), args...); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	return notifications, total, nil
}

// FindByID returns one notification.
func (r *NotificationRepository) FindByID(ctx context.Context, id string) (*models.Notification, error) {
	query := r.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications WHERE id = ?`)
	var n models.Notification
	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}

// MarkRead flips the read flag.
func (r *NotificationRepository) MarkRead(ctx context.Context, id string) error {
	query := r.db.Rebind(`UPDATE notifications SET is_read = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, true, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAll clears the whole feed and returns the number of removed entries.
func (r *NotificationRepository) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications`)
	if err != nil {
		return 0, fmt.Errorf("clear notifications: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear notifications rows affected: %w", err)
	}
	return affected, nil
}
