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

const submissionSummaryColumns = `id, window_id, user_id, username, table_label, filename, file_size_bytes, record_count, census_year, status, error_message, summary_document_bytes, reviewed_by, reviewed_at, uploaded_at`

const submissionColumns = submissionSummaryColumns + `, raw_payload, summary_document_key`

// SubmissionRepository persists submissions and their status history.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository constructs a SubmissionRepository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create inserts a submission and its first history entry. Inserting a second
// non-failed submission for the same user and window returns ErrDuplicate.
func (r *SubmissionRepository) Create(ctx context.Context, submission *models.Submission, actor string) (err error) {
	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}
	if submission.UploadedAt.IsZero() {
		submission.UploadedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create submission: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO submissions (id, window_id, user_id, username, table_label, filename, file_size_bytes, record_count, census_year, status, error_message, raw_payload, summary_document_key, summary_document_bytes, reviewed_by, reviewed_at, uploaded_at) VALUES (:id, :window_id, :user_id, :username, :table_label, :filename, :file_size_bytes, :record_count, :census_year, :status, :error_message, :raw_payload, :summary_document_key, :summary_document_bytes, :reviewed_by, :reviewed_at, :uploaded_at)`
	if _, err = tx.NamedExecContext(ctx, query, submission); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create submission: %w", err)
	}

	if err = insertStatusChange(ctx, tx, submission.ID, nil, submission.Status, actor, submission.ErrorMessage, submission.UploadedAt); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit submission: %w", err)
	}
	return nil
}

// HasActive reports whether the user holds a non-failed submission in the window.
func (r *SubmissionRepository) HasActive(ctx context.Context, windowID, userID string) (bool, error) {
	query := r.db.Rebind(`SELECT COUNT(*) FROM submissions WHERE window_id = ? AND user_id = ? AND status <> ?`)
	var count int
	if err := r.db.GetContext(ctx, &count, query, windowID, userID, models.SubmissionFailed); err != nil {
		return false, fmt.Errorf("check active submission: %w", err)
	}
	return count > 0, nil
}

// ActiveUserIDs lists users holding a non-failed submission in the window.
func (r *SubmissionRepository) ActiveUserIDs(ctx context.Context, windowID string) ([]string, error) {
	query := r.db.Rebind(`SELECT DISTINCT user_id FROM submissions WHERE window_id = ? AND status <> ?`)
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, windowID, models.SubmissionFailed); err != nil {
		return nil, fmt.Errorf("list active submitters: %w", err)
	}
	return ids, nil
}

// FindByID returns the full submission record.
func (r *SubmissionRepository) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	query := r.db.Rebind(`SELECT ` + submissionColumns + ` FROM submissions WHERE id = ?`)
	var submission models.Submission
	if err := r.db.GetContext(ctx, &submission, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &submission, nil
}

// List returns lightweight submission records newest first.
func (r *SubmissionRepository) List(ctx context.Context, filter models.SubmissionFilter) ([]models.SubmissionSummary, int, error) {
	var builder strings.Builder
	builder.WriteString(" FROM submissions WHERE 1=1")
	args := make([]interface{}, 0, 5)

	if filter.Username != "" {
		builder.WriteString(" AND username = ?")
		args = append(args, filter.Username)
	}
	if filter.TableLabel != "" {
		builder.WriteString(" AND table_label = ?")
		args = append(args, filter.TableLabel)
	}
	if filter.CensusYear != "" {
		builder.WriteString(" AND census_year = ?")
		args = append(args, filter.CensusYear)
	}
	if filter.Status != "" {
		builder.WriteString(" AND status = ?")
		args = append(args, filter.Status)
	}
	if filter.WindowID != "" {
		builder.WriteString(" AND window_id = ?")
		args = append(args, filter.WindowID)
	}

	page, pageSize := normalisePage(filter.Page, filter.PageSize)
	base := builder.String()

	listQuery := `SELECT ` + submissionSummaryColumns + base + ` ORDER BY uploaded_at DESC, id DESC` + database.Page(r.db, pageSize, (page-1)*pageSize)
	var submissions []models.SubmissionSummary
	if err := r.db.SelectContext(ctx, &submissions, r.db.Rebind(listQuery), args...); err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*)`+base), args...); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}
	return submissions, total, nil
}

// TransitionStatus moves a submission from one status to another. It returns
// sql.ErrNoRows when the submission was not in the expected status.
func (r *SubmissionRepository) TransitionStatus(ctx context.Context, id string, from, to models.SubmissionStatus, actor string, note *string, now time.Time) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submission transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := tx.Rebind(`UPDATE submissions SET status = ?, reviewed_by = ?, reviewed_at = ? WHERE id = ? AND status = ?`)
	res, err := tx.ExecContext(ctx, query, to, actor, now, id, from)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("submission status rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if err = insertStatusChange(ctx, tx, id, &from, to, actor, note, now); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit submission transition: %w", err)
	}
	return nil
}

// CompleteIngest settles an ingesting reservation into submission.Status,
// storing the error message and summary document fields. It returns
// sql.ErrNoRows when the submission is no longer ingesting.
func (r *SubmissionRepository) CompleteIngest(ctx context.Context, submission *models.Submission, actor string) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete ingest: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := tx.Rebind(`UPDATE submissions SET status = ?, error_message = ?, summary_document_key = ?, summary_document_bytes = ?, uploaded_at = ? WHERE id = ? AND status = ?`)
	res, err := tx.ExecContext(ctx, query, submission.Status, submission.ErrorMessage, submission.SummaryDocumentKey, submission.SummaryDocumentBytes, submission.UploadedAt, submission.ID, models.SubmissionIngesting)
	if err != nil {
		return fmt.Errorf("complete ingest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete ingest rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	from := models.SubmissionIngesting
	if err = insertStatusChange(ctx, tx, submission.ID, &from, submission.Status, actor, submission.ErrorMessage, submission.UploadedAt); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit complete ingest: %w", err)
	}
	return nil
}

// ReleaseStaleIngests fails the user's ingesting reservations in the window
// that started before the cutoff, freeing the slot they hold.
func (r *SubmissionRepository) ReleaseStaleIngests(ctx context.Context, windowID, userID string, before time.Time, reason string, now time.Time) (released int, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin release stale ingests: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var ids []string
	selectQuery := tx.Rebind(`SELECT id FROM submissions WHERE window_id = ? AND user_id = ? AND status = ? AND uploaded_at < ?`)
	if err = tx.SelectContext(ctx, &ids, selectQuery, windowID, userID, models.SubmissionIngesting, before); err != nil {
		return 0, fmt.Errorf("find stale ingests: %w", err)
	}

	from := models.SubmissionIngesting
	updateQuery := tx.Rebind(`UPDATE submissions SET status = ?, error_message = ? WHERE id = ? AND status = ?`)
	for _, id := range ids {
		res, execErr := tx.ExecContext(ctx, updateQuery, models.SubmissionFailed, reason, id, models.SubmissionIngesting)
		if execErr != nil {
			err = fmt.Errorf("release stale ingest: %w", execErr)
			return 0, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		if err = insertStatusChange(ctx, tx, id, &from, models.SubmissionFailed, "system", &reason, now); err != nil {
			return 0, err
		}
		released++
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit release stale ingests: %w", err)
	}
	return released, nil
}

// DeleteRejected removes a rejected submission. It returns sql.ErrNoRows when
// no rejected submission with that id exists.
func (r *SubmissionRepository) DeleteRejected(ctx context.Context, id string) error {
	query := r.db.Rebind(`DELETE FROM submissions WHERE id = ? AND status = ?`)
	res, err := r.db.ExecContext(ctx, query, id, models.SubmissionRejected)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete submission rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// History returns the status transitions of a submission, oldest first.
func (r *SubmissionRepository) History(ctx context.Context, id string) ([]models.SubmissionStatusChange, error) {
	query := r.db.Rebind(`SELECT id, submission_id, from_status, to_status, actor, note, changed_at FROM submission_status_history WHERE submission_id = ? ORDER BY changed_at ASC`)
	var changes []models.SubmissionStatusChange
	if err := r.db.SelectContext(ctx, &changes, query, id); err != nil {
		return nil, fmt.Errorf("list submission history: %w", err)
	}
	return changes, nil
}

// Stats counts submissions per status, optionally for one census year.
func (r *SubmissionRepository) Stats(ctx context.Context, censusYear string) (*models.SubmissionStats, error) {
	query := `SELECT status, COUNT(*) AS total FROM submissions`
	var args []interface{}
	if censusYear != "" {
		query += ` WHERE census_year = ?`
		args = append(args, censusYear)
	}
	query += ` GROUP BY status`

	var rows []struct {
		Status models.SubmissionStatus `db:"status"`
		Total  int                     `db:"total"`
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("submission stats: %w", err)
	}

	stats := &models.SubmissionStats{CensusYear: censusYear, ByStatus: map[models.SubmissionStatus]int{
		models.SubmissionInReview: 0,
		models.SubmissionApproved: 0,
		models.SubmissionRejected: 0,
		models.SubmissionFailed:   0,
	}}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Total
		stats.Total += row.Total
	}
	return stats, nil
}

func insertStatusChange(ctx context.Context, tx *sqlx.Tx, submissionID string, from *models.SubmissionStatus, to models.SubmissionStatus, actor string, note *string, at time.Time) error {
	change := models.SubmissionStatusChange{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		FromStatus:   from,
		ToStatus:     to,
		Actor:        actor,
		Note:         note,
		ChangedAt:    at,
	}
	const query = `INSERT INTO submission_status_history (id, submission_id, from_status, to_status, actor, note, changed_at) VALUES (:id, :submission_id, :from_status, :to_status, :actor, :note, :changed_at)`
	if _, err := tx.NamedExecContext(ctx, query, change); err != nil {
		return fmt.Errorf("insert submission history: %w", err)
	}
	return nil
}
