package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/census-portal-api/internal/models"
)

var submissionSummaryRowColumns = []string{"id", "window_id", "user_id", "username", "table_label", "filename", "file_size_bytes", "record_count", "census_year", "status", "error_message", "summary_document_bytes", "reviewed_by", "reviewed_at", "uploaded_at"}

func TestSubmissionCreateWritesHistory(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO submissions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO submission_status_history").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), nil, "in-review", "rina", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	submission := &models.Submission{
		SubmissionSummary: models.SubmissionSummary{WindowID: "w1", UserID: "u1", Username: "rina", TableLabel: "households", Status: models.SubmissionInReview, CensusYear: "2025"},
		RawPayload:        `[{"id":1}]`,
	}
	require.NoError(t, repo.Create(context.Background(), submission, "rina"))
	assert.NotEmpty(t, submission.ID)
	assert.False(t, submission.UploadedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionCreateDuplicateOnSQLServer(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO submissions").WillReturnError(mssql.Error{Number: 2601})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &models.Submission{SubmissionSummary: models.SubmissionSummary{Status: models.SubmissionInReview}}, "rina")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionListAppliesFilters(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(submissionSummaryRowColumns).
		AddRow("s1", "w1", "u1", "rina", "households", "h.json", 120, 3, "2025", "in-review", nil, 0, nil, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM submissions WHERE 1=1 AND username = ? AND table_label = ? AND census_year = ? AND status = ? ORDER BY uploaded_at DESC, id DESC LIMIT 10 OFFSET 10")).
		WithArgs("rina", "households", "2025", "in-review").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM submissions WHERE 1=1 AND username = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	list, total, err := repo.List(context.Background(), models.SubmissionFilter{
		Username:   "rina",
		TableLabel: "households",
		CensusYear: "2025",
		Status:     models.SubmissionInReview,
		Page:       2,
		PageSize:   10,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].RecordCount)
	assert.Equal(t, 11, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionTransitionRequiresExpectedStatus(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = ?, reviewed_by = ?, reviewed_at = ? WHERE id = ? AND status = ?")).
		WithArgs("approved", "admin", sqlmock.AnyArg(), "s1", "in-review").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO submission_status_history").
		WithArgs(sqlmock.AnyArg(), "s1", "in-review", "approved", "admin", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE submissions SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	now := time.Now()
	require.NoError(t, repo.TransitionStatus(context.Background(), "s1", models.SubmissionInReview, models.SubmissionApproved, "admin", nil, now))
	err := repo.TransitionStatus(context.Background(), "s1", models.SubmissionInReview, models.SubmissionRejected, "admin", nil, now)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionDeleteRejectedOnly(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM submissions WHERE id = ? AND status = ?")).
		WithArgs("s1", "rejected").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM submissions WHERE id = ? AND status = ?")).
		WithArgs("s2", "rejected").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.DeleteRejected(context.Background(), "s1"))
	assert.ErrorIs(t, repo.DeleteRejected(context.Background(), "s2"), sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionStatsFillsMissingStatuses(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) AS total FROM submissions WHERE census_year = ? GROUP BY status")).
		WithArgs("2025").
		WillReturnRows(sqlmock.NewRows([]string{"status", "total"}).AddRow("in-review", 4).AddRow("approved", 2))

	stats, err := repo.Stats(context.Background(), "2025")
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 4, stats.ByStatus[models.SubmissionInReview])
	assert.Equal(t, 0, stats.ByStatus[models.SubmissionRejected])
}

func TestSubmissionHasActive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM submissions WHERE window_id = ? AND user_id = ? AND status <> ?")).
		WithArgs("w1", "u1", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	active, err := repo.HasActive(context.Background(), "w1", "u1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSubmissionCompleteIngestRequiresReservation(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = ?, error_message = ?, summary_document_key = ?, summary_document_bytes = ?, uploaded_at = ? WHERE id = ? AND status = ?")).
		WithArgs("in-review", nil, nil, int64(0), now, "s1", "ingesting").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO submission_status_history").
		WithArgs(sqlmock.AnyArg(), "s1", "ingesting", "in-review", "rina", nil, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE submissions SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	settled := &models.Submission{SubmissionSummary: models.SubmissionSummary{ID: "s1", Status: models.SubmissionInReview, UploadedAt: now}}
	require.NoError(t, repo.CompleteIngest(context.Background(), settled, "rina"))

	released := &models.Submission{SubmissionSummary: models.SubmissionSummary{ID: "s2", Status: models.SubmissionInReview, UploadedAt: now}}
	assert.ErrorIs(t, repo.CompleteIngest(context.Background(), released, "rina"), sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionReleaseStaleIngests(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubmissionRepository(db)
	now := time.Now()
	cutoff := now.Add(-5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM submissions WHERE window_id = ? AND user_id = ? AND status = ? AND uploaded_at < ?")).
		WithArgs("w1", "u1", "ingesting", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = ?, error_message = ? WHERE id = ? AND status = ?")).
		WithArgs("failed", "timed out", "s1", "ingesting").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO submission_status_history").
		WithArgs(sqlmock.AnyArg(), "s1", "ingesting", "failed", "system", "timed out", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = ?, error_message = ? WHERE id = ? AND status = ?")).
		WithArgs("failed", "timed out", "s2", "ingesting").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	released, err := repo.ReleaseStaleIngests(context.Background(), "w1", "u1", cutoff, "timed out", now)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}
