//go:build integration

package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noah-isme/census-portal-api/internal/migrations"
	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/pkg/config"
	"github.com/noah-isme/census-portal-api/pkg/database"
)

func startPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "census",
				"POSTGRES_PASSWORD": "census",
				"POSTGRES_DB":       "census_portal",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := database.Open(config.DatabaseConfig{
		Driver:       config.DriverPostgres,
		Host:         host,
		Port:         port.Int(),
		User:         "census",
		Password:     "census",
		Name:         "census_portal",
		SSLMode:      "disable",
		MaxOpenConns: 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = migrations.NewMigrator(db, nil).Up(ctx)
	require.NoError(t, err)
	return db
}

func TestPostgresOneActiveSubmissionPerWindow(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := &models.User{Username: "rina", Email: "rina@example.org", FullName: "Rina", Role: models.RoleUser, PasswordHash: "x"}
	require.NoError(t, NewUserRepository(db).Create(ctx, user))

	window := &models.UploadWindow{Year: "2025", Scope: models.WindowScopeGlobal, Deadline: now.Add(time.Hour), OpenedBy: "admin"}
	_, err := NewWindowRepository(db).Open(ctx, OpenWindowParams{Window: window, Actor: "admin", Now: now})
	require.NoError(t, err)

	repo := NewSubmissionRepository(db)

	// A failed attempt does not hold the slot.
	failed := "upstream rejected"
	require.NoError(t, repo.Create(ctx, &models.Submission{
		SubmissionSummary: models.SubmissionSummary{WindowID: window.ID, UserID: user.ID, Username: user.Username, TableLabel: "households", Filename: "h.json", CensusYear: "2025", Status: models.SubmissionFailed, ErrorMessage: &failed},
		RawPayload:        `[]`,
	}, user.Username))

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.Create(ctx, &models.Submission{
				SubmissionSummary: models.SubmissionSummary{WindowID: window.ID, UserID: user.ID, Username: user.Username, TableLabel: "households", Filename: "h" + strconv.Itoa(i) + ".json", CensusYear: "2025", Status: models.SubmissionInReview},
				RawPayload:        `[{"household_id":1}]`,
			}, user.Username)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicate):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, attempts-1, conflicts)

	active, err := repo.HasActive(ctx, window.ID, user.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestPostgresSingleOpenWindow(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	repo := NewWindowRepository(db)

	first := &models.UploadWindow{Year: "2025", Scope: models.WindowScopeGlobal, Deadline: now.Add(time.Hour), OpenedBy: "admin"}
	_, err := repo.Open(ctx, OpenWindowParams{Window: first, Actor: "admin", Now: now})
	require.NoError(t, err)

	second := &models.UploadWindow{Year: "2025", Scope: models.WindowScopeGlobal, Deadline: now.Add(time.Hour), OpenedBy: "admin"}
	_, err = repo.Open(ctx, OpenWindowParams{Window: second, Actor: "admin", Now: now})
	assert.ErrorIs(t, err, ErrDuplicate)

	actor := "admin"
	later := now.Add(time.Minute)
	require.NoError(t, repo.Finish(ctx, first.ID, models.WindowClosedByAdmin, &actor, later))
	_, err = repo.Open(ctx, OpenWindowParams{Window: second, Actor: "admin", Now: later})
	require.NoError(t, err)

	current, err := repo.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

func TestPostgresStoresLongestUsernamesAsActors(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	admin := strings.Repeat("a", 64)
	user := &models.User{Username: strings.Repeat("u", 64), Email: "long@example.org", FullName: "Long", Role: models.RoleUser, PasswordHash: "x"}
	require.NoError(t, NewUserRepository(db).Create(ctx, user))

	windows := NewWindowRepository(db)
	window := &models.UploadWindow{Year: "2025", Scope: models.WindowScopeGlobal, Deadline: now.Add(time.Hour), OpenedBy: admin}
	_, err := windows.Open(ctx, OpenWindowParams{Window: window, Actor: admin, Now: now})
	require.NoError(t, err)

	submissions := NewSubmissionRepository(db)
	submission := &models.Submission{
		SubmissionSummary: models.SubmissionSummary{WindowID: window.ID, UserID: user.ID, Username: user.Username, TableLabel: "households", Filename: "h.json", CensusYear: "2025", Status: models.SubmissionInReview},
		RawPayload:        `[]`,
	}
	require.NoError(t, submissions.Create(ctx, submission, user.Username))
	require.NoError(t, submissions.TransitionStatus(ctx, submission.ID, models.SubmissionInReview, models.SubmissionApproved, admin, nil, now))

	require.NoError(t, windows.Finish(ctx, window.ID, models.WindowClosedByAdmin, &admin, now.Add(time.Minute)))

	stored, err := windows.FindByID(ctx, window.ID)
	require.NoError(t, err)
	assert.Equal(t, admin, stored.OpenedBy)
	require.NotNil(t, stored.ClosedBy)
	assert.Equal(t, admin, *stored.ClosedBy)

	reviewed, err := submissions.FindByID(ctx, submission.ID)
	require.NoError(t, err)
	require.NotNil(t, reviewed.ReviewedBy)
	assert.Equal(t, admin, *reviewed.ReviewedBy)
}
