package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/census-portal-api/internal/catalog"
	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/repository"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
	"github.com/noah-isme/census-portal-api/pkg/events"
	"github.com/noah-isme/census-portal-api/pkg/export"
	"github.com/noah-isme/census-portal-api/pkg/ingest"
	"github.com/noah-isme/census-portal-api/pkg/storage"
)

type fakeSubmissionRepo struct {
	mu      sync.Mutex
	rows    map[string]*models.Submission
	history map[string][]models.SubmissionStatusChange
	stats   int
	// afterStats runs once after the next Stats read.
	afterStats func()
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{rows: map[string]*models.Submission{}, history: map[string][]models.SubmissionStatusChange{}}
}

func (r *fakeSubmissionRepo) Create(ctx context.Context, s *models.Submission, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Status != models.SubmissionFailed {
		for _, existing := range r.rows {
			if existing.WindowID == s.WindowID && existing.UserID == s.UserID && existing.Status != models.SubmissionFailed {
				return repository.ErrDuplicate
			}
		}
	}
	clone := *s
	r.rows[s.ID] = &clone
	r.history[s.ID] = append(r.history[s.ID], models.SubmissionStatusChange{SubmissionID: s.ID, ToStatus: s.Status, Actor: actor, ChangedAt: s.UploadedAt})
	return nil
}

func (r *fakeSubmissionRepo) CompleteIngest(ctx context.Context, s *models.Submission, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[s.ID]
	if !ok || existing.Status != models.SubmissionIngesting {
		return sql.ErrNoRows
	}
	clone := *s
	r.rows[s.ID] = &clone
	from := models.SubmissionIngesting
	r.history[s.ID] = append(r.history[s.ID], models.SubmissionStatusChange{SubmissionID: s.ID, FromStatus: &from, ToStatus: s.Status, Actor: actor, Note: s.ErrorMessage, ChangedAt: s.UploadedAt})
	return nil
}

func (r *fakeSubmissionRepo) ReleaseStaleIngests(ctx context.Context, windowID, userID string, before time.Time, reason string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, s := range r.rows {
		if s.WindowID == windowID && s.UserID == userID && s.Status == models.SubmissionIngesting && s.UploadedAt.Before(before) {
			s.Status = models.SubmissionFailed
			msg := reason
			s.ErrorMessage = &msg
			released++
		}
	}
	return released, nil
}

func (r *fakeSubmissionRepo) HasActive(ctx context.Context, windowID, userID string) (bool, error) {
	ids, _ := r.ActiveUserIDs(ctx, windowID)
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeSubmissionRepo) ActiveUserIDs(ctx context.Context, windowID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, s := range r.rows {
		if s.WindowID == windowID && s.Status != models.SubmissionFailed {
			ids = append(ids, s.UserID)
		}
	}
	return ids, nil
}

func (r *fakeSubmissionRepo) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *s
	return &clone, nil
}

func (r *fakeSubmissionRepo) List(ctx context.Context, filter models.SubmissionFilter) ([]models.SubmissionSummary, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.SubmissionSummary
	for _, s := range r.rows {
		if filter.Username != "" && s.Username != filter.Username {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		all = append(all, s.SubmissionSummary)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := (filter.Page - 1) * filter.PageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + filter.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (r *fakeSubmissionRepo) TransitionStatus(ctx context.Context, id string, from, to models.SubmissionStatus, actor string, note *string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.Status != from {
		return sql.ErrNoRows
	}
	s.Status = to
	s.ReviewedBy = &actor
	s.ReviewedAt = &now
	r.history[id] = append(r.history[id], models.SubmissionStatusChange{SubmissionID: id, FromStatus: &from, ToStatus: to, Actor: actor, Note: note, ChangedAt: now})
	return nil
}

func (r *fakeSubmissionRepo) DeleteRejected(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.Status != models.SubmissionRejected {
		return sql.ErrNoRows
	}
	delete(r.rows, id)
	delete(r.history, id)
	return nil
}

func (r *fakeSubmissionRepo) History(ctx context.Context, id string) ([]models.SubmissionStatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SubmissionStatusChange(nil), r.history[id]...), nil
}

func (r *fakeSubmissionRepo) Stats(ctx context.Context, censusYear string) (*models.SubmissionStats, error) {
	r.mu.Lock()
	r.stats++
	stats := &models.SubmissionStats{CensusYear: censusYear, ByStatus: map[models.SubmissionStatus]int{}}
	for _, s := range r.rows {
		if censusYear == "" || s.CensusYear == censusYear {
			stats.ByStatus[s.Status]++
			stats.Total++
		}
	}
	afterStats := r.afterStats
	r.afterStats = nil
	r.mu.Unlock()

	if afterStats != nil {
		afterStats()
	}
	return stats, nil
}

type stubIngester struct {
	mu       sync.Mutex
	err      error
	requests []ingest.Request
	during   func()
}

func (i *stubIngester) Ingest(ctx context.Context, req ingest.Request) error {
	i.mu.Lock()
	i.requests = append(i.requests, req)
	during, err := i.during, i.err
	i.mu.Unlock()
	if during != nil {
		during()
	}
	return err
}

func (i *stubIngester) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.requests)
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, payload)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

var _ events.Publisher = (*recordingPublisher)(nil)

const testCatalog = `
datasets:
  - label: households
    required_fields: [household_id, district]
    max_records: 3
`

type submissionFixture struct {
	*windowFixture
	svc       *SubmissionService
	subs      *fakeSubmissionRepo
	ingest    *stubIngester
	publisher *recordingPublisher
	store     *storage.LocalStorage
}

func newSubmissionFixture(t *testing.T) *submissionFixture {
	t.Helper()
	wf := newWindowFixture(t)
	subs := newFakeSubmissionRepo()
	wf.svc.submissions = subs

	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := &submissionFixture{
		windowFixture: wf,
		subs:          subs,
		ingest:        &stubIngester{},
		publisher:     &recordingPublisher{},
		store:         store,
	}
	f.svc = NewSubmissionService(SubmissionDeps{
		Repo:      subs,
		Windows:   wf.svc,
		Catalog:   cat,
		Ingest:    f.ingest,
		Store:     store,
		Signer:    storage.NewSignedURLSigner("secret", time.Hour),
		Publisher: f.publisher,
		Notifier:  wf.notifier,
		Admins:    &stubDirectory{users: []models.User{{ID: "a1", Username: "root", Role: models.RoleAdmin, Status: models.UserStatusActive}}},
		Audit:     wf.audit,
		Logger:    zap.NewNop(),
	}, SubmissionConfig{MaxPayloadBytes: 1024})
	f.svc.now = func() time.Time { return wf.now }
	return f
}

func households(t *testing.T, n int) json.RawMessage {
	t.Helper()
	records := make([]map[string]interface{}, n)
	for i := range records {
		records[i] = map[string]interface{}{"household_id": i + 1, "district": "north"}
	}
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	return raw
}

func summaryPDF(t *testing.T) []byte {
	t.Helper()
	out, err := export.NewPDFExporter().Render(export.Dataset{Title: "Summary", Columns: []export.Column{{Key: "k"}}})
	require.NoError(t, err)
	return out
}

var claimsBudi = &models.JWTClaims{UserID: "u2", Username: "budi", Role: models.RoleUser}

func (f *submissionFixture) submit(t *testing.T, claims *models.JWTClaims) *models.SubmissionSummary {
	t.Helper()
	s, err := f.svc.Submit(context.Background(), claims, SubmitRequest{TableLabel: "households", Filename: "h.json", Payload: households(t, 2)})
	require.NoError(t, err)
	return s
}

func TestSubmitInOpenWindow(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)

	got, err := f.svc.Submit(context.Background(), userClaims, SubmitRequest{
		TableLabel: "households",
		Filename:   "../../households.json",
		Payload:    households(t, 3),
		Summary:    summaryPDF(t),
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionInReview, got.Status)
	assert.Equal(t, "2025", got.CensusYear)
	assert.Equal(t, 3, got.RecordCount)
	assert.Equal(t, "households.json", got.Filename)

	require.Len(t, f.ingest.requests, 1)
	assert.Equal(t, got.ID, f.ingest.requests[0].SubmissionID)

	stored := f.subs.rows[got.ID]
	require.NotNil(t, stored.SummaryDocumentKey)
	rc, err := f.store.Get(context.Background(), *stored.SummaryDocumentKey)
	require.NoError(t, err)
	_ = rc.Close()

	last := f.notifier.sent[len(f.notifier.sent)-1]
	assert.Equal(t, models.NotificationSubmissionReceived, last.kind)
	assert.Equal(t, []string{"rina", "root"}, last.recipients)

	e, err := f.windowFixture.svc.Eligibility(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, e.CanSubmit)
}

func TestSubmitValidation(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"unknown table":   {TableLabel: "cattle", Payload: households(t, 1)},
		"not an array":    {TableLabel: "households", Payload: json.RawMessage(`{"household_id":1}`)},
		"empty array":     {TableLabel: "households", Payload: json.RawMessage(`[]`)},
		"scalar element":  {TableLabel: "households", Payload: json.RawMessage(`[1,2]`)},
		"null element":    {TableLabel: "households", Payload: json.RawMessage(`[null]`)},
		"missing field":   {TableLabel: "households", Payload: json.RawMessage(`[{"household_id":1}]`)},
		"too many":        {TableLabel: "households", Payload: households(t, 4)},
		"too large":       {TableLabel: "households", Payload: json.RawMessage(`[{"household_id":"` + strings.Repeat("x", 2048) + `","district":"n"}]`)},
		"bad summary":     {TableLabel: "households", Payload: households(t, 1), Summary: []byte("not a pdf")},
		"wrong year":      {TableLabel: "households", Payload: households(t, 1), CensusYear: "2024"},
		"malformed year":  {TableLabel: "households", Payload: households(t, 1), CensusYear: "20x5"},
		"missing payload": {TableLabel: "households"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, userClaims, req)
			assert.True(t, appErrors.Is(err, appErrors.ErrValidation), "got %v", err)
		})
	}
	assert.Empty(t, f.subs.rows)
	assert.Empty(t, f.ingest.requests)
}

func TestSubmitTwiceInSameWindowIsDenied(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	f.submit(t, userClaims)

	_, err := f.svc.Submit(context.Background(), userClaims, SubmitRequest{TableLabel: "households", Payload: households(t, 1)})
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))
	assert.Len(t, f.subs.rows, 1)

	f.submit(t, claimsBudi)
	assert.Len(t, f.subs.rows, 2)
}

func TestConcurrentSubmitKeepsOneActive(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), userClaims, SubmitRequest{TableLabel: "households", Payload: json.RawMessage(`[{"household_id":1,"district":"n"}]`), Summary: nil})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.True(t, appErrors.Is(err, appErrors.ErrPermission), "got %v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, f.ingest.count())
	active, _ := f.subs.ActiveUserIDs(context.Background(), f.repo.windows[0].ID)
	assert.Equal(t, []string{"u1"}, active)
}

func TestSubmitReservesSlotBeforeIngest(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)

	var secondErr error
	f.ingest.during = func() {
		f.ingest.during = nil
		_, secondErr = f.svc.Submit(context.Background(), userClaims, SubmitRequest{TableLabel: "households", Payload: households(t, 1)})
	}

	got := f.submit(t, userClaims)
	assert.True(t, appErrors.Is(secondErr, appErrors.ErrPermission), "got %v", secondErr)
	assert.Equal(t, 1, f.ingest.count())
	assert.Len(t, f.subs.rows, 1)

	history, err := f.subs.History(context.Background(), got.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.SubmissionIngesting, history[0].ToStatus)
	assert.Equal(t, models.SubmissionInReview, history[1].ToStatus)
}

func TestSubmitReleasesStaleReservation(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	windowID := f.repo.windows[0].ID

	stuck := &models.Submission{SubmissionSummary: models.SubmissionSummary{
		ID: "stuck", WindowID: windowID, UserID: "u1", Username: "rina", TableLabel: "households",
		Status: models.SubmissionIngesting, UploadedAt: f.now.Add(-10 * time.Minute),
	}}
	require.NoError(t, f.subs.Create(context.Background(), stuck, "rina"))

	got := f.submit(t, userClaims)
	assert.Equal(t, models.SubmissionInReview, got.Status)
	assert.Equal(t, models.SubmissionFailed, f.subs.rows["stuck"].Status)

	recent := &models.Submission{SubmissionSummary: models.SubmissionSummary{
		ID: "recent", WindowID: windowID, UserID: "u2", Username: "budi", TableLabel: "households",
		Status: models.SubmissionIngesting, UploadedAt: f.now.Add(-time.Minute),
	}}
	require.NoError(t, f.subs.Create(context.Background(), recent, "budi"))
	_, err := f.svc.Submit(context.Background(), claimsBudi, SubmitRequest{TableLabel: "households", Payload: households(t, 1)})
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission), "got %v", err)
	assert.Equal(t, models.SubmissionIngesting, f.subs.rows["recent"].Status)
}

func TestSubmitDeniedWhenWindowClosed(t *testing.T) {
	f := newSubmissionFixture(t)
	ctx := context.Background()
	req := SubmitRequest{TableLabel: "households", Payload: households(t, 1), Summary: summaryPDF(t)}

	_, err := f.svc.Submit(ctx, userClaims, req)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))

	f.open(t, models.WindowScopeGlobal)
	_, err = f.windowFixture.svc.Close(ctx, adminClaims, models.RequestMeta{})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, userClaims, req)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))
	assert.Empty(t, f.subs.rows)
	assert.Empty(t, f.ingest.requests)
}

func TestSubmitRequiresMembershipInSelectiveWindow(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeSelective, "u2")

	_, err := f.svc.Submit(context.Background(), userClaims, SubmitRequest{TableLabel: "households", Payload: households(t, 1)})
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))
	f.submit(t, claimsBudi)
}

func TestSubmitIngestFailureRecordsFailedAndAllowsRetry(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	f.ingest.err = errors.New("ingest rejected (422): household_id must be unique")

	_, err := f.svc.Submit(context.Background(), userClaims, SubmitRequest{TableLabel: "households", Payload: households(t, 1), Summary: summaryPDF(t)})
	require.True(t, appErrors.Is(err, appErrors.ErrDependency), "got %v", err)
	require.Len(t, f.subs.rows, 1)
	for _, row := range f.subs.rows {
		assert.Equal(t, models.SubmissionFailed, row.Status)
		require.NotNil(t, row.ErrorMessage)
		assert.Contains(t, *row.ErrorMessage, "must be unique")
		assert.Nil(t, row.SummaryDocumentKey)
	}
	assert.Equal(t, models.NotificationSubmissionFailed, f.notifier.sent[len(f.notifier.sent)-1].kind)

	f.ingest.err = nil
	got := f.submit(t, userClaims)
	assert.Equal(t, models.SubmissionInReview, got.Status)
}

func TestReviewKeepsFirstDecision(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	s := f.submit(t, userClaims)
	ctx := context.Background()

	_, err := f.svc.Review(ctx, userClaims, s.ID, ReviewRequest{Decision: models.SubmissionApproved}, models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))

	_, err = f.svc.Review(ctx, adminClaims, s.ID, ReviewRequest{Decision: models.SubmissionFailed}, models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	got, err := f.svc.Review(ctx, adminClaims, s.ID, ReviewRequest{Decision: models.SubmissionApproved, Note: "looks good"}, models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionApproved, got.Status)
	assert.Equal(t, "root", *got.ReviewedBy)

	_, err = f.svc.Review(ctx, adminClaims, s.ID, ReviewRequest{Decision: models.SubmissionRejected}, models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Equal(t, models.SubmissionApproved, f.subs.rows[s.ID].Status)

	require.Equal(t, []string{events.SubmissionApproved}, f.publisher.keys)
	event := f.publisher.events[0].(SubmissionDecisionEvent)
	assert.Equal(t, s.ID, event.SubmissionID)
	assert.Equal(t, "rina", event.Username)

	history, err := f.svc.History(ctx, userClaims, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.SubmissionInReview, history[1].ToStatus)
	assert.Equal(t, models.SubmissionApproved, history[2].ToStatus)
	assert.Equal(t, "looks good", *history[2].Note)

	last := f.notifier.sent[len(f.notifier.sent)-1]
	assert.Equal(t, models.NotificationSubmissionReviewed, last.kind)
	assert.Equal(t, []string{"rina"}, last.recipients)
}

func TestReviewMissingSubmission(t *testing.T) {
	f := newSubmissionFixture(t)
	_, err := f.svc.Review(context.Background(), adminClaims, "ghost", ReviewRequest{Decision: models.SubmissionApproved}, models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestDeleteOnlyRejected(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	ctx := context.Background()

	approved := f.submit(t, claimsBudi)
	_, err := f.svc.Review(ctx, adminClaims, approved.ID, ReviewRequest{Decision: models.SubmissionApproved}, models.RequestMeta{})
	require.NoError(t, err)
	assert.True(t, appErrors.Is(f.svc.Delete(ctx, adminClaims, approved.ID, models.RequestMeta{}), appErrors.ErrConflict))

	rejected, err := f.svc.Submit(ctx, userClaims, SubmitRequest{TableLabel: "households", Payload: households(t, 1), Summary: summaryPDF(t)})
	require.NoError(t, err)
	assert.True(t, appErrors.Is(f.svc.Delete(ctx, userClaims, rejected.ID, models.RequestMeta{}), appErrors.ErrConflict))
	key := *f.subs.rows[rejected.ID].SummaryDocumentKey

	_, err = f.svc.Review(ctx, adminClaims, rejected.ID, ReviewRequest{Decision: models.SubmissionRejected}, models.RequestMeta{})
	require.NoError(t, err)
	assert.True(t, appErrors.Is(f.svc.Delete(ctx, claimsBudi, rejected.ID, models.RequestMeta{}), appErrors.ErrPermission))
	require.NoError(t, f.svc.Delete(ctx, userClaims, rejected.ID, models.RequestMeta{}))

	assert.NotContains(t, f.subs.rows, rejected.ID)
	_, err = f.store.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	assert.True(t, appErrors.Is(f.svc.Delete(ctx, userClaims, rejected.ID, models.RequestMeta{}), appErrors.ErrNotFound))

	// A rejected submission no longer blocks a new one in the same window.
	f.submit(t, userClaims)
}

func TestListScopesNonAdmins(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	f.submit(t, userClaims)
	f.submit(t, claimsBudi)
	ctx := context.Background()

	items, page, err := f.svc.List(ctx, userClaims, SubmissionListRequest{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "rina", items[0].Username)
	assert.Equal(t, 1, page.TotalCount)

	_, _, err = f.svc.List(ctx, userClaims, SubmissionListRequest{Username: "budi"})
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))

	_, _, err = f.svc.List(ctx, adminClaims, SubmissionListRequest{Status: "lost"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	items, _, err = f.svc.List(ctx, adminClaims, SubmissionListRequest{PageSize: 500})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestGetSignsSummaryDownload(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	ctx := context.Background()
	pdf := summaryPDF(t)

	s, err := f.svc.Submit(ctx, userClaims, SubmitRequest{TableLabel: "households", Payload: households(t, 1), Summary: pdf})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, claimsBudi, s.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))

	detail, err := f.svc.Get(ctx, userClaims, s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, detail.RawPayload)
	require.True(t, strings.HasPrefix(detail.SummaryDocumentURL, "/api/v1/submissions/documents/"))
	token := strings.TrimPrefix(detail.SummaryDocumentURL, "/api/v1/submissions/documents/")

	rc, summary, err := f.svc.SummaryDocument(ctx, token)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pdf, body)
	assert.Equal(t, s.ID, summary.ID)

	_, _, err = f.svc.SummaryDocument(ctx, token+"x")
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestStatsCachedUntilMutation(t *testing.T) {
	f := newSubmissionFixture(t)
	cache, _ := newRedisCache(t)
	f.svc.cache = cache
	f.open(t, models.WindowScopeGlobal)
	ctx := context.Background()

	stats, err := f.svc.Stats(ctx, "2025")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	stats, err = f.svc.Stats(ctx, "2025")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 1, f.subs.stats)

	f.submit(t, userClaims)
	stats, err = f.svc.Stats(ctx, "2025")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.SubmissionInReview])
	assert.Equal(t, 2, f.subs.stats)
}

func TestStatsReadRacingMutationIsNotCached(t *testing.T) {
	f := newSubmissionFixture(t)
	cache, _ := newRedisCache(t)
	f.svc.cache = cache
	f.open(t, models.WindowScopeGlobal)
	ctx := context.Background()

	f.subs.afterStats = func() { f.submit(t, userClaims) }
	stats, err := f.svc.Stats(ctx, "2025")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	stats, err = f.svc.Stats(ctx, "2025")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 2, f.subs.stats)

	stats, err = f.svc.Stats(ctx, "2025")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 2, f.subs.stats)
}

func TestExportRendersAllPages(t *testing.T) {
	f := newSubmissionFixture(t)
	f.open(t, models.WindowScopeGlobal)
	f.submit(t, userClaims)
	f.submit(t, claimsBudi)
	ctx := context.Background()

	out, err := f.svc.Export(ctx, adminClaims, SubmissionListRequest{}, export.FormatCSV)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Username")

	out, err = f.svc.Export(ctx, userClaims, SubmissionListRequest{}, export.FormatCSV)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(out)), "\n"), 2)

	out, err = f.svc.Export(ctx, adminClaims, SubmissionListRequest{}, export.FormatPDF)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "%PDF-"))
}
