package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/census-portal-api/internal/models"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
)

type tokenStub map[string]*models.JWTClaims

func (s tokenStub) ValidateToken(token string) (*models.JWTClaims, error) {
	claims, ok := s[token]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

type auditStub struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

func newTestRouter(audit *auditStub) http.Handler {
	return NewRouter(RouterDeps{
		Tokens:        tokenStub{"admin-token": adminClaims, "user-token": userClaims},
		AuditWriter:   audit,
		Auth:          NewAuthHandler(&authServiceStub{}),
		Users:         NewUserHandler(nil),
		Windows:       NewWindowHandler(&windowServiceStub{}),
		Submissions:   NewSubmissionHandler(&submissionServiceStub{}, 0),
		Notifications: NewNotificationHandler(&notificationServiceStub{}),
		Observability: NewMetricsHandler(nil, nil),
	})
}

func serve(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouterAccessControl(t *testing.T) {
	router := newTestRouter(&auditStub{})

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"window status needs a session", http.MethodGet, "/api/v1/windows/current", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/api/v1/windows/current", "nope", http.StatusUnauthorized},
		{"user reads window status", http.MethodGet, "/api/v1/windows/current", "user-token", http.StatusOK},
		{"user cannot close windows", http.MethodPost, "/api/v1/windows/close", "user-token", http.StatusForbidden},
		{"admin reaches close", http.MethodPost, "/api/v1/windows/close", "admin-token", http.StatusConflict},
		{"user cannot read stats", http.MethodGet, "/api/v1/submissions/stats", "user-token", http.StatusForbidden},
		{"admin reads stats", http.MethodGet, "/api/v1/submissions/stats?census_year=2025", "admin-token", http.StatusOK},
		{"user cannot list users", http.MethodGet, "/api/v1/users", "user-token", http.StatusForbidden},
		{"user cannot broadcast", http.MethodPost, "/api/v1/notifications/broadcast", "user-token", http.StatusForbidden},
		{"document links skip the session", http.MethodGet, "/api/v1/submissions/documents/bad", "", http.StatusForbidden},
		{"submission lookup by id", http.MethodGet, "/api/v1/submissions/missing", "user-token", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(router, tc.method, tc.path, tc.token)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestRouterAuditsExports(t *testing.T) {
	audit := &auditStub{}
	router := newTestRouter(audit)

	w := serve(router, http.MethodGet, "/api/v1/submissions/export?format=csv&status=approved", "admin-token")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditActionSubmissionExport, audit.entries[0].Action)
	assert.Contains(t, *audit.entries[0].NewValues, "status=approved")

	w = serve(router, http.MethodGet, "/api/v1/submissions/export?format=xml", "admin-token")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, audit.entries, 1)
}

func TestRouterPropagatesRequestID(t *testing.T) {
	router := newTestRouter(&auditStub{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}
