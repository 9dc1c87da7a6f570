package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/repository"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
)

type mockUserRepo struct {
	users     map[string]*models.User
	revoked   []string
	auditLogs []*models.AuditLog
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	repo := &mockUserRepo{users: map[string]*models.User{}}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return repo
}

func (m *mockUserRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	var users []models.User
	for _, u := range m.users {
		users = append(users, *u)
	}
	return users, len(users), nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if user, ok := m.users[id]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	for _, u := range m.users {
		if u.Username == user.Username || u.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	user.ID = uuid.NewString()
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *mockUserRepo) Update(ctx context.Context, user *models.User) error {
	if _, ok := m.users[user.ID]; !ok {
		return sql.ErrNoRows
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *mockUserRepo) Delete(ctx context.Context, id string) error {
	if _, ok := m.users[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.users, id)
	return nil
}

func (m *mockUserRepo) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	m.revoked = append(m.revoked, userID)
	return nil
}

func (m *mockUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

func TestUserServiceCreateHashesPassword(t *testing.T) {
	repo := newMockUserRepo()
	svc := NewUserService(repo, validator.New(), zap.NewNop())

	user, err := svc.Create(context.Background(), CreateUserRequest{
		Username: "rina",
		Email:    "Rina@Example.com",
		FullName: "Rina",
		Role:     models.RoleUser,
		Password: "password123",
	}, "admin", models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "rina@example.com", user.Email)
	assert.Equal(t, models.UserStatusActive, user.Status)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("password123")))
	require.Len(t, repo.auditLogs, 1)
	assert.Nil(t, repo.auditLogs[0].OldValues)
	assert.Contains(t, *repo.auditLogs[0].NewValues, `"username":"rina"`)
}

func TestUserServiceCreateConflicts(t *testing.T) {
	repo := newMockUserRepo(&models.User{ID: "u1", Username: "rina", Email: "rina@example.com"})
	svc := NewUserService(repo, nil, nil)

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Username: "rina", Email: "other@example.com", FullName: "R", Role: models.RoleUser, Password: "password123",
	}, "admin", models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestUserServiceCreateValidation(t *testing.T) {
	svc := NewUserService(newMockUserRepo(), nil, nil)

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Username: "all", Email: "all@example.com", FullName: "Everyone", Role: models.RoleUser, Password: "password123",
	}, "admin", models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.Create(context.Background(), CreateUserRequest{
		Username: "rina", Email: "rina@example.com", FullName: "R", Role: "SUPERADMIN", Password: "password123",
	}, "admin", models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestUserServiceUpdateRevokesOnDeactivate(t *testing.T) {
	repo := newMockUserRepo(&models.User{ID: "u1", Username: "rina", Email: "rina@example.com", Role: models.RoleUser, Status: models.UserStatusActive})
	svc := NewUserService(repo, nil, nil)

	inactive := models.UserStatusInactive
	name := "Rina S"
	user, err := svc.Update(context.Background(), "u1", UpdateUserRequest{Status: &inactive, FullName: &name}, "admin", models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusInactive, user.Status)
	assert.Equal(t, "Rina S", repo.users["u1"].FullName)
	assert.Equal(t, []string{"u1"}, repo.revoked)
	require.Len(t, repo.auditLogs, 1)
	assert.Contains(t, *repo.auditLogs[0].OldValues, `"status":"active"`)
}

func TestUserServiceUpdateRejectsSelfDemotion(t *testing.T) {
	repo := newMockUserRepo(&models.User{ID: "a1", Username: "root", Role: models.RoleAdmin, Status: models.UserStatusActive})
	svc := NewUserService(repo, nil, nil)

	role := models.RoleUser
	_, err := svc.Update(context.Background(), "a1", UpdateUserRequest{Role: &role}, "a1", models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestUserServiceDelete(t *testing.T) {
	repo := newMockUserRepo(&models.User{ID: "u1", Username: "rina"}, &models.User{ID: "a1", Username: "root", Role: models.RoleAdmin})
	svc := NewUserService(repo, nil, nil)

	err := svc.Delete(context.Background(), "a1", "a1", models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	require.NoError(t, svc.Delete(context.Background(), "u1", "a1", models.RequestMeta{}))
	_, ok := repo.users["u1"]
	assert.False(t, ok)

	err = svc.Delete(context.Background(), "u1", "a1", models.RequestMeta{})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestUserServiceListPagination(t *testing.T) {
	repo := newMockUserRepo(&models.User{ID: "u1"}, &models.User{ID: "u2"})
	svc := NewUserService(repo, nil, nil)

	users, page, err := svc.List(context.Background(), models.UserFilter{PageSize: 500})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 100, page.PageSize)
	assert.Equal(t, 2, page.TotalCount)
}
