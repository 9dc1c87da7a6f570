package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/census-portal-api/internal/models"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
	"github.com/noah-isme/census-portal-api/pkg/jobs"
)

// NotificationJobType identifies feed fan-out jobs on the queue.
const NotificationJobType = "notifications.persist"

const inlineDispatchTimeout = 5 * time.Second

type notificationRepository interface {
	InsertBatch(ctx context.Context, notifications []models.Notification) error
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, int, error)
	FindByID(ctx context.Context, id string) (*models.Notification, error)
	MarkRead(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int64, error)
}

type auditRepository interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// NotificationListRequest holds feed query parameters.
type NotificationListRequest struct {
	Recipient  string `form:"recipient"`
	UnreadOnly bool   `form:"unread_only"`
	Page       int    `form:"page"`
	PageSize   int    `form:"page_size"`
}

// BroadcastRequest is the payload of an admin broadcast.
type BroadcastRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

// NotificationService owns the per-user notification feed.
type NotificationService struct {
	repo      notificationRepository
	audit     auditRepository
	queue     jobEnqueuer
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewNotificationService constructs a NotificationService. Without a queue,
// Dispatch writes inline.
func NewNotificationService(repo notificationRepository, audit auditRepository, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &NotificationService{repo: repo, audit: audit, validator: validate, metrics: metrics, logger: logger}
}

// UseQueue routes Dispatch through q. The queue's handler must be HandleJob.
func (s *NotificationService) UseQueue(q jobEnqueuer) {
	s.queue = q
}

// HandleJob persists a batch queued by Dispatch.
func (s *NotificationService) HandleJob(ctx context.Context, job jobs.Job) error {
	batch, ok := job.Payload.([]models.Notification)
	if !ok {
		s.logger.Error("unexpected notification job payload", zap.String("job_id", job.ID), zap.String("type", fmt.Sprintf("%T", job.Payload)))
		return nil
	}
	return s.persist(ctx, batch)
}

// Notify builds one entry per distinct recipient and dispatches them.
func (s *NotificationService) Notify(ctx context.Context, recipients []string, kind models.NotificationKind, message string, relatedTable *string) {
	seen := make(map[string]struct{}, len(recipients))
	batch := make([]models.Notification, 0, len(recipients))
	now := time.Now().UTC()
	for _, recipient := range recipients {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}
		batch = append(batch, models.Notification{
			ID:           uuid.NewString(),
			Recipient:    recipient,
			Message:      message,
			Kind:         kind,
			RelatedTable: relatedTable,
			CreatedAt:    now,
		})
	}
	s.Dispatch(ctx, batch)
}

// Dispatch hands a batch to the background queue. It never fails the caller;
// when the queue is absent or saturated the batch is written inline.
func (s *NotificationService) Dispatch(ctx context.Context, batch []models.Notification) {
	if len(batch) == 0 {
		return
	}
	if s.queue != nil {
		err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: NotificationJobType, Payload: batch})
		if err == nil {
			return
		}
		s.logger.Warn("notification queue unavailable, writing inline", zap.Int("count", len(batch)), zap.Error(err))
	}

	inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inlineDispatchTimeout)
	defer cancel()
	if err := s.persist(inlineCtx, batch); err != nil {
		s.logger.Warn("failed to persist notifications", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func (s *NotificationService) persist(ctx context.Context, batch []models.Notification) error {
	if err := s.repo.InsertBatch(ctx, batch); err != nil {
		return err
	}
	s.metrics.RecordNotifications(len(batch))
	return nil
}

// List returns the caller's feed including wildcard entries, newest first.
// Administrators may read another recipient's feed.
func (s *NotificationService) List(ctx context.Context, claims *models.JWTClaims, req NotificationListRequest) ([]models.Notification, *models.Pagination, error) {
	recipient := claims.Username
	if req.Recipient != "" && req.Recipient != claims.Username {
		if !claims.IsAdmin() {
			return nil, nil, appErrors.Clone(appErrors.ErrPermission, "cannot read another user's notifications")
		}
		recipient = req.Recipient
	}

	items, total, err := s.repo.List(ctx, models.NotificationFilter{
		Recipient:  recipient,
		UnreadOnly: req.UnreadOnly,
		Page:       req.Page,
		PageSize:   req.PageSize,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	return items, pagination(req.Page, req.PageSize, total), nil
}

// MarkRead flips the read flag of an entry addressed to the caller or to
// everyone. Marking an already read entry succeeds.
func (s *NotificationService) MarkRead(ctx context.Context, claims *models.JWTClaims, id string) (*models.Notification, error) {
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load notification")
	}
	if n.Recipient != claims.Username && n.Recipient != models.RecipientAll {
		return nil, appErrors.Clone(appErrors.ErrPermission, "notification is addressed to another user")
	}
	if n.IsRead {
		return n, nil
	}
	if err := s.repo.MarkRead(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	n.IsRead = true
	return n, nil
}

// ClearAll deletes every feed entry.
func (s *NotificationService) ClearAll(ctx context.Context, claims *models.JWTClaims, meta models.RequestMeta) (int64, error) {
	if !claims.IsAdmin() {
		return 0, appErrors.Clone(appErrors.ErrPermission, "only administrators can clear notifications")
	}
	removed, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear notifications")
	}
	values := fmt.Sprintf(`{"removed":%d}`, removed)
	recordAudit(ctx, s.audit, s.logger, &models.AuditLog{
		UserID:    &claims.UserID,
		Action:    models.AuditActionNotificationsClr,
		Resource:  "notifications",
		NewValues: &values,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
	s.logger.Info("notifications cleared", zap.String("actor", claims.Username), zap.Int64("removed", removed))
	return removed, nil
}

// Broadcast appends an entry addressed to everyone.
func (s *NotificationService) Broadcast(ctx context.Context, claims *models.JWTClaims, req BroadcastRequest) (*models.Notification, error) {
	if !claims.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "only administrators can broadcast")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid broadcast payload")
	}
	n := models.Notification{
		ID:        uuid.NewString(),
		Recipient: models.RecipientAll,
		Message:   strings.TrimSpace(req.Message),
		Kind:      models.NotificationBroadcast,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persist(ctx, []models.Notification{n}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to broadcast")
	}
	return &n, nil
}

func recordAudit(ctx context.Context, repo auditRepository, logger *zap.Logger, entry *models.AuditLog) {
	if repo == nil {
		return
	}
	if err := repo.CreateAuditLog(ctx, entry); err != nil {
		logger.Warn("failed to record audit log", zap.String("action", entry.Action), zap.Error(err))
	}
}
