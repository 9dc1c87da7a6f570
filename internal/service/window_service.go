package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/repository"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
)

type windowRepository interface {
	Current(ctx context.Context) (*models.UploadWindow, error)
	IsMember(ctx context.Context, windowID, userID string) (bool, error)
	Members(ctx context.Context, windowID string) ([]string, error)
	Open(ctx context.Context, params repository.OpenWindowParams) (bool, error)
	Finish(ctx context.Context, id string, reason models.WindowCloseReason, actor *string, now time.Time) error
	History(ctx context.Context, limit int) ([]models.UploadWindow, error)
	Events(ctx context.Context, windowIDs []string) ([]models.WindowEvent, error)
}

type windowUserDirectory interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
	ListActiveByRole(ctx context.Context, role models.UserRole) ([]models.User, error)
}

type activeSubmissionLookup interface {
	HasActive(ctx context.Context, windowID, userID string) (bool, error)
	ActiveUserIDs(ctx context.Context, windowID string) ([]string, error)
}

type notifier interface {
	Notify(ctx context.Context, recipients []string, kind models.NotificationKind, message string, relatedTable *string)
}

// WindowConfig bounds window parameters.
type WindowConfig struct {
	MaxDuration time.Duration
}

// OpenWindowRequest is the payload for opening an upload window.
type OpenWindowRequest struct {
	Year     string             `json:"year" validate:"required,len=4,numeric"`
	Message  string             `json:"message" validate:"max=2000"`
	Scope    models.WindowScope `json:"scope" validate:"required,oneof=global selective"`
	Deadline time.Time          `json:"deadline" validate:"required"`
	UserIDs  []string           `json:"user_ids" validate:"omitempty,dive,required"`
}

// WindowStatus describes the current window as seen at one instant.
type WindowStatus struct {
	Window           *models.UploadWindow `json:"window,omitempty"`
	Members          []string             `json:"members,omitempty"`
	IsOpen           bool                 `json:"is_open"`
	Expired          bool                 `json:"expired"`
	RemainingSeconds int64                `json:"remaining_seconds"`
}

// Eligibility tells a user whether they may submit right now.
type Eligibility struct {
	WindowOpen       bool                 `json:"window_open"`
	Allowed          bool                 `json:"allowed"`
	AlreadySubmitted bool                 `json:"already_submitted"`
	CanSubmit        bool                 `json:"can_submit"`
	Window           *models.UploadWindow `json:"window,omitempty"`
}

// WindowHistoryEntry pairs a window with its event log.
type WindowHistoryEntry struct {
	models.UploadWindow
	Events []models.WindowEvent `json:"events"`
}

// WindowService controls the upload window lifecycle. Openness is always
// computed from state and deadline at read time; recorded expiry only feeds
// the event log and notifications.
type WindowService struct {
	repo        windowRepository
	users       windowUserDirectory
	submissions activeSubmissionLookup
	notifier    notifier
	audit       auditRepository
	validator   *validator.Validate
	metrics     *MetricsService
	logger      *zap.Logger
	cfg         WindowConfig
	now         func() time.Time
}

// NewWindowService wires the window controller.
func NewWindowService(repo windowRepository, users windowUserDirectory, submissions activeSubmissionLookup, notify notifier, audit auditRepository, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, cfg WindowConfig) *WindowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 180 * 24 * time.Hour
	}
	return &WindowService{
		repo:        repo,
		users:       users,
		submissions: submissions,
		notifier:    notify,
		audit:       audit,
		validator:   validate,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Open starts a new upload window. An open window must be closed first.
func (s *WindowService) Open(ctx context.Context, claims *models.JWTClaims, req OpenWindowRequest, meta models.RequestMeta) (*WindowStatus, error) {
	if !claims.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "only administrators can open upload windows")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid window payload")
	}

	now := s.now().UTC()
	deadline := req.Deadline.UTC()
	if !deadline.After(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "deadline must be in the future")
	}
	if deadline.Sub(now) > s.cfg.MaxDuration {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("deadline must be within %s", s.cfg.MaxDuration))
	}

	var members []string
	if req.Scope == models.WindowScopeSelective {
		var err error
		members, err = s.resolveMembers(ctx, req.UserIDs)
		if err != nil {
			return nil, err
		}
	} else if len(req.UserIDs) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user_ids only apply to selective windows")
	}

	current, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	var expireID string
	if current != nil {
		if current.IsOpenAt(now) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "an upload window is already open")
		}
		if current.ExpiredAt(now) {
			expireID = current.ID
		}
	}

	window := &models.UploadWindow{
		Year:     req.Year,
		Message:  strings.TrimSpace(req.Message),
		Scope:    req.Scope,
		Deadline: deadline,
		OpenedBy: claims.Username,
	}
	expired, err := s.repo.Open(ctx, repository.OpenWindowParams{
		Window:   window,
		Members:  members,
		ExpireID: expireID,
		Actor:    claims.Username,
		Now:      now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "another upload window was opened concurrently")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open upload window")
	}

	if expired {
		s.metrics.RecordWindowEvent(string(models.WindowEventExpired))
		s.announce(ctx, current, models.NotificationWindowExpired, fmt.Sprintf("The %s upload window expired on %s.", current.Year, current.Deadline.Format(time.RFC1123)))
	}
	s.metrics.RecordWindowEvent(string(models.WindowEventOpened))
	s.announce(ctx, window, models.NotificationWindowOpened, openedMessage(window))

	values := fmt.Sprintf(`{"year":%q,"scope":%q,"deadline":%q,"members":%d}`, window.Year, window.Scope, window.Deadline.Format(time.RFC3339), len(members))
	recordAudit(ctx, s.audit, s.logger, &models.AuditLog{
		UserID:     &claims.UserID,
		Action:     models.AuditActionWindowOpen,
		Resource:   "upload_windows",
		ResourceID: &window.ID,
		NewValues:  &values,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	})
	s.logger.Info("upload window opened", zap.String("window_id", window.ID), zap.String("year", window.Year), zap.String("scope", string(window.Scope)), zap.Time("deadline", window.Deadline))

	return s.statusOf(window, members, now), nil
}

// Close ends the current window early. It requires a window that is open now.
func (s *WindowService) Close(ctx context.Context, claims *models.JWTClaims, meta models.RequestMeta) (*WindowStatus, error) {
	if !claims.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "only administrators can close upload windows")
	}
	now := s.now().UTC()
	current, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "no upload window has been opened")
	}
	if current.ExpiredAt(now) {
		s.finalizeBestEffort(ctx)
		return nil, appErrors.Clone(appErrors.ErrConflict, "upload window already expired")
	}
	if !current.IsOpenAt(now) {
		return nil, appErrors.Clone(appErrors.ErrConflict, "upload window is already closed")
	}

	if err := s.repo.Finish(ctx, current.ID, models.WindowClosedByAdmin, &claims.Username, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "upload window is already closed")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close upload window")
	}

	reason := models.WindowClosedByAdmin
	current.State = models.WindowStateClosed
	current.ClosedAt = &now
	current.ClosedBy = &claims.Username
	current.CloseReason = &reason
	current.LastUpdated = now

	s.metrics.RecordWindowEvent(string(models.WindowEventClosed))
	s.announce(ctx, current, models.NotificationWindowClosed, fmt.Sprintf("The %s upload window has been closed.", current.Year))

	recordAudit(ctx, s.audit, s.logger, &models.AuditLog{
		UserID:     &claims.UserID,
		Action:     models.AuditActionWindowClose,
		Resource:   "upload_windows",
		ResourceID: &current.ID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	})
	s.logger.Info("upload window closed", zap.String("window_id", current.ID), zap.String("actor", claims.Username))
	return s.statusOf(current, nil, now), nil
}

// Status reports the current window. Observing an unrecorded expiry triggers
// its finalisation in the background of the request.
func (s *WindowService) Status(ctx context.Context, includeMembers bool) (*WindowStatus, error) {
	now := s.now().UTC()
	current, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &WindowStatus{}, nil
	}
	var members []string
	if includeMembers && current.Scope == models.WindowScopeSelective {
		if members, err = s.repo.Members(ctx, current.ID); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load window members")
		}
	}
	status := s.statusOf(current, members, now)
	if status.Expired {
		s.finalizeBestEffort(ctx)
	}
	return status, nil
}

// IsUserAllowed reports whether userID may submit into the current window.
func (s *WindowService) IsUserAllowed(ctx context.Context, userID string) (bool, error) {
	window, err := s.current(ctx)
	if err != nil {
		return false, err
	}
	return s.allowed(ctx, window, userID, s.now().UTC())
}

// Admit returns the open window userID may submit into, or a PermissionError.
func (s *WindowService) Admit(ctx context.Context, userID string) (*models.UploadWindow, error) {
	window, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !window.IsOpenAt(now) {
		return nil, appErrors.Clone(appErrors.ErrPermission, "upload window is closed")
	}
	ok, err := s.allowed(ctx, window, userID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrPermission, "you are not eligible to submit in this window")
	}
	return window, nil
}

// Eligibility summarises whether userID can submit right now.
func (s *WindowService) Eligibility(ctx context.Context, userID string) (*Eligibility, error) {
	window, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	result := &Eligibility{Window: window, WindowOpen: window.IsOpenAt(now)}
	if result.Allowed, err = s.allowed(ctx, window, userID, now); err != nil {
		return nil, err
	}
	if window != nil {
		submitted, err := s.submissions.HasActive(ctx, window.ID, userID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check submissions")
		}
		result.AlreadySubmitted = submitted
	}
	result.CanSubmit = result.Allowed && !result.AlreadySubmitted
	return result, nil
}

// FinalizeExpired records the expiry of a window whose deadline passed while
// it was still marked open. It is safe to call concurrently; only one caller
// records the transition and reports true.
func (s *WindowService) FinalizeExpired(ctx context.Context) (bool, error) {
	now := s.now().UTC()
	current, err := s.current(ctx)
	if err != nil {
		return false, err
	}
	if !current.ExpiredAt(now) {
		return false, nil
	}
	if err := s.repo.Finish(ctx, current.ID, models.WindowExpired, nil, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record window expiry")
	}
	s.metrics.RecordWindowEvent(string(models.WindowEventExpired))
	s.announce(ctx, current, models.NotificationWindowExpired, fmt.Sprintf("The %s upload window expired on %s.", current.Year, current.Deadline.Format(time.RFC1123)))
	s.logger.Info("upload window expired", zap.String("window_id", current.ID), zap.Time("deadline", current.Deadline))
	return true, nil
}

// SendReminder notifies eligible users who have not yet submitted. It returns
// the number of users reminded.
func (s *WindowService) SendReminder(ctx context.Context, claims *models.JWTClaims, message string) (int, error) {
	if !claims.IsAdmin() {
		return 0, appErrors.Clone(appErrors.ErrPermission, "only administrators can send reminders")
	}
	now := s.now().UTC()
	current, err := s.current(ctx)
	if err != nil {
		return 0, err
	}
	if !current.IsOpenAt(now) {
		return 0, appErrors.Clone(appErrors.ErrConflict, "no upload window is open")
	}

	users, err := s.eligibleUsers(ctx, current)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve eligible users")
	}
	submitted, err := s.submissions.ActiveUserIDs(ctx, current.ID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submitters")
	}
	done := make(map[string]struct{}, len(submitted))
	for _, id := range submitted {
		done[id] = struct{}{}
	}

	var recipients []string
	for _, u := range users {
		if _, ok := done[u.ID]; !ok {
			recipients = append(recipients, u.Username)
		}
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = fmt.Sprintf("Reminder: the %s upload window closes on %s.", current.Year, current.Deadline.Format(time.RFC1123))
	}
	s.notifier.Notify(ctx, recipients, models.NotificationReminder, message, nil)
	s.logger.Info("upload reminder sent", zap.String("window_id", current.ID), zap.Int("recipients", len(recipients)))
	return len(recipients), nil
}

// History returns recent windows, newest first, with their events.
func (s *WindowService) History(ctx context.Context, limit int) ([]WindowHistoryEntry, error) {
	windows, err := s.repo.History(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list windows")
	}
	ids := make([]string, len(windows))
	for i, w := range windows {
		ids[i] = w.ID
	}
	events, err := s.repo.Events(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list window events")
	}
	byWindow := make(map[string][]models.WindowEvent, len(windows))
	for _, e := range events {
		byWindow[e.WindowID] = append(byWindow[e.WindowID], e)
	}

	entries := make([]WindowHistoryEntry, len(windows))
	for i, w := range windows {
		evs := byWindow[w.ID]
		if evs == nil {
			evs = []models.WindowEvent{}
		}
		entries[i] = WindowHistoryEntry{UploadWindow: w, Events: evs}
	}
	return entries, nil
}

func (s *WindowService) current(ctx context.Context) (*models.UploadWindow, error) {
	window, err := s.repo.Current(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load upload window")
	}
	return window, nil
}

func (s *WindowService) allowed(ctx context.Context, window *models.UploadWindow, userID string, now time.Time) (bool, error) {
	if !window.IsOpenAt(now) {
		return false, nil
	}
	if window.Scope == models.WindowScopeGlobal {
		return true, nil
	}
	ok, err := s.repo.IsMember(ctx, window.ID, userID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check window membership")
	}
	return ok, nil
}

func (s *WindowService) resolveMembers(ctx context.Context, ids []string) ([]string, error) {
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unique[strings.TrimSpace(id)] = struct{}{}
	}
	delete(unique, "")
	if len(unique) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "selective windows require at least one user")
	}
	members := make([]string, 0, len(unique))
	for id := range unique {
		members = append(members, id)
	}
	sort.Strings(members)

	users, err := s.users.FindByIDs(ctx, members)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load users")
	}
	found := make(map[string]bool, len(users))
	for _, u := range users {
		found[u.ID] = u.Active()
	}
	var invalid []string
	for _, id := range members {
		if !found[id] {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown or inactive users: "+strings.Join(invalid, ", "))
	}
	return members, nil
}

func (s *WindowService) eligibleUsers(ctx context.Context, window *models.UploadWindow) ([]models.User, error) {
	if window.Scope == models.WindowScopeGlobal {
		return s.users.ListActiveByRole(ctx, models.RoleUser)
	}
	ids, err := s.repo.Members(ctx, window.ID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	active := users[:0]
	for _, u := range users {
		if u.Active() {
			active = append(active, u)
		}
	}
	return active, nil
}

func (s *WindowService) announce(ctx context.Context, window *models.UploadWindow, kind models.NotificationKind, message string) {
	if window == nil || s.notifier == nil {
		return
	}
	users, err := s.eligibleUsers(ctx, window)
	if err != nil {
		s.logger.Warn("failed to resolve window audience", zap.String("window_id", window.ID), zap.Error(err))
		return
	}
	recipients := make([]string, len(users))
	for i, u := range users {
		recipients[i] = u.Username
	}
	s.notifier.Notify(ctx, recipients, kind, message, nil)
}

func (s *WindowService) finalizeBestEffort(ctx context.Context) {
	if _, err := s.FinalizeExpired(ctx); err != nil {
		s.logger.Warn("failed to finalise expired window", zap.Error(err))
	}
}

func (s *WindowService) statusOf(window *models.UploadWindow, members []string, now time.Time) *WindowStatus {
	status := &WindowStatus{
		Window:  window,
		Members: members,
		IsOpen:  window.IsOpenAt(now),
		Expired: window.ExpiredAt(now),
	}
	if status.IsOpen {
		status.RemainingSeconds = int64(window.Deadline.Sub(now).Seconds())
	}
	return status
}

func openedMessage(window *models.UploadWindow) string {
	msg := fmt.Sprintf("The %s upload window is open until %s.", window.Year, window.Deadline.Format(time.RFC1123))
	if window.Message != "" {
		msg += " " + window.Message
	}
	return msg
}
