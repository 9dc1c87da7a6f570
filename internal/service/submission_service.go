package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/census-portal-api/internal/catalog"
	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/repository"
	"github.com/noah-isme/census-portal-api/pkg/document"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
	"github.com/noah-isme/census-portal-api/pkg/events"
	"github.com/noah-isme/census-portal-api/pkg/export"
	"github.com/noah-isme/census-portal-api/pkg/ingest"
	"github.com/noah-isme/census-portal-api/pkg/storage"
)

const (
	statsGenerationKey = "stats:submissions:generation"
	statsCachePattern  = "stats:submissions:v*"
)

type submissionRepository interface {
	Create(ctx context.Context, submission *models.Submission, actor string) error
	CompleteIngest(ctx context.Context, submission *models.Submission, actor string) error
	ReleaseStaleIngests(ctx context.Context, windowID, userID string, before time.Time, reason string, now time.Time) (int, error)
	HasActive(ctx context.Context, windowID, userID string) (bool, error)
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	List(ctx context.Context, filter models.SubmissionFilter) ([]models.SubmissionSummary, int, error)
	TransitionStatus(ctx context.Context, id string, from, to models.SubmissionStatus, actor string, note *string, now time.Time) error
	DeleteRejected(ctx context.Context, id string) error
	History(ctx context.Context, id string) ([]models.SubmissionStatusChange, error)
	Stats(ctx context.Context, censusYear string) (*models.SubmissionStats, error)
}

type windowGate interface {
	Admit(ctx context.Context, userID string) (*models.UploadWindow, error)
}

type ingester interface {
	Ingest(ctx context.Context, req ingest.Request) error
}

type documentSigner interface {
	Generate(submissionID, key string) (string, time.Time, error)
	Parse(token string) (submissionID, key string, err error)
}

type adminDirectory interface {
	ListActiveByRole(ctx context.Context, role models.UserRole) ([]models.User, error)
}

// SubmissionConfig bounds submissions and their documents.
type SubmissionConfig struct {
	MaxPayloadBytes int64
	MaxSummaryBytes int64
	StatsCacheTTL   time.Duration
	// StaleIngestAfter is how long an ingesting reservation may hold the
	// user's slot before the next attempt releases it.
	StaleIngestAfter time.Duration
	// DownloadPath is the route serving signed summary documents.
	DownloadPath string
}

// SubmitRequest carries one dataset upload.
type SubmitRequest struct {
	TableLabel string          `validate:"required,max=100"`
	Filename   string          `validate:"max=255"`
	CensusYear string          `validate:"omitempty,len=4,numeric"`
	Payload    json.RawMessage `validate:"required"`
	Summary    []byte
}

// ReviewRequest records an administrator decision.
type ReviewRequest struct {
	Decision models.SubmissionStatus `json:"decision" validate:"required,oneof=approved rejected"`
	Note     string                  `json:"note" validate:"max=2000"`
}

// SubmissionListRequest is the query of a submission listing.
type SubmissionListRequest struct {
	Username   string `form:"username"`
	TableLabel string `form:"table_label"`
	CensusYear string `form:"census_year"`
	Status     string `form:"status"`
	WindowID   string `form:"window_id"`
	Page       int    `form:"page"`
	PageSize   int    `form:"page_size"`
}

// SubmissionDetail is the full view of one submission.
type SubmissionDetail struct {
	models.Submission
	SummaryDocumentURL       string     `json:"summary_document_url,omitempty"`
	SummaryDocumentExpiresAt *time.Time `json:"summary_document_expires_at,omitempty"`
}

// SubmissionDecisionEvent is published after a review.
type SubmissionDecisionEvent struct {
	SubmissionID string                  `json:"submission_id"`
	WindowID     string                  `json:"window_id"`
	Username     string                  `json:"username"`
	TableLabel   string                  `json:"table_label"`
	CensusYear   string                  `json:"census_year"`
	RecordCount  int                     `json:"record_count"`
	Decision     models.SubmissionStatus `json:"decision"`
	ReviewedBy   string                  `json:"reviewed_by"`
	ReviewedAt   time.Time               `json:"reviewed_at"`
}

// SubmissionService accepts dataset uploads and drives their review.
type SubmissionService struct {
	repo      submissionRepository
	windows   windowGate
	catalog   *catalog.Catalog
	ingest    ingester
	store     storage.DocumentStore
	signer    documentSigner
	publisher events.Publisher
	notifier  notifier
	admins    adminDirectory
	cache     *CacheService
	audit     auditRepository
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       SubmissionConfig
	now       func() time.Time
}

// SubmissionDeps groups the collaborators of SubmissionService.
type SubmissionDeps struct {
	Repo      submissionRepository
	Windows   windowGate
	Catalog   *catalog.Catalog
	Ingest    ingester
	Store     storage.DocumentStore
	Signer    documentSigner
	Publisher events.Publisher
	Notifier  notifier
	Admins    adminDirectory
	Cache     *CacheService
	Audit     auditRepository
	Validator *validator.Validate
	Metrics   *MetricsService
	Logger    *zap.Logger
}

// NewSubmissionService wires the submission pipeline.
func NewSubmissionService(deps SubmissionDeps, cfg SubmissionConfig) *SubmissionService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 10 * 1024 * 1024
	}
	if cfg.MaxSummaryBytes <= 0 {
		cfg.MaxSummaryBytes = 20 * 1024 * 1024
	}
	if cfg.StaleIngestAfter <= 0 {
		cfg.StaleIngestAfter = 5 * time.Minute
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = "/api/v1/submissions/documents"
	}
	return &SubmissionService{
		repo:      deps.Repo,
		windows:   deps.Windows,
		catalog:   deps.Catalog,
		ingest:    deps.Ingest,
		store:     deps.Store,
		signer:    deps.Signer,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		admins:    deps.Admins,
		cache:     deps.Cache,
		audit:     deps.Audit,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Submit validates an upload, reserves the user's slot in the window, forwards
// the records upstream and then releases the reservation for review. A failed
// upstream call settles as a failed submission which does not count against
// the user's single submission per window.
func (s *SubmissionService) Submit(ctx context.Context, claims *models.JWTClaims, req SubmitRequest) (*models.SubmissionSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid submission")
	}
	dataset, ok := s.catalog.Lookup(req.TableLabel)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown table label %q", req.TableLabel))
	}
	if int64(len(req.Payload)) > s.cfg.MaxPayloadBytes {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("payload exceeds %d bytes", s.cfg.MaxPayloadBytes))
	}
	records, err := decodeRecords(req.Payload)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if err := dataset.Check(records); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if len(req.Summary) > 0 {
		if int64(len(req.Summary)) > s.cfg.MaxSummaryBytes {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("summary document exceeds %d bytes", s.cfg.MaxSummaryBytes))
		}
		if _, err := document.InspectPDF(req.Summary); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "summary document must be a readable PDF")
		}
	}

	window, err := s.windows.Admit(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if req.CensusYear != "" && req.CensusYear != window.Year {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("census year must be %s", window.Year))
	}
	s.releaseStaleIngests(ctx, window.ID, claims.UserID)
	active, err := s.repo.HasActive(ctx, window.ID, claims.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing submissions")
	}
	if active {
		return nil, appErrors.Clone(appErrors.ErrPermission, "already submitted in this upload window")
	}

	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = dataset.Label + ".json"
	}
	submission := &models.Submission{
		SubmissionSummary: models.SubmissionSummary{
			ID:            uuid.NewString(),
			WindowID:      window.ID,
			UserID:        claims.UserID,
			Username:      claims.Username,
			TableLabel:    dataset.Label,
			Filename:      path.Base(filename),
			FileSizeBytes: int64(len(req.Payload)),
			RecordCount:   len(records),
			CensusYear:    window.Year,
			Status:        models.SubmissionIngesting,
			UploadedAt:    s.now().UTC(),
		},
		RawPayload: string(req.Payload),
	}
	if err := s.repo.Create(ctx, submission, claims.Username); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrPermission, "already submitted in this upload window")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save submission")
	}

	start := s.now()
	ingestErr := s.ingest.Ingest(ctx, ingest.Request{
		SubmissionID: submission.ID,
		Username:     submission.Username,
		TableLabel:   submission.TableLabel,
		CensusYear:   submission.CensusYear,
		Records:      req.Payload,
	})
	s.metrics.ObserveIngest(ingestErr == nil, s.now().Sub(start))
	if ingestErr != nil {
		return nil, s.recordFailure(ctx, submission, ingestErr)
	}

	if len(req.Summary) > 0 {
		key := summaryKey(submission)
		if err := s.store.Put(ctx, key, bytes.NewReader(req.Summary), int64(len(req.Summary)), document.ContentTypePDF); err != nil {
			s.settleFailed(ctx, submission, "summary document could not be stored")
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store summary document")
		}
		submission.SummaryDocumentKey = &key
		submission.SummaryDocumentBytes = int64(len(req.Summary))
	}

	submission.Status = models.SubmissionInReview
	submission.UploadedAt = s.now().UTC()
	if err := s.repo.CompleteIngest(ctx, submission, claims.Username); err != nil {
		s.discardDocument(ctx, submission)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "submission reservation expired, please upload again")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save submission")
	}

	s.metrics.RecordSubmission(string(models.SubmissionInReview))
	s.invalidateStats(ctx)
	s.notify(ctx, s.withAdmins(ctx, submission.Username), models.NotificationSubmissionReceived,
		fmt.Sprintf("%s submitted %d %s records for %s.", submission.Username, submission.RecordCount, submission.TableLabel, submission.CensusYear), &submission.TableLabel)
	s.logger.Info("submission received",
		zap.String("submission_id", submission.ID),
		zap.String("username", submission.Username),
		zap.String("table_label", submission.TableLabel),
		zap.Int("records", submission.RecordCount),
	)

	summary := submission.SubmissionSummary
	return &summary, nil
}

func (s *SubmissionService) recordFailure(ctx context.Context, submission *models.Submission, cause error) error {
	msg := cause.Error()
	s.settleFailed(ctx, submission, msg)
	s.notify(ctx, []string{submission.Username}, models.NotificationSubmissionFailed,
		fmt.Sprintf("Your %s upload could not be ingested: %s", submission.TableLabel, msg), &submission.TableLabel)
	s.logger.Warn("submission ingest failed", zap.String("submission_id", submission.ID), zap.Error(cause))

	return appErrors.Wrap(cause, appErrors.ErrDependency.Code, appErrors.ErrDependency.Status,
		fmt.Sprintf("ingestion failed for submission %s", submission.ID))
}

// settleFailed moves an ingesting reservation to failed so the user may retry.
func (s *SubmissionService) settleFailed(ctx context.Context, submission *models.Submission, msg string) {
	submission.Status = models.SubmissionFailed
	submission.ErrorMessage = &msg
	submission.UploadedAt = s.now().UTC()
	if err := s.repo.CompleteIngest(context.WithoutCancel(ctx), submission, submission.Username); err != nil {
		s.logger.Error("failed to record failed submission", zap.String("submission_id", submission.ID), zap.Error(err))
	}
	s.metrics.RecordSubmission(string(models.SubmissionFailed))
	s.invalidateStats(ctx)
}

func (s *SubmissionService) releaseStaleIngests(ctx context.Context, windowID, userID string) {
	now := s.now().UTC()
	released, err := s.repo.ReleaseStaleIngests(ctx, windowID, userID, now.Add(-s.cfg.StaleIngestAfter), "ingestion did not complete", now)
	if err != nil {
		s.logger.Warn("failed to release stale ingests", zap.String("window_id", windowID), zap.String("user_id", userID), zap.Error(err))
		return
	}
	if released > 0 {
		s.logger.Warn("released stale ingest reservations", zap.String("window_id", windowID), zap.String("user_id", userID), zap.Int("count", released))
	}
}

// Review approves or rejects an in-review submission. Only the first
// decision is kept.
func (s *SubmissionService) Review(ctx context.Context, claims *models.JWTClaims, id string, req ReviewRequest, meta models.RequestMeta) (*models.SubmissionSummary, error) {
	if !claims.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "only administrators can review submissions")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "decision must be approved or rejected")
	}
	submission, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	var note *string
	if trimmed := strings.TrimSpace(req.Note); trimmed != "" {
		note = &trimmed
	}
	now := s.now().UTC()
	if err := s.repo.TransitionStatus(ctx, id, models.SubmissionInReview, req.Decision, claims.Username, note, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "submission already reviewed")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to review submission")
	}

	previous := submission.Status
	submission.Status = req.Decision
	submission.ReviewedBy = &claims.Username
	submission.ReviewedAt = &now

	s.metrics.RecordReview(string(req.Decision))
	s.invalidateStats(ctx)

	message := fmt.Sprintf("Your %s submission for %s was %s.", submission.TableLabel, submission.CensusYear, req.Decision)
	if note != nil {
		message += " Note: " + *note
	}
	s.notify(ctx, []string{submission.Username}, models.NotificationSubmissionReviewed, message, &submission.TableLabel)
	s.publishDecision(ctx, submission, now)

	oldValues := fmt.Sprintf(`{"status":%q}`, previous)
	newValues := fmt.Sprintf(`{"status":%q}`, req.Decision)
	recordAudit(ctx, s.audit, s.logger, &models.AuditLog{
		UserID:     &claims.UserID,
		Action:     models.AuditActionSubmissionReview,
		Resource:   "submissions",
		ResourceID: &submission.ID,
		OldValues:  &oldValues,
		NewValues:  &newValues,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	})

	summary := submission.SubmissionSummary
	return &summary, nil
}

func (s *SubmissionService) publishDecision(ctx context.Context, submission *models.Submission, at time.Time) {
	routingKey := events.SubmissionRejected
	if submission.Status == models.SubmissionApproved {
		routingKey = events.SubmissionApproved
	}
	event := SubmissionDecisionEvent{
		SubmissionID: submission.ID,
		WindowID:     submission.WindowID,
		Username:     submission.Username,
		TableLabel:   submission.TableLabel,
		CensusYear:   submission.CensusYear,
		RecordCount:  submission.RecordCount,
		Decision:     submission.Status,
		ReviewedBy:   *submission.ReviewedBy,
		ReviewedAt:   at,
	}
	if err := s.publisher.Publish(ctx, routingKey, event); err != nil {
		s.logger.Warn("failed to publish submission decision", zap.String("submission_id", submission.ID), zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// Delete removes a rejected submission. Owners and administrators may delete.
func (s *SubmissionService) Delete(ctx context.Context, claims *models.JWTClaims, id string, meta models.RequestMeta) error {
	submission, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if !claims.IsAdmin() && submission.UserID != claims.UserID {
		return appErrors.Clone(appErrors.ErrPermission, "you may only delete your own submissions")
	}
	if err := s.repo.DeleteRejected(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrConflict, "only rejected submissions can be deleted")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete submission")
	}
	s.discardDocument(ctx, submission)
	s.invalidateStats(ctx)

	oldValues := fmt.Sprintf(`{"username":%q,"table_label":%q,"status":%q}`, submission.Username, submission.TableLabel, submission.Status)
	recordAudit(ctx, s.audit, s.logger, &models.AuditLog{
		UserID:     &claims.UserID,
		Action:     models.AuditActionSubmissionDelete,
		Resource:   "submissions",
		ResourceID: &submission.ID,
		OldValues:  &oldValues,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return nil
}

// List returns submission summaries. Non-administrators only see their own.
func (s *SubmissionService) List(ctx context.Context, claims *models.JWTClaims, req SubmissionListRequest) ([]models.SubmissionSummary, *models.Pagination, error) {
	filter, err := s.filterFor(claims, req)
	if err != nil {
		return nil, nil, err
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submissions")
	}
	if items == nil {
		items = []models.SubmissionSummary{}
	}
	return items, pagination(filter.Page, filter.PageSize, total), nil
}

// Get returns the full submission with a signed link to its summary document.
func (s *SubmissionService) Get(ctx context.Context, claims *models.JWTClaims, id string) (*SubmissionDetail, error) {
	submission, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claims.IsAdmin() && submission.UserID != claims.UserID {
		return nil, appErrors.Clone(appErrors.ErrPermission, "you may only view your own submissions")
	}
	detail := &SubmissionDetail{Submission: *submission}
	if submission.SummaryDocumentKey != nil && s.signer != nil {
		token, expiresAt, err := s.signer.Generate(submission.ID, *submission.SummaryDocumentKey)
		if err != nil {
			s.logger.Warn("failed to sign summary document url", zap.String("submission_id", submission.ID), zap.Error(err))
		} else {
			detail.SummaryDocumentURL = s.cfg.DownloadPath + "/" + token
			detail.SummaryDocumentExpiresAt = &expiresAt
		}
	}
	return detail, nil
}

// History returns the status transitions of a submission.
func (s *SubmissionService) History(ctx context.Context, claims *models.JWTClaims, id string) ([]models.SubmissionStatusChange, error) {
	submission, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claims.IsAdmin() && submission.UserID != claims.UserID {
		return nil, appErrors.Clone(appErrors.ErrPermission, "you may only view your own submissions")
	}
	changes, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission history")
	}
	if changes == nil {
		changes = []models.SubmissionStatusChange{}
	}
	return changes, nil
}

// SummaryDocument opens the document a signed token points at. The caller
// closes the returned reader.
func (s *SubmissionService) SummaryDocument(ctx context.Context, token string) (io.ReadCloser, *models.SubmissionSummary, error) {
	if s.signer == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "document downloads are disabled")
	}
	id, key, err := s.signer.Parse(token)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired download link")
	}
	submission, err := s.find(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if submission.SummaryDocumentKey == nil || *submission.SummaryDocumentKey != key {
		return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "summary document not found")
	}
	reader, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "summary document not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open summary document")
	}
	summary := submission.SubmissionSummary
	return reader, &summary, nil
}

// Stats counts submissions by status, served from cache when possible.
func (s *SubmissionService) Stats(ctx context.Context, censusYear string) (*models.SubmissionStats, error) {
	scope := censusYear
	if scope == "" {
		scope = "all"
	}
	// Entries are keyed by generation so a count read before a concurrent
	// mutation is stored under a generation nobody reads again.
	gen, cacheable := s.cache.Generation(ctx, statsGenerationKey)
	key := fmt.Sprintf("stats:submissions:v%d:%s", gen, scope)
	if cacheable {
		var cached models.SubmissionStats
		if s.cache.Get(ctx, key, &cached) {
			return &cached, nil
		}
	}
	stats, err := s.repo.Stats(ctx, censusYear)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute submission stats")
	}
	if cacheable {
		s.cache.Set(ctx, key, stats, s.cfg.StatsCacheTTL)
	}
	return stats, nil
}

func (s *SubmissionService) invalidateStats(ctx context.Context) {
	s.cache.Bump(ctx, statsGenerationKey)
	s.cache.Invalidate(ctx, statsCachePattern)
}

var submissionExportColumns = []export.Column{
	{Key: "id", Title: "ID", Width: 2},
	{Key: "username", Title: "Username"},
	{Key: "table_label", Title: "Table"},
	{Key: "census_year", Title: "Year", Width: 0.6},
	{Key: "record_count", Title: "Records", Width: 0.8},
	{Key: "status", Title: "Status"},
	{Key: "reviewed_by", Title: "Reviewed By"},
	{Key: "uploaded_at", Title: "Uploaded At", Width: 1.4},
}

// Export renders every submission matching req in the requested format.
func (s *SubmissionService) Export(ctx context.Context, claims *models.JWTClaims, req SubmissionListRequest, format export.Format) ([]byte, error) {
	req.Page, req.PageSize = 1, 100
	filter, err := s.filterFor(claims, req)
	if err != nil {
		return nil, err
	}

	var rows []map[string]string
	for {
		items, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submissions")
		}
		for _, item := range items {
			rows = append(rows, exportRow(item))
		}
		if len(items) == 0 || len(rows) >= total {
			break
		}
		filter.Page++
	}

	data := export.Dataset{Title: "Census submissions", Columns: submissionExportColumns, Rows: rows}
	var out []byte
	if format == export.FormatPDF {
		out, err = export.NewPDFExporter().Render(data)
	} else {
		out, err = export.NewCSVExporter().Render(data)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	return out, nil
}

func exportRow(item models.SubmissionSummary) map[string]string {
	row := map[string]string{
		"id":           item.ID,
		"username":     item.Username,
		"table_label":  item.TableLabel,
		"census_year":  item.CensusYear,
		"record_count": strconv.Itoa(item.RecordCount),
		"status":       string(item.Status),
		"uploaded_at":  item.UploadedAt.UTC().Format(time.RFC3339),
	}
	if item.ReviewedBy != nil {
		row["reviewed_by"] = *item.ReviewedBy
	}
	return row
}

func (s *SubmissionService) filterFor(claims *models.JWTClaims, req SubmissionListRequest) (models.SubmissionFilter, error) {
	status := models.SubmissionStatus(req.Status)
	if status != "" && !status.Valid() {
		return models.SubmissionFilter{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", req.Status))
	}
	filter := models.SubmissionFilter{
		Username:   strings.TrimSpace(req.Username),
		TableLabel: strings.TrimSpace(req.TableLabel),
		CensusYear: strings.TrimSpace(req.CensusYear),
		Status:     status,
		WindowID:   strings.TrimSpace(req.WindowID),
		Page:       req.Page,
		PageSize:   req.PageSize,
	}
	if !claims.IsAdmin() {
		if filter.Username != "" && filter.Username != claims.Username {
			return models.SubmissionFilter{}, appErrors.Clone(appErrors.ErrPermission, "you may only list your own submissions")
		}
		filter.Username = claims.Username
	}
	p := pagination(filter.Page, filter.PageSize, 0)
	filter.Page, filter.PageSize = p.Page, p.PageSize
	return filter, nil
}

func (s *SubmissionService) find(ctx context.Context, id string) (*models.Submission, error) {
	submission, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "submission not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	return submission, nil
}

func (s *SubmissionService) discardDocument(ctx context.Context, submission *models.Submission) {
	if submission.SummaryDocumentKey == nil || s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, *submission.SummaryDocumentKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Warn("failed to delete summary document", zap.String("submission_id", submission.ID), zap.Error(err))
	}
}

func (s *SubmissionService) withAdmins(ctx context.Context, username string) []string {
	recipients := []string{username}
	if s.admins == nil {
		return recipients
	}
	admins, err := s.admins.ListActiveByRole(ctx, models.RoleAdmin)
	if err != nil {
		s.logger.Warn("failed to list administrators", zap.Error(err))
		return recipients
	}
	for _, admin := range admins {
		recipients = append(recipients, admin.Username)
	}
	return recipients
}

func (s *SubmissionService) notify(ctx context.Context, recipients []string, kind models.NotificationKind, message string, related *string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, recipients, kind, message, related)
}

func summaryKey(submission *models.Submission) string {
	return fmt.Sprintf("summaries/%s/%s.pdf", submission.WindowID, submission.ID)
}

func decodeRecords(payload json.RawMessage) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("payload must be a JSON array of objects")
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, errors.New("payload must be a JSON array of objects")
	}
	if len(records) == 0 {
		return nil, errors.New("payload contains no records")
	}
	for i, record := range records {
		if record == nil {
			return nil, fmt.Errorf("record %d is not an object", i)
		}
	}
	return records, nil
}
