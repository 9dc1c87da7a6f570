package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/service"
	"github.com/noah-isme/census-portal-api/pkg/document"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
	"github.com/noah-isme/census-portal-api/pkg/export"
	"github.com/noah-isme/census-portal-api/pkg/response"
)

type submissionService interface {
	Submit(ctx context.Context, claims *models.JWTClaims, req service.SubmitRequest) (*models.SubmissionSummary, error)
	Review(ctx context.Context, claims *models.JWTClaims, id string, req service.ReviewRequest, meta models.RequestMeta) (*models.SubmissionSummary, error)
	Delete(ctx context.Context, claims *models.JWTClaims, id string, meta models.RequestMeta) error
	List(ctx context.Context, claims *models.JWTClaims, req service.SubmissionListRequest) ([]models.SubmissionSummary, *models.Pagination, error)
	Get(ctx context.Context, claims *models.JWTClaims, id string) (*service.SubmissionDetail, error)
	History(ctx context.Context, claims *models.JWTClaims, id string) ([]models.SubmissionStatusChange, error)
	SummaryDocument(ctx context.Context, token string) (io.ReadCloser, *models.SubmissionSummary, error)
	Stats(ctx context.Context, censusYear string) (*models.SubmissionStats, error)
	Export(ctx context.Context, claims *models.JWTClaims, req service.SubmissionListRequest, format export.Format) ([]byte, error)
}

// SubmissionHandler exposes dataset uploads and their review.
type SubmissionHandler struct {
	service  submissionService
	maxBytes int64
}

// NewSubmissionHandler constructs a SubmissionHandler. maxBytes caps the
// whole request body.
func NewSubmissionHandler(svc submissionService, maxBytes int64) *SubmissionHandler {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &SubmissionHandler{service: svc, maxBytes: maxBytes}
}

// JSONSubmission is the JSON form of an upload.
type JSONSubmission struct {
	TableLabel string          `json:"table_label"`
	CensusYear string          `json:"census_year"`
	Filename   string          `json:"filename"`
	Records    json.RawMessage `json:"records" swaggertype:"array,object"`
}

// Submit godoc
// @Summary Submit dataset
// @Description Upload census records for the open window, either as multipart (payload JSON file plus optional summary PDF) or as a JSON body.
// @Tags Submissions
// @Accept multipart/form-data
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param table_label formData string true "Dataset label"
// @Param census_year formData string false "Census year; must match the window"
// @Param payload formData file true "JSON array of records"
// @Param summary formData file false "Summary PDF"
// @Success 201 {object} response.Envelope{data=models.SubmissionSummary}
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /submissions [post]
func (h *SubmissionHandler) Submit(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	var req service.SubmitRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		var err error
		if req, err = h.readMultipart(c); err != nil {
			response.Error(c, err)
			return
		}
	} else {
		var body JSONSubmission
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, bindError(err, "invalid submission payload"))
			return
		}
		req = service.SubmitRequest{TableLabel: body.TableLabel, CensusYear: body.CensusYear, Filename: body.Filename, Payload: body.Records}
	}

	summary, err := h.service.Submit(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, summary)
}

func (h *SubmissionHandler) readMultipart(c *gin.Context) (service.SubmitRequest, error) {
	req := service.SubmitRequest{
		TableLabel: strings.TrimSpace(c.PostForm("table_label")),
		CensusYear: strings.TrimSpace(c.PostForm("census_year")),
	}
	payload, err := c.FormFile("payload")
	if err != nil {
		return req, bindError(err, "payload file is required")
	}
	if req.Payload, err = readFormFile(payload); err != nil {
		return req, bindError(err, "failed to read payload file")
	}
	req.Filename = payload.Filename

	summary, err := c.FormFile("summary")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return req, bindError(err, "invalid summary file")
	default:
		if req.Summary, err = readFormFile(summary); err != nil {
			return req, bindError(err, "failed to read summary file")
		}
	}
	return req, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

// List godoc
// @Summary List submissions
// @Description Lightweight records without payload. Non-admins only see their own.
// @Tags Submissions
// @Produce json
// @Security BearerAuth
// @Param username query string false "Username (admins only)"
// @Param table_label query string false "Dataset label"
// @Param census_year query string false "Census year"
// @Param status query string false "Status" Enums(in-review, approved, rejected, failed)
// @Param window_id query string false "Window ID"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope{data=[]models.SubmissionSummary}
// @Router /submissions [get]
func (h *SubmissionHandler) List(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req service.SubmissionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, bindError(err, "invalid query"))
		return
	}
	items, page, err := h.service.List(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, page)
}

// Get godoc
// @Summary Get submission
// @Description Full record with raw payload and a signed summary document link
// @Tags Submissions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope{data=service.SubmissionDetail}
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /submissions/{id} [get]
func (h *SubmissionHandler) Get(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	detail, err := h.service.Get(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// History godoc
// @Summary Submission history
// @Description Status transitions, oldest first
// @Tags Submissions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope{data=[]models.SubmissionStatusChange}
// @Router /submissions/{id}/history [get]
func (h *SubmissionHandler) History(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	changes, err := h.service.History(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, changes, nil)
}

// Review godoc
// @Summary Review submission
// @Description Approve or reject an in-review submission. A second review returns 409.
// @Tags Submissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Submission ID"
// @Param payload body service.ReviewRequest true "Decision"
// @Success 200 {object} response.Envelope{data=models.SubmissionSummary}
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /submissions/{id}/review [post]
func (h *SubmissionHandler) Review(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req service.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid review payload"))
		return
	}
	summary, err := h.service.Review(c.Request.Context(), claims, c.Param("id"), req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Delete godoc
// @Summary Delete submission
// @Description Only rejected submissions can be deleted, by their owner or an administrator
// @Tags Submissions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Submission ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /submissions/{id} [delete]
func (h *SubmissionHandler) Delete(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	if err := h.service.Delete(c.Request.Context(), claims, c.Param("id"), requestMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Stats godoc
// @Summary Submission statistics
// @Description Counts per status, optionally for one census year
// @Tags Submissions
// @Produce json
// @Security BearerAuth
// @Param census_year query string false "Census year"
// @Success 200 {object} response.Envelope{data=models.SubmissionStats}
// @Router /submissions/stats [get]
func (h *SubmissionHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), strings.TrimSpace(c.Query("census_year")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// Export godoc
// @Summary Export submissions
// @Description Renders the filtered listing as CSV or PDF
// @Tags Submissions
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param format query string false "Output format" Enums(csv, pdf)
// @Param table_label query string false "Dataset label"
// @Param census_year query string false "Census year"
// @Param status query string false "Status"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /submissions/export [get]
func (h *SubmissionHandler) Export(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	var req service.SubmissionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, bindError(err, "invalid query"))
		return
	}
	out, err := h.service.Export(c.Request.Context(), claims, req, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("submissions-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	response.Attachment(c, filename, format.ContentType(), out)
}

// Document godoc
// @Summary Download summary document
// @Description Streams the summary PDF behind a signed, expiring token
// @Tags Submissions
// @Produce application/pdf
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /submissions/documents/{token} [get]
func (h *SubmissionHandler) Document(c *gin.Context) {
	reader, summary, err := h.service.SummaryDocument(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer reader.Close() //nolint:errcheck

	filename := fmt.Sprintf("%s-%s-summary.pdf", summary.TableLabel, summary.CensusYear)
	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", filename),
		"Cache-Control":       "private, no-store",
	}
	c.DataFromReader(http.StatusOK, summary.SummaryDocumentBytes, document.ContentTypePDF, reader, headers)
}
