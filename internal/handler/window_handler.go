package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/service"
	"github.com/noah-isme/census-portal-api/pkg/response"
)

type windowService interface {
	Open(ctx context.Context, claims *models.JWTClaims, req service.OpenWindowRequest, meta models.RequestMeta) (*service.WindowStatus, error)
	Close(ctx context.Context, claims *models.JWTClaims, meta models.RequestMeta) (*service.WindowStatus, error)
	Status(ctx context.Context, includeMembers bool) (*service.WindowStatus, error)
	Eligibility(ctx context.Context, userID string) (*service.Eligibility, error)
	SendReminder(ctx context.Context, claims *models.JWTClaims, message string) (int, error)
	History(ctx context.Context, limit int) ([]service.WindowHistoryEntry, error)
}

// WindowHandler exposes the upload window controls.
type WindowHandler struct {
	service windowService
}

// NewWindowHandler constructs a WindowHandler.
func NewWindowHandler(svc windowService) *WindowHandler {
	return &WindowHandler{service: svc}
}

// ReminderRequest optionally overrides the reminder text.
type ReminderRequest struct {
	Message string `json:"message"`
}

// Current godoc
// @Summary Current upload window
// @Description Openness is evaluated at request time. Administrators also receive the member list of selective windows.
// @Tags Windows
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope{data=service.WindowStatus}
// @Router /windows/current [get]
func (h *WindowHandler) Current(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	status, err := h.service.Status(c.Request.Context(), claims.IsAdmin())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Eligibility godoc
// @Summary Submission eligibility
// @Description Whether the caller may submit into the current window
// @Tags Windows
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope{data=service.Eligibility}
// @Router /windows/eligibility [get]
func (h *WindowHandler) Eligibility(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	result, err := h.service.Eligibility(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Open godoc
// @Summary Open upload window
// @Description Opens a global or selective window. Fails with 409 while another window is open.
// @Tags Windows
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.OpenWindowRequest true "Window payload"
// @Success 201 {object} response.Envelope{data=service.WindowStatus}
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /windows [post]
func (h *WindowHandler) Open(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req service.OpenWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid window payload"))
		return
	}
	status, err := h.service.Open(c.Request.Context(), claims, req, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, status)
}

// Close godoc
// @Summary Close upload window
// @Description Closes the window that is open now
// @Tags Windows
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope{data=service.WindowStatus}
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /windows/close [post]
func (h *WindowHandler) Close(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	status, err := h.service.Close(c.Request.Context(), claims, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Remind godoc
// @Summary Remind pending users
// @Description Notifies eligible users without an active submission
// @Tags Windows
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body ReminderRequest false "Reminder text"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /windows/reminders [post]
func (h *WindowHandler) Remind(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req ReminderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, bindError(err, "invalid reminder payload"))
			return
		}
	}
	count, err := h.service.SendReminder(c.Request.Context(), claims, req.Message)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"reminded": count}, nil)
}

// History godoc
// @Summary Window history
// @Description Recent windows, newest first, with their event logs
// @Tags Windows
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of windows" default(20)
// @Success 200 {object} response.Envelope{data=[]service.WindowHistoryEntry}
// @Router /windows/history [get]
func (h *WindowHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	entries, err := h.service.History(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}
