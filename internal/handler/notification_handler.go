package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/service"
	"github.com/noah-isme/census-portal-api/pkg/response"
)

type notificationService interface {
	List(ctx context.Context, claims *models.JWTClaims, req service.NotificationListRequest) ([]models.Notification, *models.Pagination, error)
	MarkRead(ctx context.Context, claims *models.JWTClaims, id string) (*models.Notification, error)
	ClearAll(ctx context.Context, claims *models.JWTClaims, meta models.RequestMeta) (int64, error)
	Broadcast(ctx context.Context, claims *models.JWTClaims, req service.BroadcastRequest) (*models.Notification, error)
}

// NotificationHandler serves the notification feed.
type NotificationHandler struct {
	service notificationService
}

// NewNotificationHandler constructs a NotificationHandler.
func NewNotificationHandler(svc notificationService) *NotificationHandler {
	return &NotificationHandler{service: svc}
}

// List godoc
// @Summary List notifications
// @Description Entries addressed to the caller or to everyone, newest first. Administrators may pass recipient.
// @Tags Notifications
// @Produce json
// @Security BearerAuth
// @Param unread_only query bool false "Only unread entries"
// @Param recipient query string false "Recipient username (admins only)"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope{data=[]models.Notification}
// @Router /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req service.NotificationListRequest
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

// MarkRead godoc
// @Summary Mark notification read
// @Tags Notifications
// @Produce json
// @Security BearerAuth
// @Param id path string true "Notification ID"
// @Success 200 {object} response.Envelope{data=models.Notification}
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	n, err := h.service.MarkRead(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, n, nil)
}

// ClearAll godoc
// @Summary Clear notifications
// @Description Deletes every notification
// @Tags Notifications
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /notifications [delete]
func (h *NotificationHandler) ClearAll(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	removed, err := h.service.ClearAll(c.Request.Context(), claims, requestMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"removed": removed}, nil)
}

// Broadcast godoc
// @Summary Broadcast notification
// @Description Appends one entry addressed to everyone
// @Tags Notifications
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.BroadcastRequest true "Message"
// @Success 201 {object} response.Envelope{data=models.Notification}
// @Failure 400 {object} response.Envelope
// @Router /notifications/broadcast [post]
func (h *NotificationHandler) Broadcast(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req service.BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid broadcast payload"))
		return
	}
	n, err := h.service.Broadcast(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, n)
}
