package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/census-portal-api/internal/middleware"
	"github.com/noah-isme/census-portal-api/internal/models"
	appErrors "github.com/noah-isme/census-portal-api/pkg/errors"
	"github.com/noah-isme/census-portal-api/pkg/response"
)

// requireClaims returns the caller or writes a 401 and returns nil.
func requireClaims(c *gin.Context) *models.JWTClaims {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil
	}
	return claims
}

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

func bindError(err error, message string) error {
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
}
