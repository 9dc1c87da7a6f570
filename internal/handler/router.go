package handler

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/census-portal-api/internal/middleware"
	"github.com/noah-isme/census-portal-api/internal/models"
	"github.com/noah-isme/census-portal-api/internal/service"
	"github.com/noah-isme/census-portal-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/census-portal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/census-portal-api/pkg/middleware/requestid"
)

// RouterDeps carries everything the HTTP surface needs.
type RouterDeps struct {
	APIPrefix              string
	AllowedOrigins         []string
	EnableDocs             bool
	LoginRetryAfterSeconds float64

	Tokens       middleware.TokenValidator
	LoginLimiter middleware.Limiter
	AuditWriter  middleware.AuditWriter
	Metrics      *service.MetricsService
	Logger       *zap.Logger

	Auth          *AuthHandler
	Users         *UserHandler
	Windows       *WindowHandler
	Submissions   *SubmissionHandler
	Notifications *NotificationHandler
	Observability *MetricsHandler
}

// NewRouter builds the gin engine with the portal's route table.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.APIPrefix == "" {
		deps.APIPrefix = "/api/v1"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	r.GET("/health", deps.Observability.Health)
	r.GET("/ready", deps.Observability.Ready)
	r.GET("/metrics", deps.Observability.Prometheus)
	if deps.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(deps.APIPrefix)
	auth := middleware.JWT(deps.Tokens)
	admin := middleware.RequireRoles(models.RoleAdmin)

	authGroup := api.Group("/auth")
	authGroup.POST("/login", middleware.LoginRateLimit(deps.LoginLimiter, deps.LoginRetryAfterSeconds, deps.Logger), deps.Auth.Login)
	authGroup.POST("/refresh", deps.Auth.Refresh)
	authGroup.POST("/logout", auth, deps.Auth.Logout)
	authGroup.POST("/change-password", auth, deps.Auth.ChangePassword)
	authGroup.GET("/me", auth, deps.Auth.Me)

	users := api.Group("/users", auth)
	users.GET("", admin, deps.Users.List)
	users.POST("", admin, deps.Users.Create)
	users.GET("/:id", middleware.RBAC(string(models.RoleAdmin), middleware.RoleSelf), deps.Users.Get)
	users.PUT("/:id", admin, deps.Users.Update)
	users.DELETE("/:id", admin, deps.Users.Delete)

	windows := api.Group("/windows", auth)
	windows.GET("/current", deps.Windows.Current)
	windows.GET("/eligibility", deps.Windows.Eligibility)
	windows.GET("/history", admin, deps.Windows.History)
	windows.POST("", admin, deps.Windows.Open)
	windows.POST("/close", admin, deps.Windows.Close)
	windows.POST("/reminders", admin, deps.Windows.Remind)

	// Signed links carry their own authorisation.
	api.GET("/submissions/documents/:token", deps.Submissions.Document)

	submissions := api.Group("/submissions", auth)
	submissions.POST("", deps.Submissions.Submit)
	submissions.GET("", deps.Submissions.List)
	submissions.GET("/stats", admin, deps.Submissions.Stats)
	submissions.GET("/export", middleware.Audit(deps.AuditWriter, deps.Logger, models.AuditActionSubmissionExport, "submissions"), deps.Submissions.Export)
	submissions.GET("/:id", deps.Submissions.Get)
	submissions.GET("/:id/history", deps.Submissions.History)
	submissions.POST("/:id/review", admin, deps.Submissions.Review)
	submissions.DELETE("/:id", deps.Submissions.Delete)

	notifications := api.Group("/notifications", auth)
	notifications.GET("", deps.Notifications.List)
	notifications.POST("/:id/read", deps.Notifications.MarkRead)
	notifications.POST("/broadcast", admin, deps.Notifications.Broadcast)
	notifications.DELETE("", admin, deps.Notifications.ClearAll)

	return r
}
