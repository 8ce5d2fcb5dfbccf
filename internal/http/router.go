package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/crewdesk/crewdesk-auth/internal/config"
	"github.com/crewdesk/crewdesk-auth/internal/http/handler"
	httpmiddleware "github.com/crewdesk/crewdesk-auth/internal/http/middleware"
	"github.com/crewdesk/crewdesk-auth/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	authGroup := r.Group("/auth")
	{
		password := authGroup.Group("/password")
		{
			password.POST("/register", authHandler.PasswordRegister)
			password.POST("/login", authHandler.PasswordLogin)
			password.POST("/change", authMiddleware.RequireAuth, authHandler.PasswordChange)
			password.POST("/forgot", authHandler.PasswordForgot)
			password.POST("/reset", authHandler.PasswordReset)
		}

		authGroup.POST("/token/refresh", authHandler.TokenRefresh)
		authGroup.POST("/logout", authMiddleware.RequireAuth, authHandler.Logout)
		authGroup.GET("/me", authMiddleware.RequireAuth, authHandler.Me)

		oauth := authGroup.Group("/oauth/:provider")
		{
			oauth.GET("/start", authHandler.OAuthStart)
			oauth.GET("/callback", authHandler.OAuthCallback)
			oauth.DELETE("/unlink", authMiddleware.RequireAuth, authHandler.OAuthUnlink)
		}

		passkeys := authGroup.Group("/passkeys")
		{
			passkeys.POST("/register/begin", authMiddleware.RequireAuth, authHandler.PasskeyRegisterBegin)
			passkeys.POST("/register/finish", authMiddleware.RequireAuth, authHandler.PasskeyRegisterFinish)
			passkeys.POST("/login/begin", authHandler.PasskeyLoginBegin)
			passkeys.POST("/login/finish", authHandler.PasskeyLoginFinish)
			passkeys.GET("", authMiddleware.RequireAuth, authHandler.PasskeyList)
			passkeys.DELETE("/:id", authMiddleware.RequireAuth, authHandler.PasskeyDelete)
		}
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName})
	})

	return r
}
