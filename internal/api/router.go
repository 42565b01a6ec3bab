package api

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	_ "github.com/pokeroster/presence/docs"
	"github.com/pokeroster/presence/internal/api/handler"
	"github.com/pokeroster/presence/internal/api/middleware"
	"github.com/pokeroster/presence/internal/core/domain"
	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/core/service"
)

// Dependencies are the wired services the router exposes.
type Dependencies struct {
	Devices   *service.DeviceRegistry
	Tokens    ports.TokenIssuer
	Accounts  ports.AccountStore
	Readiness map[string]ports.Pinger

	JWTSecret      string
	LoginRateLimit float64
	Log            zerolog.Logger
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(deps Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(deps.Log)

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.Logger())

	sessionHandler := handler.NewSessionHandler(deps.Devices, deps.Tokens)
	accountHandler := handler.NewAccountHandler(deps.Accounts)
	authMiddleware := middleware.Auth(deps.JWTSecret)

	rateLimit := deps.LoginRateLimit
	if rateLimit <= 0 {
		rateLimit = 10
	}
	throttle := middleware.RateLimit(rateLimit, int(rateLimit)*2)

	sessionToken := []echo.MiddlewareFunc{authMiddleware, middleware.TokenPurpose(ports.PurposeSession)}
	confirmationToken := []echo.MiddlewareFunc{authMiddleware, middleware.TokenPurpose(ports.PurposeConfirmation), middleware.DeviceBinding()}

	// --- Device session routes ---
	devices := e.Group("/v1/devices/:device")
	devices.POST("/register", sessionHandler.Register, throttle)
	devices.POST("/login", sessionHandler.Login, throttle)
	devices.POST("/login/confirm", sessionHandler.ConfirmEviction, confirmationToken...)
	devices.POST("/login/cancel", sessionHandler.CancelConfirmation, confirmationToken...)
	devices.POST("/logout", sessionHandler.Logout, append(sessionToken, middleware.DeviceBinding())...)
	devices.GET("/session", sessionHandler.State)

	// --- Operator routes ---
	accounts := e.Group("/v1/accounts", append(sessionToken, middleware.RBAC(domain.RoleAdmin))...)
	accounts.GET("/:id/sessions", accountHandler.Sessions)

	// --- Health probes (no auth required) ---
	healthHandler := handler.NewHealthHandler()
	healthDepsHandler := handler.NewHealthDependenciesHandler(deps.Readiness)

	e.GET("/health", healthHandler.Liveness)            // liveness  – is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness – are dependencies up?

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	return e
}
