// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Sessions      SessionService
	Hub           Subscriber
	Version       string
	AllowDeletion bool
}

// Handlers holds all handler instances
type Handlers struct {
	Health   HealthHandler
	Session  SessionHandler
	Progress ProgressHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:   NewHealthHandler(deps.Version),
		Session:  NewSessionHandler(deps.Sessions, deps.AllowDeletion),
		Progress: NewProgressSocketHandler(deps.Hub),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Upload sessions
	sessionGroup := apiGroup.Group("/sessions")
	sessionGroup.POST("", handlers.Session.HandleEnqueue)
	sessionGroup.GET("", handlers.Session.HandleListSessions)
	sessionGroup.POST("/sweep", handlers.Session.HandleSweep)
	sessionGroup.GET("/:id", handlers.Session.HandleGetSession)
	sessionGroup.POST("/:id/start", handlers.Session.HandleStart)
	sessionGroup.DELETE("/:id", handlers.Session.HandleDeleteSession)

	// Progress feed
	apiGroup.GET("/ws/progress", handlers.Progress.HandleProgressSocket)
}

// MiddlewareOptions selects the optional middleware.
type MiddlewareOptions struct {
	RequestLogging bool
	BodyLimit      string
	RequestTimeout time.Duration
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	e.HTTPErrorHandler = ErrorHandler
	e.JSONSerializer = SonicSerializer{}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !opts.RequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/api/health" || strings.HasPrefix(path, "/api/ws/")
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				log.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "err", v.Error)
				return nil
			}
			log.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("panic recovered", "path", c.Path(), "err", err, "stack", string(stack))
			return err
		},
	}))

	if opts.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout: opts.RequestTimeout,
			Skipper: func(c echo.Context) bool {
				// enqueue bodies can be large; the socket is long-lived
				return c.Request().Method == http.MethodPost && c.Path() == "/api/sessions" ||
					strings.HasPrefix(c.Request().URL.Path, "/api/ws/")
			},
			ErrorMessage: "Request timeout",
		}))
	}

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}
}
