package api

import (
	"time"

	"github.com/ahrdadan/wdshot/internal/browser"
	"github.com/ahrdadan/wdshot/internal/queue"
	"github.com/ahrdadan/wdshot/internal/security"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	IdempotencyTTL    time.Duration // TTL for idempotency keys
	BaseURL           string        // Base URL for full URLs in responses
	MaxRetries        int           // cap on per-job retries
	ResultTTL         time.Duration // default job result TTL
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		BaseURL:           "http://localhost:8000",
		MaxRetries:        queue.DefaultMaxRetries,
		ResultTTL:         queue.DefaultResultTTL,
	}
}

// Routes wires the API onto a fiber app. Page and job endpoints draw from
// one rate limiter.
type Routes struct {
	config      RouteConfig
	rateLimiter *security.RateLimiter
	handler     *Handler
	wd          fiber.Router
}

// SetupRoutes registers health, browser and page routes
func SetupRoutes(app *fiber.App, browserManager browser.Client, config RouteConfig) *Routes {
	handler := NewHandler(browserManager)

	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: config.RateLimitRequests,
		WindowDuration:    config.RateLimitWindow,
		BurstMax:          10,
	})

	// Health check (no rate limit)
	app.Get("/health", handler.HealthCheck)

	wd := app.Group("/wd")
	wd.Use(security.SecurityHeadersMiddleware())

	wd.Get("/browser/status", handler.BrowserStatus)

	page := wd.Group("/page")
	page.Use(security.RateLimitMiddleware(rateLimiter))
	page.Post("/screenshot", handler.Screenshot)
	page.Post("/evaluate", handler.EvaluateScript)

	return &Routes{
		config:      config,
		rateLimiter: rateLimiter,
		handler:     handler,
		wd:          wd,
	}
}

// ReportQueue adds the queue connection state to /wd/browser/status
func (r *Routes) ReportQueue(connected func() bool) {
	r.handler.queueConnected = connected
}

// SetupJobRoutes registers the job queue routes
func (r *Routes) SetupJobRoutes(queueManager JobQueue) {
	idempotencyStore := security.NewIdempotencyStore(r.config.IdempotencyTTL)
	jobHandler := NewJobHandler(queueManager, idempotencyStore, r.config)

	jobs := r.wd.Group("/jobs")
	jobs.Use(security.RateLimitMiddleware(r.rateLimiter))

	jobs.Post("", jobHandler.CreateJob)
	jobs.Get("/:job_id", jobHandler.GetJobStatus)
	jobs.Get("/:job_id/result", jobHandler.GetJobResult)
	jobs.Post("/:job_id/cancel", jobHandler.CancelJob)
	jobs.Get("/:job_id/events", jobHandler.StreamEvents)

	// WebSocket endpoint for job events
	r.wd.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.wd.Get("/ws", websocket.New(jobHandler.HandleWebSocket))
}
