package api

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/ahrdadan/wdshot/internal/browser"
	"github.com/ahrdadan/wdshot/internal/webdriver"
	"github.com/gofiber/fiber/v2"
)

// Handler handles API requests
type Handler struct {
	browserManager browser.Client
	queueConnected func() bool
}

// NewHandler creates a new handler
func NewHandler(browserManager browser.Client) *Handler {
	return &Handler{
		browserManager: browserManager,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// browserError maps webdriver failures to HTTP errors
func browserError(err error) error {
	switch {
	case errors.Is(err, webdriver.ErrSpawn), errors.Is(err, webdriver.ErrDriverExited):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, webdriver.ErrProtocol), errors.Is(err, webdriver.ErrDecode):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// BrowserStatus returns driver and session status
func (h *Handler) BrowserStatus(c *fiber.Ctx) error {
	status := map[string]interface{}{
		"running":    h.browserManager.IsRunning(),
		"endpoint":   h.browserManager.GetEndpoint(),
		"session_id": h.browserManager.SessionID(),
	}
	if h.queueConnected != nil {
		status["queue_connected"] = h.queueConnected()
	}

	return c.JSON(Response{
		Success: true,
		Data:    status,
	})
}

// RequestOptions represents optional page settings for a request
type RequestOptions struct {
	Timeout int `json:"timeout"` // seconds
	Width   int `json:"width,omitempty"`
	Height  int `json:"height,omitempty"`
}

func buildPageOptions(req RequestOptions) (browser.PageOptions, error) {
	opts := browser.DefaultPageOptions()
	if req.Timeout > 0 {
		opts.Timeout = time.Duration(req.Timeout) * time.Second
	}
	if req.Width < 0 || req.Height < 0 {
		return opts, fiber.NewError(fiber.StatusBadRequest, "width and height must be positive")
	}
	if req.Width > 0 && req.Height > 0 {
		opts.Width = req.Width
		opts.Height = req.Height
	}
	return opts, nil
}

// ScreenshotRequest represents a screenshot request
type ScreenshotRequest struct {
	URL      string `json:"url" validate:"required"`
	Selector string `json:"selector"`
	Script   string `json:"script"`
	RequestOptions
}

// Screenshot captures a page or one of its elements. With ?raw=1 the PNG is
// returned as the body.
func (h *Handler) Screenshot(c *fiber.Ctx) error {
	var req ScreenshotRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	if req.URL == "" {
		return fiber.NewError(fiber.StatusBadRequest, "URL is required")
	}

	opts, err := buildPageOptions(req.RequestOptions)
	if err != nil {
		return err
	}
	opts.Selector = req.Selector
	opts.Script = req.Script

	result, err := h.browserManager.TakeScreenshot(c.UserContext(), req.URL, opts)
	if err != nil {
		return browserError(err)
	}

	if c.QueryBool("raw") {
		c.Set(fiber.HeaderContentType, "image/png")
		return c.Send(result.Image)
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"url":           result.URL,
			"width":         result.Width,
			"height":        result.Height,
			"selector":      result.Selector,
			"script_result": result.ScriptResult,
			"screenshot":    base64.StdEncoding.EncodeToString(result.Image),
			"format":        "png",
		},
	})
}

// EvaluateRequest represents a script evaluation request
type EvaluateRequest struct {
	URL    string `json:"url" validate:"required"`
	Script string `json:"script" validate:"required"`
	RequestOptions
}

// EvaluateScript navigates to a page and runs a script in it
func (h *Handler) EvaluateScript(c *fiber.Ctx) error {
	var req EvaluateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	if req.URL == "" || req.Script == "" {
		return fiber.NewError(fiber.StatusBadRequest, "URL and script are required")
	}

	opts, err := buildPageOptions(req.RequestOptions)
	if err != nil {
		return err
	}

	result, err := h.browserManager.EvaluateScript(c.UserContext(), req.URL, req.Script, opts)
	if err != nil {
		return browserError(err)
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"url":    req.URL,
			"result": result,
		},
	})
}
