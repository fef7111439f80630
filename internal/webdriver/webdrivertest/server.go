// Package webdrivertest provides an in-process fake WebDriver server.
package webdrivertest

import (
	"net"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// DefaultSessionID is the session id handed out by the fake server.
const DefaultSessionID = "fake-session-1"

// DefaultElement is the element reference returned by the element endpoint.
const DefaultElement = "fake-element-1"

// Server is a fake WebDriver endpoint that records what it receives.
type Server struct {
	srv *httptest.Server
	app *fiber.App

	mu                sync.Mutex
	sessions          int
	currentURL        string
	lastSelector      string
	lastScript        string
	scriptResult      interface{}
	screenshot        string
	elementScreenshot string
	elementKey        string
}

// New returns a started fake server listening on a random local port.
func New() *Server {
	s := newServer()
	s.srv = httptest.NewServer(adaptor.FiberApp(s.app))
	return s
}

// NewOn returns a fake server listening on addr. It fails if addr is taken.
func NewOn(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := newServer()
	s.srv = httptest.NewUnstartedServer(adaptor.FiberApp(s.app))
	s.srv.Listener.Close()
	s.srv.Listener = ln
	s.srv.Start()
	return s, nil
}

func newServer() *Server {
	s := &Server{
		scriptResult:      "hello",
		screenshot:        "aGVsbG8=",
		elementScreenshot: "aGVsbG8=",
		elementKey:        "element-6066-11e4-a52e-4f735466cecf",
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/session", s.newSession)

	app.Post("/session/:id/url", s.checkSession, s.setURL)
	app.Post("/session/:id/window/rect", s.checkSession, s.setWindowRect)
	app.Post("/session/:id/execute/sync", s.checkSession, s.execute)
	app.Get("/session/:id/screenshot", s.checkSession, s.takeScreenshot)
	app.Post("/session/:id/element", s.checkSession, s.findElement)
	app.Get("/session/:id/element/:ref/screenshot", s.checkSession, s.takeElementScreenshot)

	s.app = app
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.srv.Listener.Addr().(*net.TCPAddr).Port
}

// URL returns the server base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// SessionCount returns how many New Session requests succeeded.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// CurrentURL returns the last URL navigated to.
func (s *Server) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// LastSelector returns the last selector passed to the element endpoint.
func (s *Server) LastSelector() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSelector
}

// LastScript returns the last script executed.
func (s *Server) LastScript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScript
}

// SetScriptResult sets the value returned by execute/sync.
func (s *Server) SetScriptResult(v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scriptResult = v
}

// SetScreenshot sets the base64 payload returned by both screenshot endpoints.
func (s *Server) SetScreenshot(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenshot = payload
	s.elementScreenshot = payload
}

// UseLegacyElements makes the element endpoint answer with the legacy
// "ELEMENT" key.
func (s *Server) UseLegacyElements() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elementKey = "ELEMENT"
}

func (s *Server) newSession(c *fiber.Ctx) error {
	var req struct {
		Capabilities map[string]interface{} `json:"capabilities"`
	}
	if err := c.BodyParser(&req); err != nil || req.Capabilities == nil {
		return remoteError(c, fiber.StatusBadRequest, "invalid argument", "capabilities are required")
	}

	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()

	return c.JSON(fiber.Map{
		"value": fiber.Map{
			"sessionId":    DefaultSessionID,
			"capabilities": req.Capabilities,
		},
	})
}

func (s *Server) checkSession(c *fiber.Ctx) error {
	if c.Params("id") != DefaultSessionID {
		return remoteError(c, fiber.StatusNotFound, "invalid session id", "session "+c.Params("id")+" does not exist")
	}
	return c.Next()
}

func (s *Server) setURL(c *fiber.Ctx) error {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.BodyParser(&req); err != nil {
		return remoteError(c, fiber.StatusBadRequest, "invalid argument", err.Error())
	}

	s.mu.Lock()
	s.currentURL = req.URL
	s.mu.Unlock()

	return c.JSON(fiber.Map{"value": nil})
}

func (s *Server) setWindowRect(c *fiber.Ctx) error {
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := c.BodyParser(&req); err != nil {
		return remoteError(c, fiber.StatusBadRequest, "invalid argument", err.Error())
	}

	return c.JSON(fiber.Map{
		"value": fiber.Map{
			"x":      0,
			"y":      0,
			"width":  req.Width,
			"height": req.Height,
		},
	})
}

func (s *Server) execute(c *fiber.Ctx) error {
	var req struct {
		Script string        `json:"script"`
		Args   []interface{} `json:"args"`
	}
	if err := c.BodyParser(&req); err != nil || req.Args == nil {
		return remoteError(c, fiber.StatusBadRequest, "invalid argument", "script and args are required")
	}

	s.mu.Lock()
	s.lastScript = req.Script
	result := s.scriptResult
	s.mu.Unlock()

	return c.JSON(fiber.Map{"value": result})
}

func (s *Server) takeScreenshot(c *fiber.Ctx) error {
	s.mu.Lock()
	payload := s.screenshot
	s.mu.Unlock()
	return c.JSON(fiber.Map{"value": payload})
}

func (s *Server) findElement(c *fiber.Ctx) error {
	var req struct {
		Using string `json:"using"`
		Value string `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return remoteError(c, fiber.StatusBadRequest, "invalid argument", err.Error())
	}
	if req.Using != "css selector" {
		return remoteError(c, fiber.StatusBadRequest, "invalid argument", "unsupported strategy "+strconv.Quote(req.Using))
	}

	s.mu.Lock()
	s.lastSelector = req.Value
	key := s.elementKey
	s.mu.Unlock()

	if req.Value == "#missing" {
		return remoteError(c, fiber.StatusNotFound, "no such element", "unable to locate "+req.Value)
	}

	return c.JSON(fiber.Map{"value": fiber.Map{key: DefaultElement}})
}

func (s *Server) takeElementScreenshot(c *fiber.Ctx) error {
	if c.Params("ref") != DefaultElement {
		return remoteError(c, fiber.StatusNotFound, "no such element", "stale reference "+c.Params("ref"))
	}

	s.mu.Lock()
	payload := s.elementScreenshot
	s.mu.Unlock()
	return c.JSON(fiber.Map{"value": payload})
}

func remoteError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"value": fiber.Map{
			"error":      code,
			"message":    message,
			"stacktrace": "",
		},
	})
}
