package webdriver_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ahrdadan/wdshot/internal/webdriver"
	"github.com/ahrdadan/wdshot/internal/webdriver/webdrivertest"
)

// startIdleDriver launches a shell that sleeps; the appended --port flag
// becomes the shell's $0 and is ignored.
func startIdleDriver(t *testing.T, port int) *webdriver.Driver {
	t.Helper()

	driver, err := webdriver.StartDriver(exec.Command("sh", "-c", "sleep 30"), port)
	if err != nil {
		t.Fatalf("Failed to start driver: %v", err)
	}
	t.Cleanup(driver.Close)
	return driver
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestSession(t *testing.T) (*webdriver.Session, *webdrivertest.Server) {
	t.Helper()

	fake := webdrivertest.New()
	t.Cleanup(fake.Close)

	driver := startIdleDriver(t, fake.Port())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := webdriver.NewSession(ctx, driver, map[string]interface{}{"alwaysMatch": map[string]interface{}{}}, fake.Port(), webdriver.WithHost("127.0.0.1"))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	t.Cleanup(session.Close)
	return session, fake
}

func TestStartDriverAppendsPort(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	driver, err := webdriver.StartDriver(cmd, 4444)
	if err != nil {
		t.Fatalf("Failed to start driver: %v", err)
	}
	defer driver.Close()

	last := cmd.Args[len(cmd.Args)-1]
	if last != "--port=4444" {
		t.Errorf("Expected last arg --port=4444, got %q", last)
	}
	if driver.Pid() <= 0 {
		t.Errorf("Expected a positive pid, got %d", driver.Pid())
	}
}

func TestStartDriverSpawnError(t *testing.T) {
	_, err := webdriver.StartDriver(exec.Command("/nonexistent/wdshot-driver"), 4444)
	if !errors.Is(err, webdriver.ErrSpawn) {
		t.Fatalf("Expected ErrSpawn, got %v", err)
	}
}

func TestDriverCloseTerminatesProcess(t *testing.T) {
	driver := startIdleDriver(t, 4444)
	if driver.Exited() {
		t.Fatalf("Expected driver to be running")
	}

	driver.Close()
	if !driver.Exited() {
		t.Errorf("Expected driver to have exited after Close")
	}
	select {
	case <-driver.Done():
	default:
		t.Errorf("Expected Done to be closed after Close")
	}

	// second close is a no-op
	driver.Close()
}

func TestNewSessionHandshake(t *testing.T) {
	session, fake := newTestSession(t)

	if session.ID() != webdrivertest.DefaultSessionID {
		t.Errorf("Expected session id %q, got %q", webdrivertest.DefaultSessionID, session.ID())
	}
	if fake.SessionCount() != 1 {
		t.Errorf("Expected exactly one session, got %d", fake.SessionCount())
	}
	if !strings.HasPrefix(session.BaseURL(), "http://127.0.0.1:") {
		t.Errorf("Unexpected base URL %s", session.BaseURL())
	}
}

func TestNewSessionWaitsForDriver(t *testing.T) {
	port := freePort(t)
	driver := startIdleDriver(t, port)

	ready := make(chan *webdrivertest.Server, 1)
	go func() {
		time.Sleep(5 * webdriver.HandshakeInterval)
		fake, err := webdrivertest.NewOn("127.0.0.1:" + strconv.Itoa(port))
		if err != nil {
			t.Errorf("Failed to start fake driver: %v", err)
			ready <- nil
			return
		}
		ready <- fake
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := webdriver.NewSession(ctx, driver, map[string]interface{}{}, port, webdriver.WithHost("127.0.0.1"))
	fake := <-ready
	if fake == nil {
		t.FailNow()
	}
	defer fake.Close()

	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	defer session.Close()

	if session.ID() == "" {
		t.Errorf("Expected non-empty session id")
	}
	if fake.SessionCount() != 1 {
		t.Errorf("Expected exactly one session, got %d", fake.SessionCount())
	}
}

func TestNewSessionDriverExited(t *testing.T) {
	port := freePort(t)
	driver, err := webdriver.StartDriver(exec.Command("sh", "-c", "exit 3"), port)
	if err != nil {
		t.Fatalf("Failed to start driver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = webdriver.NewSession(ctx, driver, map[string]interface{}{}, port, webdriver.WithHost("127.0.0.1"))
	if !errors.Is(err, webdriver.ErrDriverExited) {
		t.Fatalf("Expected ErrDriverExited, got %v", err)
	}
	if ctx.Err() != nil {
		t.Errorf("Expected handshake to fail before the deadline")
	}
	if !driver.Exited() {
		t.Errorf("Expected driver to be terminated")
	}
}

func TestDriverDoneOnExit(t *testing.T) {
	driver, err := webdriver.StartDriver(exec.Command("sh", "-c", "exit 0"), freePort(t))
	if err != nil {
		t.Fatalf("Failed to start driver: %v", err)
	}

	select {
	case <-driver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected Done to close when the driver exits")
	}
	if !driver.Exited() {
		t.Errorf("Expected Exited after Done")
	}
}

func TestNewSessionContextCanceled(t *testing.T) {
	port := freePort(t)
	driver := startIdleDriver(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 3*webdriver.HandshakeInterval)
	defer cancel()

	_, err := webdriver.NewSession(ctx, driver, map[string]interface{}{}, port, webdriver.WithHost("127.0.0.1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if !driver.Exited() {
		t.Errorf("Expected driver to be closed after failed handshake")
	}
}

func TestNewSessionProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not json", http.StatusOK, "<html>ready</html>"},
		{"missing value", http.StatusOK, `{"sessionId":"abc"}`},
		{"empty session id", http.StatusOK, `{"value":{"sessionId":""}}`},
		{"wrong shape", http.StatusOK, `{"value":"abc"}`},
		{"error status", http.StatusInternalServerError, `{"value":{"error":"session not created","message":"no browser"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			port := srv.Listener.Addr().(*net.TCPAddr).Port
			driver := startIdleDriver(t, port)

			_, err := webdriver.NewSession(context.Background(), driver, map[string]interface{}{}, port, webdriver.WithHost("127.0.0.1"))
			if !errors.Is(err, webdriver.ErrProtocol) {
				t.Fatalf("Expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestSetURL(t *testing.T) {
	session, fake := newTestSession(t)

	if err := session.SetURL(context.Background(), "https://example.com/"); err != nil {
		t.Fatalf("Failed to set url: %v", err)
	}
	if fake.CurrentURL() != "https://example.com/" {
		t.Errorf("Expected driver to navigate, got %q", fake.CurrentURL())
	}
}

func TestSetWindowSize(t *testing.T) {
	session, _ := newTestSession(t)

	w, h, err := session.SetWindowSize(context.Background(), 800, 600)
	if err != nil {
		t.Fatalf("Failed to set window size: %v", err)
	}
	if w != 800 || h != 600 {
		t.Errorf("Expected 800x600, got %dx%d", w, h)
	}
}

func TestExecute(t *testing.T) {
	session, fake := newTestSession(t)

	text, err := webdriver.Execute[string](context.Background(), session, "return 'hello'")
	if err != nil {
		t.Fatalf("Failed to execute script: %v", err)
	}
	if text != "hello" {
		t.Errorf("Expected hello, got %q", text)
	}
	if fake.LastScript() != "return 'hello'" {
		t.Errorf("Unexpected script %q", fake.LastScript())
	}

	fake.SetScriptResult(map[string]interface{}{"width": 1024})
	var size struct {
		Width int `json:"width"`
	}
	size, err = webdriver.Execute[struct {
		Width int `json:"width"`
	}](context.Background(), session, "return {width: innerWidth}")
	if err != nil {
		t.Fatalf("Failed to execute script: %v", err)
	}
	if size.Width != 1024 {
		t.Errorf("Expected width 1024, got %d", size.Width)
	}

	fake.SetScriptResult("not a number")
	if _, err := webdriver.Execute[int](context.Background(), session, "return 'x'"); !errors.Is(err, webdriver.ErrProtocol) {
		t.Errorf("Expected ErrProtocol on type mismatch, got %v", err)
	}
}

func TestScreenshot(t *testing.T) {
	session, fake := newTestSession(t)

	data, err := session.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("Failed to take screenshot: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected hello, got %q", data)
	}

	fake.SetScreenshot("!!!")
	if _, err := session.Screenshot(context.Background()); !errors.Is(err, webdriver.ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestFindElementAndScreenshot(t *testing.T) {
	session, fake := newTestSession(t)
	ctx := context.Background()

	ref, err := session.FindElement(ctx, "html")
	if err != nil {
		t.Fatalf("Failed to find element: %v", err)
	}
	if ref != webdrivertest.DefaultElement {
		t.Errorf("Expected %q, got %q", webdrivertest.DefaultElement, ref)
	}
	if fake.LastSelector() != "html" {
		t.Errorf("Expected selector html, got %q", fake.LastSelector())
	}

	data, err := session.ElementScreenshot(ctx, ref)
	if err != nil {
		t.Fatalf("Failed to take element screenshot: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected hello, got %q", data)
	}

	fake.SetScreenshot("!!!")
	if _, err := session.ElementScreenshot(ctx, ref); !errors.Is(err, webdriver.ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestFindElementLegacyKey(t *testing.T) {
	session, fake := newTestSession(t)
	fake.UseLegacyElements()

	ref, err := session.FindElement(context.Background(), "body")
	if err != nil {
		t.Fatalf("Failed to find element: %v", err)
	}
	if ref != webdrivertest.DefaultElement {
		t.Errorf("Expected %q, got %q", webdrivertest.DefaultElement, ref)
	}
}

func TestCommandErrors(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	_, err := session.FindElement(ctx, "#missing")
	if !errors.Is(err, webdriver.ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
	if !strings.Contains(err.Error(), "no such element") {
		t.Errorf("Expected remote error code in message, got %v", err)
	}

	if _, err := session.ElementScreenshot(ctx, "stale"); !errors.Is(err, webdriver.ErrProtocol) {
		t.Errorf("Expected ErrProtocol for stale element, got %v", err)
	}
}

func TestCloseAfterFailedCommand(t *testing.T) {
	session, fake := newTestSession(t)

	fake.Close()
	if err := session.SetURL(context.Background(), "https://example.com/"); !errors.Is(err, webdriver.ErrProtocol) {
		t.Errorf("Expected ErrProtocol after driver went away, got %v", err)
	}

	session.Close()
	if !session.Driver().Exited() {
		t.Errorf("Expected driver process to be terminated")
	}
}
