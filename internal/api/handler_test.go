package api_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahrdadan/wdshot/internal/api"
	"github.com/ahrdadan/wdshot/internal/browser"
	"github.com/ahrdadan/wdshot/internal/queue"
	"github.com/ahrdadan/wdshot/internal/webdriver"
	"github.com/gofiber/fiber/v2"
)

// mockBrowser is a browser.Client without a driver behind it
type mockBrowser struct {
	err error
}

func (m *mockBrowser) IsRunning() bool { return true }
func (m *mockBrowser) GetEndpoint() string { return "http://localhost:4444" }
func (m *mockBrowser) SessionID() string { return "session-1" }

func (m *mockBrowser) TakeScreenshot(ctx context.Context, url string, opts browser.PageOptions) (*browser.CaptureResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &browser.CaptureResult{
		URL:      url,
		Width:    opts.Width,
		Height:   opts.Height,
		Selector: opts.Selector,
		Image:    []byte("hello"),
	}, nil
}

func (m *mockBrowser) EvaluateScript(ctx context.Context, url, script string, opts browser.PageOptions) (interface{}, error) {
	if m.err != nil {
		return nil, m.err
	}
	return "hello", nil
}

// mockQueue keeps jobs in memory and never runs them
type mockQueue struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job
	keys map[string]string
}

func newMockQueue() *mockQueue {
	return &mockQueue{jobs: make(map[string]*queue.Job), keys: make(map[string]string)}
}

func (q *mockQueue) EnqueueWithIdempotency(job *queue.Job) (*queue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.keys[job.IdempotencyKey]; ok && job.IdempotencyKey != "" {
		return q.jobs[id], true, nil
	}
	q.jobs[job.ID] = job
	q.keys[job.IdempotencyKey] = job.ID
	return job, false, nil
}

func (q *mockQueue) GetJob(jobID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

func (q *mockQueue) CancelJob(jobID string) (*queue.Job, error) {
	job, err := q.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("cannot cancel job with status: %s", job.Status)
	}
	job.SetStatus(queue.JobStatusCanceled)
	return job, nil
}

func (q *mockQueue) Subscribe(jobID string) <-chan queue.Event {
	return make(chan queue.Event)
}

func (q *mockQueue) Unsubscribe(jobID string, ch <-chan queue.Event) {}

func setupTestApp(client browser.Client, jobs api.JobQueue) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
	})

	routes := api.SetupRoutes(app, client, api.DefaultRouteConfig())
	if jobs != nil {
		routes.SetupJobRoutes(jobs)
	}
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, api.Response) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	raw, _ := io.ReadAll(resp.Body)
	var response api.Response
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &response); err != nil {
			t.Fatalf("Failed to parse response %q: %v", raw, err)
		}
	}
	return resp, response
}

func TestHealthCheck(t *testing.T) {
	app := setupTestApp(&mockBrowser{}, nil)

	resp, response := doRequest(t, app, "GET", "/health", "")
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !response.Success {
		t.Errorf("Expected success to be true")
	}
}

func TestBrowserStatus(t *testing.T) {
	app := setupTestApp(&mockBrowser{}, nil)

	resp, response := doRequest(t, app, "GET", "/wd/browser/status", "")
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("Expected security headers on /wd routes")
	}

	data := response.Data.(map[string]interface{})
	if data["running"] != true || data["session_id"] != "session-1" {
		t.Errorf("Unexpected status %v", data)
	}
	if _, ok := data["queue_connected"]; ok {
		t.Errorf("queue_connected should be omitted without a queue")
	}
}

func TestBrowserStatusReportsQueue(t *testing.T) {
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
	})
	routes := api.SetupRoutes(app, &mockBrowser{}, api.DefaultRouteConfig())

	connected := true
	routes.ReportQueue(func() bool { return connected })

	_, response := doRequest(t, app, "GET", "/wd/browser/status", "")
	if data := response.Data.(map[string]interface{}); data["queue_connected"] != true {
		t.Errorf("Expected queue_connected true, got %v", data["queue_connected"])
	}

	connected = false
	_, response = doRequest(t, app, "GET", "/wd/browser/status", "")
	if data := response.Data.(map[string]interface{}); data["queue_connected"] != false {
		t.Errorf("Expected queue_connected false, got %v", data["queue_connected"])
	}
}

func TestScreenshot(t *testing.T) {
	app := setupTestApp(&mockBrowser{}, nil)

	resp, response := doRequest(t, app, "POST", "/wd/page/screenshot", `{"url": "https://example.com", "selector": "html", "width": 800, "height": 600}`)
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	data := response.Data.(map[string]interface{})
	if data["format"] != "png" {
		t.Errorf("Expected format to be png")
	}
	if data["screenshot"] != base64.StdEncoding.EncodeToString([]byte("hello")) {
		t.Errorf("Unexpected screenshot %v", data["screenshot"])
	}
	if data["width"] != float64(800) || data["selector"] != "html" {
		t.Errorf("Options not forwarded: %v", data)
	}
}

func TestScreenshotRaw(t *testing.T) {
	app := setupTestApp(&mockBrowser{}, nil)

	req := httptest.NewRequest("POST", "/wd/page/screenshot?raw=1", strings.NewReader(`{"url": "https://example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}

	if resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("Expected image/png, got %q", resp.Header.Get("Content-Type"))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("Expected raw image bytes, got %q", body)
	}
}

func TestScreenshotBadRequests(t *testing.T) {
	app := setupTestApp(&mockBrowser{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{}`},
		{"invalid json", `{invalid json}`},
		{"negative size", `{"url": "https://example.com", "width": -1, "height": 10}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, response := doRequest(t, app, "POST", "/wd/page/screenshot", tt.body)
			if resp.StatusCode != 400 {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
			if response.Success || response.Error == "" {
				t.Errorf("Expected error response, got %+v", response)
			}
		})
	}
}

func TestBrowserErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: exit status 1", webdriver.ErrDriverExited), 503},
		{fmt.Errorf("%w: geckodriver: not found", webdriver.ErrSpawn), 503},
		{fmt.Errorf("%w: HTTP 404: no such element", webdriver.ErrProtocol), 502},
		{webdriver.ErrDecode, 502},
		{fmt.Errorf("boom"), 500},
	}

	for _, tt := range tests {
		app := setupTestApp(&mockBrowser{err: tt.err}, nil)
		resp, _ := doRequest(t, app, "POST", "/wd/page/evaluate", `{"url": "https://example.com", "script": "return 1"}`)
		if resp.StatusCode != tt.want {
			t.Errorf("%v: expected status %d, got %d", tt.err, tt.want, resp.StatusCode)
		}
	}
}

func TestEvaluate(t *testing.T) {
	app := setupTestApp(&mockBrowser{}, nil)

	resp, response := doRequest(t, app, "POST", "/wd/page/evaluate", `{"url": "https://example.com", "script": "return 'hello'"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if data := response.Data.(map[string]interface{}); data["result"] != "hello" {
		t.Errorf("Unexpected result %v", data)
	}

	resp, _ = doRequest(t, app, "POST", "/wd/page/evaluate", `{"url": "https://example.com"}`)
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400 without script, got %d", resp.StatusCode)
	}
}

func TestPageRateLimit(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	config := api.DefaultRouteConfig()
	config.RateLimitRequests = 2
	api.SetupRoutes(app, &mockBrowser{}, config)

	var last int
	for i := 0; i < 3; i++ {
		resp, _ := doRequest(t, app, "POST", "/wd/page/evaluate", `{"url": "https://example.com", "script": "return 1"}`)
		last = resp.StatusCode
	}
	if last != 429 {
		t.Errorf("Expected status 429 after the limit, got %d", last)
	}
}

func TestCreateJob(t *testing.T) {
	jobs := newMockQueue()
	app := setupTestApp(&mockBrowser{}, jobs)

	resp, response := doRequest(t, app, "POST", "/wd/jobs", `{"url": "https://example.com", "selector": "html", "idempotency_key": "k1"}`)
	if resp.StatusCode != 202 {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	data := response.Data.(map[string]interface{})
	jobID, _ := data["job_id"].(string)
	if !strings.HasPrefix(jobID, "job_") {
		t.Fatalf("Unexpected job id %v", data["job_id"])
	}
	if data["status_url"] != "http://localhost:8000/wd/jobs/"+jobID {
		t.Errorf("Unexpected status url %v", data["status_url"])
	}
	events := data["events"].(map[string]interface{})
	if events["ws_url"] != "ws://localhost:8000/wd/ws?job_id="+jobID {
		t.Errorf("Unexpected ws url %v", events["ws_url"])
	}

	resp, response = doRequest(t, app, "POST", "/wd/jobs", `{"url": "https://example.com", "idempotency_key": "k1"}`)
	if resp.Header.Get("X-Idempotency-Hit") != "true" {
		t.Errorf("Expected idempotency hit")
	}
	if data := response.Data.(map[string]interface{}); data["job_id"] != jobID {
		t.Errorf("Expected same job id, got %v", data["job_id"])
	}

	resp, _ = doRequest(t, app, "POST", "/wd/jobs", `{}`)
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400 without url, got %d", resp.StatusCode)
	}
}

func TestJobLifecycle(t *testing.T) {
	jobs := newMockQueue()
	app := setupTestApp(&mockBrowser{}, jobs)

	job := queue.NewJob(queue.JobRequest{URL: "https://example.com"})
	jobs.EnqueueWithIdempotency(job)

	resp, response := doRequest(t, app, "GET", "/wd/jobs/"+job.ID, "")
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if data := response.Data.(map[string]interface{}); data["status"] != string(queue.JobStatusQueued) {
		t.Errorf("Unexpected status %v", data["status"])
	}

	resp, _ = doRequest(t, app, "GET", "/wd/jobs/"+job.ID+"/result", "")
	if resp.StatusCode != 409 {
		t.Errorf("Expected status 409 for unfinished job, got %d", resp.StatusCode)
	}

	job.SetResult(&queue.JobResult{URL: "https://example.com", Format: "png", Image: "aGVsbG8="})

	resp, response = doRequest(t, app, "GET", "/wd/jobs/"+job.ID+"/result", "")
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	result := response.Data.(map[string]interface{})["result"].(map[string]interface{})
	if result["image"] != "aGVsbG8=" {
		t.Errorf("Unexpected result %v", result)
	}

	resp, _ = doRequest(t, app, "POST", "/wd/jobs/"+job.ID+"/cancel", "")
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400 canceling a finished job, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, app, "GET", "/wd/jobs/job_missing", "")
	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	jobs := newMockQueue()
	app := setupTestApp(&mockBrowser{}, jobs)

	job := queue.NewJob(queue.JobRequest{URL: "https://example.com"})
	jobs.EnqueueWithIdempotency(job)

	resp, response := doRequest(t, app, "POST", "/wd/jobs/"+job.ID+"/cancel", "")
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if data := response.Data.(map[string]interface{}); data["status"] != string(queue.JobStatusCanceled) {
		t.Errorf("Unexpected status %v", data["status"])
	}
}

func TestStreamEventsFinishedJob(t *testing.T) {
	jobs := newMockQueue()
	app := setupTestApp(&mockBrowser{}, jobs)

	job := queue.NewJob(queue.JobRequest{URL: "https://example.com"})
	job.SetError("boom")
	jobs.EnqueueWithIdempotency(job)

	req := httptest.NewRequest("GET", "/wd/jobs/"+job.ID+"/events", nil)
	resp, err := app.Test(req, int((5 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected event stream, got %q", resp.Header.Get("Content-Type"))
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "data: ") || !strings.Contains(string(body), `"status":"failed"`) {
		t.Errorf("Unexpected stream %q", body)
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	app := setupTestApp(&mockBrowser{}, newMockQueue())

	resp, _ := doRequest(t, app, "GET", "/wd/ws?job_id=job_1", "")
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("Expected status 426, got %d", resp.StatusCode)
	}
}
