package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ahrdadan/wdshot/internal/queue"
	"github.com/ahrdadan/wdshot/internal/security"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// maxJobTimeout caps the per-job timeout in seconds
const maxJobTimeout = 300

// JobQueue is the part of queue.Manager the job routes use
type JobQueue interface {
	EnqueueWithIdempotency(job *queue.Job) (*queue.Job, bool, error)
	GetJob(jobID string) (*queue.Job, error)
	CancelJob(jobID string) (*queue.Job, error)
	Subscribe(jobID string) <-chan queue.Event
	Unsubscribe(jobID string, ch <-chan queue.Event)
}

// JobHandler handles job-related API requests
type JobHandler struct {
	queueManager     JobQueue
	idempotencyStore *security.IdempotencyStore
	config           RouteConfig
}

// NewJobHandler creates a new job handler
func NewJobHandler(qm JobQueue, idempotencyStore *security.IdempotencyStore, config RouteConfig) *JobHandler {
	return &JobHandler{
		queueManager:     qm,
		idempotencyStore: idempotencyStore,
		config:           config,
	}
}

func (h *JobHandler) url(path string) string {
	return strings.TrimSuffix(h.config.BaseURL, "/") + path
}

// CreateJob creates a new async capture job
// POST /wd/jobs
func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var req queue.JobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	if req.URL == "" {
		return fiber.NewError(fiber.StatusBadRequest, "URL is required")
	}
	if req.Width < 0 || req.Height < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "width and height must be positive")
	}

	// Header wins over body
	if key := c.Get("X-Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	if req.IdempotencyKey != "" && h.idempotencyStore != nil {
		if entry, exists := h.idempotencyStore.Check(req.IdempotencyKey); exists {
			c.Set("X-Idempotency-Hit", "true")
			return c.Status(fiber.StatusAccepted).JSON(Response{
				Success: true,
				Data:    entry.Response,
			})
		}
	}

	if req.Timeout > maxJobTimeout {
		req.Timeout = maxJobTimeout
	}
	if req.ResultTTL <= 0 && h.config.ResultTTL > 0 {
		req.ResultTTL = int(h.config.ResultTTL.Seconds())
	}

	job := queue.NewJob(req)
	if h.config.MaxRetries > 0 && job.MaxRetries > h.config.MaxRetries {
		job.MaxRetries = h.config.MaxRetries
	}

	enqueuedJob, wasDuplicate, err := h.queueManager.EnqueueWithIdempotency(job)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("Failed to enqueue job: %v", err))
	}

	response := queue.JobCreatedResponse{
		JobID:     enqueuedJob.ID,
		Status:    enqueuedJob.Status,
		StatusURL: h.url("/wd/jobs/" + enqueuedJob.ID),
		ResultURL: h.url("/wd/jobs/" + enqueuedJob.ID + "/result"),
	}
	response.Events.SSEURL = h.url("/wd/jobs/" + enqueuedJob.ID + "/events")
	response.Events.WSURL = strings.Replace(h.url("/wd/ws?job_id="+enqueuedJob.ID), "http", "ws", 1)

	if req.IdempotencyKey != "" && h.idempotencyStore != nil && !wasDuplicate {
		h.idempotencyStore.Store(req.IdempotencyKey, enqueuedJob.ID, response)
	}

	if wasDuplicate {
		c.Set("X-Idempotency-Hit", "true")
	}

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data:    response,
	})
}

// GetJobStatus returns the status of a job
// GET /wd/jobs/:job_id
func (h *JobHandler) GetJobStatus(c *fiber.Ctx) error {
	job, err := h.queueManager.GetJob(c.Params("job_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Job not found")
	}

	response := map[string]interface{}{
		"job_id":     job.ID,
		"status":     job.Status,
		"progress":   job.Progress,
		"message":    job.Message,
		"url":        job.Request.URL,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}

	if job.Status == queue.JobStatusRetrying || job.RetryCount > 0 {
		response["retry_info"] = map[string]interface{}{
			"retry_count": job.RetryCount,
			"max_retries": job.MaxRetries,
			"last_error":  job.LastError,
		}
		if job.NextRetryAt > 0 {
			response["next_retry_at"] = time.Unix(job.NextRetryAt, 0).Format(time.RFC3339)
		}
	}

	if job.ExpiresAt > 0 {
		response["expires_at"] = time.Unix(job.ExpiresAt, 0).Format(time.RFC3339)
	}

	return c.JSON(Response{
		Success: true,
		Data:    response,
	})
}

// GetJobResult returns the result of a finished job
// GET /wd/jobs/:job_id/result
func (h *JobHandler) GetJobResult(c *fiber.Ctx) error {
	job, err := h.queueManager.GetJob(c.Params("job_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Job not found")
	}

	if job.Status != queue.JobStatusSucceeded && job.Status != queue.JobStatusFailed {
		return fiber.NewError(fiber.StatusConflict, "Job not completed yet")
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.JobResultResponse{
			JobID:  job.ID,
			Status: job.Status,
			Result: job.Result,
			Error:  job.Error,
		},
	})
}

// CancelJob cancels a queued or running job
// POST /wd/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	job, err := h.queueManager.CancelJob(c.Params("job_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		},
	})
}

func snapshot(job *queue.Job) queue.Event {
	return queue.Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	}
}

// StreamEvents streams job events via SSE
// GET /wd/jobs/:job_id/events
func (h *JobHandler) StreamEvents(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	job, err := h.queueManager.GetJob(jobID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Job not found")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	initial := snapshot(job)
	var events <-chan queue.Event
	if !initial.Status.Terminal() {
		events = h.queueManager.Subscribe(jobID)
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		writeEvent(w, initial)
		if events == nil {
			return
		}
		defer h.queueManager.Unsubscribe(jobID, events)

		for event := range events {
			if err := writeEvent(w, event); err != nil {
				return
			}
			if event.Status.Terminal() {
				return
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, event queue.Event) error {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "data: %s\n\n", data)
	return w.Flush()
}

// HandleWebSocket handles WebSocket connections for job events
// GET /wd/ws?job_id=
func (h *JobHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Query("job_id")
	if jobID == "" {
		_ = c.WriteJSON(map[string]interface{}{
			"error": "job_id is required",
		})
		return
	}

	job, err := h.queueManager.GetJob(jobID)
	if err != nil {
		_ = c.WriteJSON(map[string]interface{}{
			"error": "job not found",
		})
		return
	}

	initial := snapshot(job)
	if initial.Status.Terminal() {
		_ = c.WriteJSON(initial)
		return
	}

	events := h.queueManager.Subscribe(jobID)
	defer h.queueManager.Unsubscribe(jobID, events)

	if err := c.WriteJSON(initial); err != nil {
		return
	}

	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			return
		}
		if event.Status.Terminal() {
			return
		}
	}
}
