package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Default values for job configuration
const (
	DefaultJobTimeout = 60 * time.Second
	DefaultMaxRetries = 3
	DefaultResultTTL  = 24 * time.Hour
	DefaultRetryDelay = 5 * time.Second
	MaxRetryDelay     = 5 * time.Minute
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusRetrying  JobStatus = "retrying"
)

// Terminal reports whether no further transitions happen from s
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// NotifyConfig holds notification settings for a job
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // HMAC-SHA256 key for X-Wdshot-Signature
}

// RetryConfig holds retry settings for a job
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries"`
	RetryDelay    int     `json:"retry_delay"`    // seconds before the first retry
	BackoffFactor float64 `json:"backoff_factor"` // default 2.0
}

// JobRequest describes a capture to run
type JobRequest struct {
	URL            string        `json:"url"`
	Width          int           `json:"width,omitempty"`
	Height         int           `json:"height,omitempty"`
	Selector       string        `json:"selector,omitempty"`
	Script         string        `json:"script,omitempty"`
	Timeout        int           `json:"timeout,omitempty"` // seconds
	Notify         *NotifyConfig `json:"notify,omitempty"`
	Retry          *RetryConfig  `json:"retry,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ResultTTL      int           `json:"result_ttl,omitempty"` // seconds
}

// JobResult is the stored outcome of a capture
type JobResult struct {
	URL          string      `json:"url"`
	Width        int         `json:"width,omitempty"`
	Height       int         `json:"height,omitempty"`
	Selector     string      `json:"selector,omitempty"`
	ScriptResult interface{} `json:"script_result,omitempty"`
	Format       string      `json:"format"`
	Image        string      `json:"image"` // base64
}

// Job represents a queued capture
type Job struct {
	ID             string        `json:"job_id"`
	Status         JobStatus     `json:"status"`
	Progress       int           `json:"progress"`
	Message        string        `json:"message,omitempty"`
	Request        JobRequest    `json:"request"`
	Result         *JobResult    `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      int64         `json:"created_at"`
	UpdatedAt      int64         `json:"updated_at"`
	StartedAt      int64         `json:"started_at,omitempty"`
	CompletedAt    int64         `json:"completed_at,omitempty"`
	ExpiresAt      int64         `json:"expires_at,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	NextRetryAt    int64         `json:"next_retry_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Timeout        int           `json:"timeout"`
	Notify         *NotifyConfig `json:"notify,omitempty"`
}

// NewJob creates a new job from a request
func NewJob(req JobRequest) *Job {
	now := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultJobTimeout.Seconds())
	}

	maxRetries := DefaultMaxRetries
	if req.Retry != nil && req.Retry.MaxRetries > 0 {
		maxRetries = req.Retry.MaxRetries
	}

	resultTTL := DefaultResultTTL
	if req.ResultTTL > 0 {
		resultTTL = time.Duration(req.ResultTTL) * time.Second
	}

	return &Job{
		ID:             generateJobID(),
		Status:         JobStatusQueued,
		Request:        req,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
		ExpiresAt:      now.Add(resultTTL).Unix(),
		MaxRetries:     maxRetries,
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        timeout,
		Notify:         req.Notify,
	}
}

// SetStatus updates the job status
func (j *Job) SetStatus(status JobStatus) {
	now := time.Now().Unix()
	j.Status = status
	j.UpdatedAt = now

	if status == JobStatusRunning && j.StartedAt == 0 {
		j.StartedAt = now
	}
	if status.Terminal() {
		j.CompletedAt = now
	}
}

// SetProgress updates the job progress
func (j *Job) SetProgress(progress int, message string) {
	j.Progress = progress
	j.Message = message
	j.UpdatedAt = time.Now().Unix()
}

// SetResult marks the job succeeded with result
func (j *Job) SetResult(result *JobResult) {
	j.Result = result
	j.Progress = 100
	j.Message = "Capture completed"
	j.SetStatus(JobStatusSucceeded)
}

// SetError marks the job failed
func (j *Job) SetError(err string) {
	j.Error = err
	j.LastError = err
	j.SetStatus(JobStatusFailed)
}

// CanRetry returns true if the job can be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// PrepareRetry bumps the retry count and schedules the next attempt with
// exponential backoff capped at MaxRetryDelay
func (j *Job) PrepareRetry() {
	j.RetryCount++
	j.SetStatus(JobStatusRetrying)
	j.NextRetryAt = time.Now().Add(j.RetryDelay()).Unix()
}

// RetryDelay returns the delay before the current retry:
// base * factor^(RetryCount-1)
func (j *Job) RetryDelay() time.Duration {
	factor := 2.0
	base := DefaultRetryDelay
	if r := j.Request.Retry; r != nil {
		if r.BackoffFactor > 0 {
			factor = r.BackoffFactor
		}
		if r.RetryDelay > 0 {
			base = time.Duration(r.RetryDelay) * time.Second
		}
	}

	delay := base
	for i := 1; i < j.RetryCount; i++ {
		delay = time.Duration(float64(delay) * factor)
		if delay > MaxRetryDelay {
			break
		}
	}
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

// IsExpired checks if the job result has expired
func (j *Job) IsExpired() bool {
	if j.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > j.ExpiresAt
}

// TimeoutDuration returns the job timeout as a time.Duration
func (j *Job) TimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(j.Timeout) * time.Second
}

// clone returns a shallow copy. Result, Notify and Request.Retry are
// replaced, never modified in place, so sharing them is safe.
func (j *Job) clone() *Job {
	c := *j
	return &c
}

// ToJSON serializes a job to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON deserializes a job from JSON
func FromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobCreatedResponse represents the response when a job is created
type JobCreatedResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	ResultURL string    `json:"result_url"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

// JobResultResponse represents a job result response
type JobResultResponse struct {
	JobID  string     `json:"job_id"`
	Status JobStatus  `json:"status"`
	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func generateJobID() string {
	return "job_" + uuid.New().String()[:8]
}
