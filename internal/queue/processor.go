package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ahrdadan/wdshot/internal/browser"
	"github.com/ahrdadan/wdshot/internal/security"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body
const SignatureHeader = "X-Wdshot-Signature"

var webhookClient = &http.Client{Timeout: 30 * time.Second}

// CaptureProcessor runs capture jobs against a browser client
type CaptureProcessor struct {
	client browser.Client
}

// NewCaptureProcessor creates a new capture processor
func NewCaptureProcessor(client browser.Client) *CaptureProcessor {
	return &CaptureProcessor{client: client}
}

// Process captures job.Request and returns the encoded image
func (p *CaptureProcessor) Process(ctx context.Context, job *Job, progress func(int, string)) (*JobResult, error) {
	if p.client == nil {
		return nil, fmt.Errorf("browser not available")
	}

	req := job.Request
	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	opts := browser.DefaultPageOptions()
	opts.Timeout = job.TimeoutDuration()
	if req.Width > 0 && req.Height > 0 {
		opts.Width = req.Width
		opts.Height = req.Height
	}
	opts.Selector = req.Selector
	opts.Script = req.Script

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("job timed out: %w", ctx.Err())
	default:
	}

	progress(10, "Capturing "+req.URL)

	res, err := p.client.TakeScreenshot(ctx, req.URL, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("job timed out after %v: %w", job.TimeoutDuration(), ctx.Err())
		}
		return nil, fmt.Errorf("capture failed: %w", err)
	}

	progress(90, "Encoding image")

	return &JobResult{
		URL:          res.URL,
		Width:        res.Width,
		Height:       res.Height,
		Selector:     res.Selector,
		ScriptResult: res.ScriptResult,
		Format:       "png",
		Image:        base64.StdEncoding.EncodeToString(res.Image),
	}, nil
}

// webhookPayload is posted to the job's webhook on completion
type webhookPayload struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	ResultURL  string    `json:"result_url"`
	FinishedAt int64     `json:"finished_at"`
}

func notify(job *Job) {
	if job.Notify == nil || job.Notify.WebhookURL == "" {
		return
	}
	payload := webhookPayload{
		JobID:      job.ID,
		Status:     job.Status,
		Error:      job.Error,
		ResultURL:  fmt.Sprintf("/wd/jobs/%s/result", job.ID),
		FinishedAt: job.CompletedAt,
	}
	go sendWebhook(job.Notify.WebhookURL, job.Notify.WebhookSecret, payload)
}

// sendWebhook posts payload, signing the body when secret is set
func sendWebhook(webhookURL, secret string, payload webhookPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal webhook payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		log.Printf("Failed to create webhook request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wdshot-Event", "job."+string(payload.Status))
	if secret != "" {
		req.Header.Set(SignatureHeader, security.GenerateWebhookSignature(data, secret))
	}

	resp, err := webhookClient.Do(req)
	if err != nil {
		log.Printf("Failed to send webhook: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("Webhook returned error status: %d", resp.StatusCode)
	}
}
