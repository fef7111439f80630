package browser

import "context"

// Client defines the browser operations used by the API handlers and the
// queue processor.
type Client interface {
	IsRunning() bool
	GetEndpoint() string
	SessionID() string
	TakeScreenshot(ctx context.Context, url string, opts PageOptions) (*CaptureResult, error)
	EvaluateScript(ctx context.Context, url string, script string, opts PageOptions) (interface{}, error)
}
