package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrdadan/wdshot/internal/webdriver"
)

// PageOptions represents options for page operations
type PageOptions struct {
	Timeout  time.Duration `json:"timeout"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	Selector string        `json:"selector,omitempty"` // empty captures the viewport
	Script   string        `json:"script,omitempty"`   // run after navigation, before capture
}

// DefaultPageOptions returns default page options
func DefaultPageOptions() PageOptions {
	return PageOptions{
		Timeout: 30 * time.Second,
		Width:   1024,
		Height:  1024,
	}
}

// CaptureResult represents the result of a capture
type CaptureResult struct {
	URL          string      `json:"url"`
	Width        int         `json:"width,omitempty"`
	Height       int         `json:"height,omitempty"`
	Selector     string      `json:"selector,omitempty"`
	ScriptResult interface{} `json:"script_result,omitempty"`
	Image        []byte      `json:"-"`
}

// TakeScreenshot navigates to url and captures the viewport, or the first
// element matching opts.Selector.
func (m *Manager) TakeScreenshot(ctx context.Context, url string, opts PageOptions) (*CaptureResult, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	var result *CaptureResult
	err := m.withSession(ctx, func(s *webdriver.Session) error {
		res, err := capture(ctx, s, url, opts)
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EvaluateScript navigates to url and returns the decoded result of script
func (m *Manager) EvaluateScript(ctx context.Context, url string, script string, opts PageOptions) (interface{}, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	var result interface{}
	err := m.withSession(ctx, func(s *webdriver.Session) error {
		if err := openPage(ctx, s, url, opts, nil); err != nil {
			return err
		}
		v, err := webdriver.Execute[interface{}](ctx, s, script)
		if err != nil {
			return fmt.Errorf("failed to evaluate script: %w", err)
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func capture(ctx context.Context, s *webdriver.Session, url string, opts PageOptions) (*CaptureResult, error) {
	result := &CaptureResult{
		URL:      url,
		Selector: opts.Selector,
	}

	if err := openPage(ctx, s, url, opts, result); err != nil {
		return nil, err
	}

	if opts.Script != "" {
		v, err := webdriver.Execute[interface{}](ctx, s, opts.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate script: %w", err)
		}
		result.ScriptResult = v
	}

	var err error
	if opts.Selector == "" {
		result.Image, err = s.Screenshot(ctx)
	} else {
		var ref string
		ref, err = s.FindElement(ctx, opts.Selector)
		if err != nil {
			return nil, fmt.Errorf("element not found: %s: %w", opts.Selector, err)
		}
		result.Image, err = s.ElementScreenshot(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}

	return result, nil
}

// openPage applies the window size and navigates. The reported size is
// written to result when it is non-nil.
func openPage(ctx context.Context, s *webdriver.Session, url string, opts PageOptions, result *CaptureResult) error {
	if opts.Width > 0 && opts.Height > 0 {
		w, h, err := s.SetWindowSize(ctx, opts.Width, opts.Height)
		if err != nil {
			return fmt.Errorf("failed to set window size: %w", err)
		}
		if result != nil {
			result.Width, result.Height = w, h
		}
	}

	if err := s.SetURL(ctx, url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
