package webdriver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// HandshakeInterval is the pause between New Session attempts while the
	// driver is not yet accepting connections.
	HandshakeInterval = 125 * time.Millisecond

	// ElementKey is the W3C web element identifier key.
	ElementKey = "element-6066-11e4-a52e-4f735466cecf"

	// CSSSelector is the only locator strategy used by FindElement.
	CSSSelector = "css selector"
)

// Session is an active WebDriver session bound to the driver process that
// serves it. A Session is not safe for concurrent use.
type Session struct {
	driver *Driver
	client *http.Client
	url    string
	id     string
}

// Option configures a Session before the handshake.
type Option func(*sessionOptions)

type sessionOptions struct {
	client *http.Client
	host   string
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *sessionOptions) {
		o.client = c
	}
}

// WithHost overrides the driver host (default "localhost").
func WithHost(host string) Option {
	return func(o *sessionOptions) {
		o.host = host
	}
}

// NewSession performs the New Session handshake against the driver listening
// on port. It retries every HandshakeInterval until the driver answers, the
// driver exits, or ctx is done. On failure the driver is closed.
func NewSession(ctx context.Context, driver *Driver, caps interface{}, port int, opts ...Option) (*Session, error) {
	o := sessionOptions{
		client: http.DefaultClient,
		host:   "localhost",
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		driver: driver,
		client: o.client,
		url:    fmt.Sprintf("http://%s:%d", o.host, port),
	}

	id, err := s.handshake(ctx, caps)
	if err != nil {
		driver.Close()
		return nil, err
	}
	s.id = id

	return s, nil
}

func (s *Session) handshake(ctx context.Context, caps interface{}) (string, error) {
	body, err := json.Marshal(map[string]interface{}{"capabilities": caps})
	if err != nil {
		return "", fmt.Errorf("%w: encoding capabilities: %w", ErrProtocol, err)
	}

	var resp *http.Response
	for {
		resp, err = s.send(ctx, http.MethodPost, s.url+"/session", body)
		if err == nil {
			break
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: handshake: %w", ErrProtocol, ctx.Err())
		case <-s.driver.Done():
			return "", ErrDriverExited
		case <-time.After(HandshakeInterval):
		}
	}

	created, err := decodeValue[struct {
		SessionID string `json:"sessionId"`
	}](resp)
	if err != nil {
		return "", err
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrProtocol)
	}

	return created.SessionID, nil
}

// ID returns the session identifier assigned by the driver.
func (s *Session) ID() string {
	return s.id
}

// BaseURL returns the driver base URL, e.g. http://localhost:4444.
func (s *Session) BaseURL() string {
	return s.url
}

// Driver returns the driver process backing the session.
func (s *Session) Driver() *Driver {
	return s.driver
}

// Close terminates the driver process, which also ends the session.
func (s *Session) Close() {
	s.driver.Close()
}

// SetURL navigates the current top-level browsing context to url.
func (s *Session) SetURL(ctx context.Context, target string) error {
	_, err := post[json.RawMessage](ctx, s, "url", map[string]string{"url": target})
	return err
}

type windowRect struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SetWindowSize resizes the window and returns the size the driver reports
// back, which may differ from the request.
func (s *Session) SetWindowSize(ctx context.Context, width, height int) (int, int, error) {
	rect, err := post[windowRect](ctx, s, "window/rect", windowRect{Width: width, Height: height})
	if err != nil {
		return 0, 0, err
	}
	return rect.Width, rect.Height, nil
}

// Execute runs script synchronously in the page and decodes its return value
// into T.
func Execute[T any](ctx context.Context, s *Session, script string, args ...interface{}) (T, error) {
	if args == nil {
		args = []interface{}{}
	}
	return post[T](ctx, s, "execute/sync", map[string]interface{}{
		"script": script,
		"args":   args,
	})
}

// Screenshot captures the current viewport.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	encoded, err := get[string](ctx, s, "screenshot")
	if err != nil {
		return nil, err
	}
	return decodeImage(encoded)
}

// FindElement returns the reference of the first element matching the CSS
// selector.
func (s *Session) FindElement(ctx context.Context, selector string) (string, error) {
	ref, err := post[map[string]string](ctx, s, "element", map[string]string{
		"using": CSSSelector,
		"value": selector,
	})
	if err != nil {
		return "", err
	}
	if id := ref[ElementKey]; id != "" {
		return id, nil
	}
	// chromedriver in legacy mode
	if id := ref["ELEMENT"]; id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: no element reference in response", ErrProtocol)
}

// ElementScreenshot captures the area of the referenced element.
func (s *Session) ElementScreenshot(ctx context.Context, element string) ([]byte, error) {
	encoded, err := get[string](ctx, s, "element/"+url.PathEscape(element)+"/screenshot")
	if err != nil {
		return nil, err
	}
	return decodeImage(encoded)
}

func decodeImage(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return data, nil
}

func get[T any](ctx context.Context, s *Session, path string) (T, error) {
	resp, err := s.send(ctx, http.MethodGet, s.commandURL(path), nil)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: GET %s: %w", ErrProtocol, path, err)
	}
	return decodeValue[T](resp)
}

func post[T any](ctx context.Context, s *Session, path string, params interface{}) (T, error) {
	var zero T
	body, err := json.Marshal(params)
	if err != nil {
		return zero, fmt.Errorf("%w: encoding %s request: %w", ErrProtocol, path, err)
	}
	resp, err := s.send(ctx, http.MethodPost, s.commandURL(path), body)
	if err != nil {
		return zero, fmt.Errorf("%w: POST %s: %w", ErrProtocol, path, err)
	}
	return decodeValue[T](resp)
}

func (s *Session) commandURL(path string) string {
	return s.url + "/session/" + s.id + "/" + path
}

func (s *Session) send(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")
	return s.client.Do(req)
}

// decodeValue unwraps the {"value": T} envelope and closes the body.
func decodeValue[T any](resp *http.Response) (T, error) {
	var zero T
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("%w: reading response: %w", ErrProtocol, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zero, statusError(resp.StatusCode, data)
	}

	var env struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, fmt.Errorf("%w: response must be a JSON object: %w", ErrProtocol, err)
	}
	if len(env.Value) == 0 {
		return zero, fmt.Errorf("%w: response has no value", ErrProtocol)
	}

	var value T
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return zero, fmt.Errorf("%w: unexpected value: %w", ErrProtocol, err)
	}
	return value, nil
}
