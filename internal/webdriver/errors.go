package webdriver

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrSpawn is returned when the driver executable cannot be launched.
	ErrSpawn = errors.New("webdriver: failed to spawn driver")
	// ErrDriverExited is returned when the driver process exits before the
	// session handshake succeeds.
	ErrDriverExited = errors.New("webdriver: driver process has exited")
	// ErrProtocol covers transport failures, non-2xx statuses and responses
	// that do not match the expected {"value": ...} shape.
	ErrProtocol = errors.New("webdriver: protocol error")
	// ErrDecode is returned when a screenshot payload is not valid base64.
	ErrDecode = errors.New("webdriver: invalid screenshot payload")
)

// remoteError is the W3C error payload carried in the value of a failed
// command.
type remoteError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusError(code int, body []byte) error {
	var env struct {
		Value remoteError `json:"value"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Value.Error != "" {
		if env.Value.Message != "" {
			return fmt.Errorf("%w: HTTP %d: %s: %s", ErrProtocol, code, env.Value.Error, env.Value.Message)
		}
		return fmt.Errorf("%w: HTTP %d: %s", ErrProtocol, code, env.Value.Error)
	}
	return fmt.Errorf("%w: HTTP %d", ErrProtocol, code)
}
