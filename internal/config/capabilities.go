package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Capabilities is the opaque document sent verbatim during the session
// handshake.
type Capabilities map[string]interface{}

// DefaultCapabilities requests Firefox or Chrome at 2x pixel density,
// whichever the driver serves.
func DefaultCapabilities(headless bool) Capabilities {
	firefoxArgs := []interface{}{}
	chromeArgs := []interface{}{"-hide-scrollbars"}
	if headless {
		firefoxArgs = append(firefoxArgs, "-headless")
		chromeArgs = append([]interface{}{"-headless"}, chromeArgs...)
	}

	return Capabilities{
		"alwaysMatch": map[string]interface{}{
			"moz:firefoxOptions": map[string]interface{}{
				"args":  firefoxArgs,
				"prefs": map[string]interface{}{"layout.css.devPixelsPerPx": "2"},
			},
			"goog:chromeOptions": map[string]interface{}{
				"args": chromeArgs,
			},
		},
	}
}

// Capabilities resolves the handshake document for cfg: the capabilities
// file if one is set, the defaults otherwise, with BrowserBin applied.
func (cfg *Config) Capabilities() (Capabilities, error) {
	caps, err := LoadCapabilities(cfg.CapabilitiesFile)
	if err != nil {
		return nil, err
	}
	if cfg.CapabilitiesFile == "" {
		caps = DefaultCapabilities(cfg.Headless)
	}
	if cfg.BrowserBin != "" {
		caps = caps.WithBrowserBinary(cfg.BrowserBin)
	}
	return caps, nil
}

// LoadCapabilities reads a capabilities document from a .toml or .json file.
// An empty path returns the headless defaults.
func LoadCapabilities(path string) (Capabilities, error) {
	if path == "" {
		return DefaultCapabilities(true), nil
	}

	caps := Capabilities{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &caps); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities %s: %w", path, err)
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read capabilities %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &caps); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported capabilities format: %s", path)
	}

	return caps, nil
}

// WithBrowserBinary returns a copy of caps whose vendor options point at bin.
// Existing vendor options are kept.
func (c Capabilities) WithBrowserBinary(bin string) Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}

	match := map[string]interface{}{}
	if existing, ok := out["alwaysMatch"].(map[string]interface{}); ok {
		for k, v := range existing {
			match[k] = v
		}
	}

	for _, vendor := range []string{"moz:firefoxOptions", "goog:chromeOptions"} {
		opts := map[string]interface{}{}
		if existing, ok := match[vendor].(map[string]interface{}); ok {
			for k, v := range existing {
				opts[k] = v
			}
		}
		opts["binary"] = bin
		match[vendor] = opts
	}

	out["alwaysMatch"] = match
	return out
}
