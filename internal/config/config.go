package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

const (
	// Version is the current version of wdshot
	Version = "1"
	// AppName is the application name
	AppName = "wdshot"
)

// Config holds all configuration options for wdshot
type Config struct {
	// Driver (WebDriver server process)
	DriverPath       string
	DriverPort       int
	CapabilitiesFile string
	HandshakeTimeout time.Duration

	// Browser binary handed to the driver through capabilities
	BrowserBin     string
	WithChrome     bool
	ChromeRevision int
	Headless       bool

	// One-shot capture
	URL      string
	Width    int
	Height   int
	Selector string
	Script   string
	Output   string

	// Server
	Serve   bool
	Host    string
	Port    int
	BaseURL string // Full base URL for API responses (e.g., http://localhost:8000)

	// Queue (NATS JetStream)
	WithNats bool
	NatsURL  string

	// Security
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window for rate limiting
	IdempotencyTTL    time.Duration // TTL for idempotency keys
	ResultTTL         time.Duration // TTL for job results
	MaxRetries        int           // Maximum retries per job

	// Flags
	ShowVersion bool
	ShowHelp    bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DriverPath:        "geckodriver",
		DriverPort:        4444,
		CapabilitiesFile:  "",
		HandshakeTimeout:  0, // wait until the driver answers or exits
		BrowserBin:        "",
		WithChrome:        false,
		ChromeRevision:    0,
		Headless:          true,
		URL:               "https://mimosa-pudica.net/",
		Width:             1024,
		Height:            1024,
		Selector:          "html",
		Script:            "return document.body.textContent",
		Output:            "test0.png",
		Serve:             false,
		Host:              "0.0.0.0",
		Port:              8000,
		BaseURL:           "",
		WithNats:          false,
		NatsURL:           "nats://127.0.0.1:4222",
		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		ResultTTL:         24 * time.Hour,
		MaxRetries:        3,
		ShowVersion:       false,
		ShowHelp:          false,
	}
}

// Parse parses args into a config. It does not touch the global FlagSet.
func Parse(args []string) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)

	// Driver flags
	fs.StringVar(&cfg.DriverPath, "driver", cfg.DriverPath, "WebDriver server binary (geckodriver, chromedriver)")
	fs.IntVar(&cfg.DriverPort, "driver-port", cfg.DriverPort, "Port passed to the driver as --port")
	fs.StringVar(&cfg.CapabilitiesFile, "capabilities", cfg.CapabilitiesFile, "Capabilities document (.toml or .json)")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Give up on the session handshake after this long (0 waits forever)")

	// Browser flags
	fs.StringVar(&cfg.BrowserBin, "browser-bin", cfg.BrowserBin, "Browser binary written into the capabilities")
	fs.BoolVar(&cfg.WithChrome, "with-chrome", cfg.WithChrome, "Download Chromium and point the capabilities at it")
	fs.IntVar(&cfg.ChromeRevision, "chrome-revision", cfg.ChromeRevision, "Chromium revision to download (0 uses default)")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run the browser headless")

	// Capture flags
	fs.StringVar(&cfg.URL, "url", cfg.URL, "Page to capture")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "Window width")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "Window height")
	fs.StringVar(&cfg.Selector, "selector", cfg.Selector, "CSS selector of the element to capture (empty captures the viewport)")
	fs.StringVar(&cfg.Script, "script", cfg.Script, "Script executed after navigation")
	fs.StringVar(&cfg.Output, "out", cfg.Output, "Output image file")

	// Server flags
	fs.BoolVar(&cfg.Serve, "serve", cfg.Serve, "Run the HTTP API instead of a one-shot capture")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind the server")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port number for the server")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Base URL for API responses (e.g., http://localhost:8000)")

	// NATS flags
	fs.BoolVar(&cfg.WithNats, "with-nats", cfg.WithNats, "Enable the NATS JetStream capture queue")
	fs.StringVar(&cfg.NatsURL, "nats-url", cfg.NatsURL, "NATS server URL")

	// Security flags
	fs.IntVar(&cfg.RateLimitRequests, "rate-limit", cfg.RateLimitRequests, "Rate limit requests per window")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", cfg.RateLimitWindow, "Rate limit window")
	fs.DurationVar(&cfg.IdempotencyTTL, "idempotency-ttl", cfg.IdempotencyTTL, "How long idempotency keys are remembered")
	fs.DurationVar(&cfg.ResultTTL, "result-ttl", cfg.ResultTTL, "How long job results are kept")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum retries per job (1-10)")

	// Other flags
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help message")

	fs.Usage = PrintHelp

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Auto-generate BaseURL if not provided
	if cfg.BaseURL == "" {
		host := cfg.Host
		if host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", host, cfg.Port)
	}

	// Validate
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxRetries > 10 {
		cfg.MaxRetries = 10
	}
	if cfg.RateLimitRequests < 1 {
		cfg.RateLimitRequests = 60
	}
	if cfg.RateLimitWindow <= 0 || cfg.IdempotencyTTL <= 0 || cfg.ResultTTL <= 0 {
		return nil, fmt.Errorf("rate limit window and TTLs must be positive")
	}
	if cfg.DriverPort <= 0 || cfg.DriverPort > 65535 {
		return nil, fmt.Errorf("invalid driver port: %d", cfg.DriverPort)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid window size: %dx%d", cfg.Width, cfg.Height)
	}

	return cfg, nil
}

// ParseFlags parses the command line and exits on invalid flags
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		}
		os.Exit(2)
	}
	return cfg
}

// PrintVersion prints version information
func PrintVersion() {
	fmt.Printf("%s v%s\n", AppName, Version)
}

// PrintHelp prints help information
func PrintHelp() {
	d := DefaultConfig()
	fmt.Printf(`%s v%s (WebDriver screenshots)

Usage:
  ./wdshot [flags]

Driver:
  --driver            %s
  --driver-port       %d
  --capabilities      path to .toml or .json (built-in default if empty)
  --handshake-timeout %v (0 waits until the driver answers or exits)

Browser:
  --browser-bin       browser binary for the capabilities
  --with-chrome       %v
  --chrome-revision   %d
  --headless          %v

Capture:
  --url               %s
  --width             %d
  --height            %d
  --selector          %s
  --script            %s
  --out               %s

Server:
  --serve             %v
  --host              %s
  --port              %d
  --base-url          (auto-generated if empty)

Queue (NATS JetStream):
  --with-nats         %v
  --nats-url          %s

Security:
  --rate-limit        %d (requests per window)
  --rate-limit-window %v
  --idempotency-ttl   %v
  --result-ttl        %v
  --max-retries       %d (max retries per job)

Other:
  --version           show version
  --help              show this help

`, AppName, Version,
		d.DriverPath, d.DriverPort, d.HandshakeTimeout,
		d.WithChrome, d.ChromeRevision, d.Headless,
		d.URL, d.Width, d.Height, d.Selector, d.Script, d.Output,
		d.Serve, d.Host, d.Port,
		d.WithNats, d.NatsURL,
		d.RateLimitRequests, d.RateLimitWindow, d.IdempotencyTTL, d.ResultTTL, d.MaxRetries)
}

// HandleFlags handles version and help flags, exits if needed
func HandleFlags(cfg *Config) {
	if cfg.ShowVersion {
		PrintVersion()
		os.Exit(0)
	}

	if cfg.ShowHelp {
		PrintHelp()
		os.Exit(0)
	}
}
