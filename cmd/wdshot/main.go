package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahrdadan/wdshot/internal/api"
	"github.com/ahrdadan/wdshot/internal/browser"
	"github.com/ahrdadan/wdshot/internal/config"
	"github.com/ahrdadan/wdshot/internal/nats"
	"github.com/ahrdadan/wdshot/internal/queue"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	// Parse CLI flags
	cfg := config.ParseFlags()

	// Handle --version and --help
	config.HandleFlags(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	browserManager, err := newBrowserManager(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to configure browser: %v", err)
	}

	if cfg.Serve {
		err = serve(ctx, cfg, browserManager)
	} else {
		err = capture(ctx, cfg, browserManager)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func newBrowserManager(ctx context.Context, cfg *config.Config) (*browser.Manager, error) {
	driverPath, err := browser.FindDriver(cfg.DriverPath)
	if err != nil {
		return nil, err
	}

	bin, err := browser.ResolveBrowser(ctx, cfg.BrowserBin, cfg.WithChrome, cfg.ChromeRevision)
	if err != nil {
		return nil, err
	}
	cfg.BrowserBin = bin

	caps, err := cfg.Capabilities()
	if err != nil {
		return nil, err
	}

	return browser.NewManager(browser.ManagerConfig{
		DriverPath:       driverPath,
		Port:             cfg.DriverPort,
		Capabilities:     caps,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}), nil
}

// capture runs a single screenshot and writes it to cfg.Output
func capture(ctx context.Context, cfg *config.Config, bm *browser.Manager) error {
	defer func() {
		if err := bm.Stop(); err != nil {
			log.Printf("Warning: failed to stop driver: %v", err)
		}
	}()

	if err := bm.Start(ctx); err != nil {
		return err
	}

	opts := browser.DefaultPageOptions()
	opts.Timeout = 0
	opts.Width = cfg.Width
	opts.Height = cfg.Height
	opts.Selector = cfg.Selector
	opts.Script = cfg.Script

	result, err := bm.TakeScreenshot(ctx, cfg.URL, opts)
	if err != nil {
		return err
	}

	if err := os.WriteFile(cfg.Output, result.Image, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.Output, err)
	}
	log.Printf("Wrote %s (%d bytes, window %dx%d)", cfg.Output, len(result.Image), result.Width, result.Height)
	return nil
}

// serve runs the HTTP API until ctx is canceled
func serve(ctx context.Context, cfg *config.Config, bm *browser.Manager) error {
	log.Printf("Starting %s v%s (WebDriver + Queue)", config.AppName, config.Version)

	if err := bm.Start(ctx); err != nil {
		// Commands restart the driver on demand.
		log.Printf("Warning: Failed to start driver: %v", err)
	}
	defer func() {
		if err := bm.Stop(); err != nil {
			log.Printf("Failed to stop driver: %v", err)
		}
	}()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      config.AppName,
		ErrorHandler: api.ErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())

	routes := api.SetupRoutes(app, bm, api.RouteConfig{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		BaseURL:           cfg.BaseURL,
		MaxRetries:        cfg.MaxRetries,
		ResultTTL:         cfg.ResultTTL,
	})

	// NATS + JetStream setup
	if cfg.WithNats {
		log.Printf("Setting up NATS JetStream...")

		conn, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		queueManager, err := queue.NewManager(conn.JetStream())
		if err != nil {
			return fmt.Errorf("failed to create queue manager: %w", err)
		}
		if err := queueManager.Start(queue.NewCaptureProcessor(bm)); err != nil {
			return fmt.Errorf("failed to start queue processor: %w", err)
		}
		defer queueManager.Stop()

		routes.SetupJobRoutes(queueManager)
		routes.ReportQueue(conn.IsConnected)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")
		if err := app.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Printf("Starting server on %s", addr)
	log.Printf("WebDriver endpoint: %s", bm.GetEndpoint())
	if cfg.WithNats {
		log.Printf("NATS JetStream enabled at %s", cfg.NatsURL)
	}

	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}
