package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ahrdadan/wdshot/internal/webdriver"
)

// ManagerConfig holds the driver settings for a Manager
type ManagerConfig struct {
	DriverPath       string
	Port             int
	Capabilities     interface{}
	Host             string        // default "localhost"
	HandshakeTimeout time.Duration // 0 waits until the driver answers or exits
}

// Manager owns one WebDriver driver process and its session. Commands are
// serialized because a session handles one command at a time.
type Manager struct {
	cfg     ManagerConfig
	mu      sync.Mutex
	session *webdriver.Session
}

// NewManager creates a new manager; the driver is not started yet
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	return &Manager{cfg: cfg}
}

// FindDriver resolves a driver binary name to a path. It looks next to the
// executable and in ./bin before falling back to PATH.
func FindDriver(name string) (string, error) {
	if filepath.IsAbs(name) || filepath.Base(name) != name {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("driver binary not found: %w", err)
		}
		return name, nil
	}

	var searchPaths []string
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		searchPaths = append(searchPaths, execDir, filepath.Join(execDir, "bin"))
	}
	searchPaths = append(searchPaths, "./bin")

	for _, searchPath := range searchPaths {
		fullPath := filepath.Join(searchPath, name)
		if info, err := os.Stat(fullPath); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return fullPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("driver binary %s not found: %w", name, err)
	}
	return path, nil
}

// Start launches the driver and performs the session handshake
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(ctx)
}

func (m *Manager) start(ctx context.Context) error {
	if m.session != nil && !m.session.Driver().Exited() {
		return nil
	}

	driver, err := webdriver.StartDriver(exec.Command(m.cfg.DriverPath), m.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to start driver: %w", err)
	}

	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	session, err := webdriver.NewSession(ctx, driver, m.cfg.Capabilities, m.cfg.Port, webdriver.WithHost(m.cfg.Host))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	m.session = session
	log.Printf("WebDriver session %s started on %s (pid %d)", session.ID(), session.BaseURL(), driver.Pid())
	return nil
}

// Stop terminates the driver, which ends the session
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}

	m.session.Close()
	m.session = nil

	log.Println("WebDriver driver stopped")
	return nil
}

// IsRunning reports whether the driver is alive with an active session
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && !m.session.Driver().Exited()
}

// GetEndpoint returns the driver base URL
func (m *Manager) GetEndpoint() string {
	return fmt.Sprintf("http://%s:%d", m.cfg.Host, m.cfg.Port)
}

// SessionID returns the current session id, or "" when not running
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID()
}

// withSession runs fn with exclusive use of the session, restarting the
// driver first if it has died since the last command.
func (m *Manager) withSession(ctx context.Context, fn func(*webdriver.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.Driver().Exited() {
		log.Printf("Warning: driver for session %s exited, restarting", m.session.ID())
		m.session.Close()
		m.session = nil
	}

	if m.session == nil {
		if err := m.start(ctx); err != nil {
			return err
		}
	}

	err := fn(m.session)
	if err != nil && errors.Is(err, webdriver.ErrProtocol) && m.session.Driver().Exited() {
		log.Printf("Warning: driver exited during command: %v", err)
	}
	return err
}
