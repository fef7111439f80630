package nats

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultURL is used when no NATS URL is configured
const DefaultURL = nats.DefaultURL

// Conn is a NATS connection with its JetStream context. The server must
// already be running with JetStream enabled.
type Conn struct {
	url string
	nc  *nats.Conn
	js  jetstream.JetStream
	mu  sync.Mutex
}

// Connect dials natsURL and opens a JetStream context
func Connect(natsURL string) (*Conn, error) {
	if natsURL == "" {
		natsURL = DefaultURL
	}

	addr, err := hostPort(natsURL)
	if err != nil {
		return nil, err
	}
	if !reachable(addr) {
		return nil, fmt.Errorf("NATS server not reachable at %s", natsURL)
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("wdshot"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("Warning: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Printf("Connected to NATS at %s", natsURL)
	return &Conn{url: natsURL, nc: nc, js: js}, nil
}

// JetStream returns the JetStream context
func (c *Conn) JetStream() jetstream.JetStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.js
}

// IsConnected reports whether the connection is up
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains and closes the connection
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		log.Printf("Warning: failed to drain NATS connection: %v", err)
		c.nc.Close()
	}
	c.nc = nil
	c.js = nil
	log.Println("NATS connection closed")
	return nil
}

func reachable(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// hostPort extracts host:port from a nats:// URL, defaulting the port to 4222
func hostPort(natsURL string) (string, error) {
	u, err := url.Parse(natsURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid NATS URL format: %s", natsURL)
	}
	port := u.Port()
	if port == "" {
		port = "4222"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
