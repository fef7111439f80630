package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// IdempotencyStore remembers the response to a keyed request for a TTL
type IdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]*IdempotencyEntry
	ttl  time.Duration
}

// IdempotencyEntry represents a stored idempotency key
type IdempotencyEntry struct {
	Key       string      `json:"key"`
	JobID     string      `json:"job_id"`
	Response  interface{} `json:"response"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// NewIdempotencyStore creates a new idempotency store
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		keys: make(map[string]*IdempotencyEntry),
		ttl:  ttl,
	}
}

// Check returns the cached entry for key if it has not expired. Expired
// entries are dropped on the way.
func (s *IdempotencyStore) Check(key string) (*IdempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(s.keys, key)
		return nil, false
	}
	return entry, true
}

// Store stores an idempotency key with its response
func (s *IdempotencyStore) Store(key, jobID string, response interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key] = &IdempotencyEntry{
		Key:       key,
		JobID:     jobID,
		Response:  response,
		ExpiresAt: time.Now().Add(s.ttl),
	}
}

// GenerateWebhookSignature generates the hex HMAC-SHA256 of a webhook payload
func GenerateWebhookSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	expected := GenerateWebhookSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
