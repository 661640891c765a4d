package codegen

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"datasage/internal/project"
)

// Cache stores generated code keyed by fingerprint. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(fingerprint string) (code string, ok bool)
	Put(fingerprint, code string) error
}

// Fingerprint identifies a generation input: the step description and the
// dataset profile hash. Either changing invalidates cached code. The digest
// is deliberately not part of the key, so cached code survives new insights;
// a step whose wording never changes reuses its code even as the digest
// grows.
func Fingerprint(step project.PlanStep, profileHash string) string {
	h := sha256.New()
	h.Write([]byte(step.Description))
	h.Write([]byte{0})
	h.Write([]byte(profileHash))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache is the in-process cache used when no durable store is wired.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]string)}
}

// Get returns the cached code for a fingerprint.
func (c *MemoryCache) Get(fingerprint string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, ok := c.entries[fingerprint]
	return code, ok
}

// Put stores code under a fingerprint, replacing any previous entry.
func (c *MemoryCache) Put(fingerprint, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = code
	return nil
}
