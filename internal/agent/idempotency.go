package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nanobot-ai/nanobot/internal/wire"
)

// ErrRequestIDConflict is returned when a request id is reused with a
// different payload on the same connection.
var ErrRequestIDConflict = errors.New("nanobot: request id reused with different payload")

// Fingerprint hashes the request payload excluding the request id, so
// a retry of the same call matches and a reused id with a different
// payload does not.
func Fingerprint(req wire.Request) string {
	req.RequestID = ""
	data, err := json.Marshal(req)
	if err != nil {
		return "unfingerprintable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type idemEntry struct {
	fingerprint string
	done        chan struct{}
	resp        wire.Response
}

// idemCache deduplicates requests per connection. A retried request
// either attaches to the in-flight execution or gets the cached
// result; side effects run at most once per (id, payload).
type idemCache struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
}

func newIdemCache() *idemCache {
	return &idemCache{entries: make(map[string]*idemEntry)}
}

// Do runs fn under the idempotency contract for (id, fingerprint).
func (c *idemCache) Do(id, fingerprint string, fn func() wire.Response) (wire.Response, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		if e.fingerprint != fingerprint {
			c.mu.Unlock()
			return wire.Response{}, ErrRequestIDConflict
		}
		c.mu.Unlock()
		<-e.done
		return e.resp, nil
	}
	e := &idemEntry{fingerprint: fingerprint, done: make(chan struct{})}
	c.entries[id] = e
	c.mu.Unlock()

	e.resp = fn()
	close(e.done)
	return e.resp, nil
}
