package wallet

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/parley-trade/parley/internal/retry"
)

// HTTPBroadcaster submits raw transactions to a settlement node over HTTP.
type HTTPBroadcaster struct {
	url    string
	client *http.Client
}

// NewHTTPBroadcaster creates a broadcaster posting to the given endpoint.
func NewHTTPBroadcaster(url string) *HTTPBroadcaster {
	return &HTTPBroadcaster{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *HTTPBroadcaster) Submit(ctx context.Context, txID string, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tx-Id", txID)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("node returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors are structural; retrying will not help.
		return retry.Permanent(fmt.Errorf("node rejected tx %s: %d", txID, resp.StatusCode))
	}
	return nil
}

// MemoryBroadcaster records submissions in memory. Used in dev mode and in
// tests, with optional failure injection.
type MemoryBroadcaster struct {
	mu        sync.Mutex
	submitted map[string][]byte
	failures  int // fail this many submissions before accepting
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{submitted: make(map[string][]byte)}
}

// FailNext makes the next n submissions fail.
func (b *MemoryBroadcaster) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

func (b *MemoryBroadcaster) Submit(_ context.Context, txID string, raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return fmt.Errorf("injected broadcast failure")
	}
	b.submitted[txID] = append([]byte(nil), raw...)
	return nil
}

// Submitted reports whether a transaction was accepted.
func (b *MemoryBroadcaster) Submitted(txID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.submitted[txID]
	return ok
}

// Compile-time interface checks.
var (
	_ Broadcaster = (*HTTPBroadcaster)(nil)
	_ Broadcaster = (*MemoryBroadcaster)(nil)
)
