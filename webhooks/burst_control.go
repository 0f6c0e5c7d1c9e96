package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// BurstController drops a delivery whose body was already seen inside the
// window. Meta retries a slow delivery with an identical body, so the second
// copy would only hit the dedup ledger for every event it carries.
type BurstController interface {
	Allow(delivery Delivery) bool
}

type BurstOptions struct {
	Window     time.Duration
	MaxEntries int
	Now        func() time.Time
}

type CoalescingBurstController struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewBurstController(opts BurstOptions) *CoalescingBurstController {
	window := opts.Window
	if window <= 0 {
		window = 2 * time.Second
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CoalescingBurstController{
		window:     window,
		maxEntries: maxEntries,
		now:        now,
		entries:    map[string]time.Time{},
	}
}

func (c *CoalescingBurstController) Allow(delivery Delivery) bool {
	if c == nil || len(delivery.Body) == 0 {
		return true
	}
	key := bodyDigest(delivery.Body)
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	lastSeen, exists := c.entries[key]
	c.cleanup(now)
	if exists && now.Sub(lastSeen) < c.window {
		return false
	}
	c.entries[key] = now
	return true
}

func (c *CoalescingBurstController) cleanup(now time.Time) {
	for key, seenAt := range c.entries {
		if now.Sub(seenAt) >= c.window {
			delete(c.entries, key)
		}
	}
	for key := range c.entries {
		if len(c.entries) < c.maxEntries {
			break
		}
		delete(c.entries, key)
	}
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

var _ BurstController = (*CoalescingBurstController)(nil)
