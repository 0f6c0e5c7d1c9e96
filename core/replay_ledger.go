package core

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultDedupRetention = 24 * time.Hour
const defaultDedupMaxEntries = 100_000

// MemoryDedupLedger remembers admitted (account, event) pairs for the
// retention window. Check and mark happen in one critical section.
type MemoryDedupLedger struct {
	mu         sync.Mutex
	retention  time.Duration
	maxEntries int
	entries    map[eventKey]time.Time
	expiries   expiryHeap
	Now        func() time.Time
}

func NewMemoryDedupLedger(retention time.Duration) *MemoryDedupLedger {
	return NewMemoryDedupLedgerWithLimits(retention, defaultDedupMaxEntries)
}

func NewMemoryDedupLedgerWithLimits(retention time.Duration, maxEntries int) *MemoryDedupLedger {
	if retention <= 0 {
		retention = defaultDedupRetention
	}
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxEntries
	}
	return &MemoryDedupLedger{
		retention:  retention,
		maxEntries: maxEntries,
		entries:    map[eventKey]time.Time{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *MemoryDedupLedger) Admit(_ context.Context, accountID, eventID string) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("core: dedup ledger is not configured")
	}
	key, err := ledgerKey(accountID, eventID)
	if err != nil {
		return false, err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if expiresAt, ok := l.entries[key]; ok {
		if now.Before(expiresAt) {
			return false, nil
		}
		delete(l.entries, key)
	}
	l.enforceCapacityLocked(now, 1)
	expiresAt := now.Add(l.retention)
	l.entries[key] = expiresAt
	heap.Push(&l.expiries, ledgerExpiry{key: key, expiresAt: expiresAt})
	l.compactLocked()
	return true, nil
}

func (l *MemoryDedupLedger) Release(_ context.Context, accountID, eventID string) error {
	if l == nil {
		return fmt.Errorf("core: dedup ledger is not configured")
	}
	key, err := ledgerKey(accountID, eventID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	l.compactLocked()
	return nil
}

func (l *MemoryDedupLedger) PurgeExpired(_ context.Context) (int, error) {
	if l == nil {
		return 0, fmt.Errorf("core: dedup ledger is not configured")
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneExpiredLocked(now), nil
}

func (l *MemoryDedupLedger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryDedupLedger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// pruneExpiredLocked pops expired heads off the expiry heap. Heap items whose
// key was released or re-admitted are stale and only discarded.
func (l *MemoryDedupLedger) pruneExpiredLocked(now time.Time) int {
	pruned := 0
	for l.expiries.Len() > 0 && !now.Before(l.expiries[0].expiresAt) {
		item := heap.Pop(&l.expiries).(ledgerExpiry)
		if l.live(item) {
			delete(l.entries, item.key)
			pruned++
		}
	}
	return pruned
}

// enforceCapacityLocked drops expired entries first, then the entries closest
// to expiry, so the newest admissions are the last to be forgotten.
func (l *MemoryDedupLedger) enforceCapacityLocked(now time.Time, incoming int) {
	if l.maxEntries <= 0 || len(l.entries)+incoming <= l.maxEntries {
		return
	}
	l.pruneExpiredLocked(now)
	target := l.maxEntries - incoming
	if target < 0 {
		target = 0
	}
	for len(l.entries) > target && l.expiries.Len() > 0 {
		item := heap.Pop(&l.expiries).(ledgerExpiry)
		if l.live(item) {
			delete(l.entries, item.key)
		}
	}
}

func (l *MemoryDedupLedger) live(item ledgerExpiry) bool {
	expiresAt, ok := l.entries[item.key]
	return ok && expiresAt.Equal(item.expiresAt)
}

// compactLocked rebuilds the heap once stale items outnumber live entries.
func (l *MemoryDedupLedger) compactLocked() {
	if l.expiries.Len() <= 2*len(l.entries)+64 {
		return
	}
	items := make(expiryHeap, 0, len(l.entries))
	for key, expiresAt := range l.entries {
		items = append(items, ledgerExpiry{key: key, expiresAt: expiresAt})
	}
	heap.Init(&items)
	l.expiries = items
}

// eventKey identifies one (account, event) pair. A struct key keeps pairs
// distinct whatever characters the identifiers contain.
type eventKey struct {
	account string
	event   string
}

func ledgerKey(accountID, eventID string) (eventKey, error) {
	accountID = strings.TrimSpace(accountID)
	eventID = strings.TrimSpace(eventID)
	if accountID == "" {
		return eventKey{}, fmt.Errorf("core: dedup account id is required")
	}
	if eventID == "" {
		return eventKey{}, fmt.Errorf("core: dedup event id is required")
	}
	return eventKey{account: accountID, event: eventID}, nil
}

type ledgerExpiry struct {
	key       eventKey
	expiresAt time.Time
}

type expiryHeap []ledgerExpiry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(ledgerExpiry)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ DedupLedger = (*MemoryDedupLedger)(nil)
