package posting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ClaimLocker serializes mutations per claim. Lock takes every claim in the
// set (deduplicated, in sorted order) or none of them; the returned func
// releases them all. A lock that cannot be taken yields an error wrapping
// ErrConcurrentModification.
type ClaimLocker interface {
	Lock(ctx context.Context, claimIDs []ClaimID) (unlock func(), err error)
}

// SortedClaimIDs returns the unique, non-empty ids in ascending order.
// Lockers acquire in this order so two operations sharing claims cannot
// deadlock.
func SortedClaimIDs(ids []ClaimID) []ClaimID {
	seen := make(map[ClaimID]bool, len(ids))
	out := make([]ClaimID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// LOCAL LOCKER - In-process keyed mutex
// =============================================================================

// DefaultLockWait bounds how long a mutation waits for a busy claim.
const DefaultLockWait = 5 * time.Second

type LocalLocker struct {
	Wait time.Duration

	mu    sync.Mutex
	slots map[ClaimID]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &LocalLocker{Wait: wait, slots: make(map[ClaimID]*lockSlot)}
}

func (l *LocalLocker) Lock(ctx context.Context, claimIDs []ClaimID) (func(), error) {
	ids := SortedClaimIDs(claimIDs)

	wait := l.Wait
	if wait <= 0 {
		wait = DefaultLockWait
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	held := make([]ClaimID, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}

	for _, id := range ids {
		slot := l.acquireSlot(id)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			l.dropSlot(id)
			release()
			return nil, fmt.Errorf("claim %s: %w", id, ErrConcurrentModification)
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *LocalLocker) acquireSlot(id ClaimID) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[ClaimID]*lockSlot)
	}
	slot, ok := l.slots[id]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = slot
	}
	slot.refs++
	return slot
}

func (l *LocalLocker) dropSlot(id ClaimID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.slots[id]
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, id)
	}
}

func (l *LocalLocker) release(id ClaimID) {
	l.mu.Lock()
	slot := l.slots[id]
	l.mu.Unlock()
	<-slot.ch
	l.dropSlot(id)
}
