package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan TransitionEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub implementation using channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers. It never blocks: a
// subscriber whose buffer is full misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event TransitionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscriber. The returned cancel function
// unregisters it and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan TransitionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan TransitionEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel, nil
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// TransitionHook adapts the hub to engine.TransitionHook so every committed
// transition is broadcast.
func (h *MemoryHub) TransitionHook(ctx context.Context, rec *store.RateLockRecord, from, to schema.LockStatus) error {
	return h.Publish(ctx, TransitionEvent{
		LoanLockID:        rec.ID,
		LoanApplicationID: rec.LoanApplicationID,
		From:              from,
		To:                to,
		Version:           rec.Version,
		At:                rec.UpdatedAt,
	})
}

// Matches reports whether e passes the filter. Empty fields match anything.
func (f EventFilter) Matches(e TransitionEvent) bool {
	if f.LoanLockID != "" && f.LoanLockID != e.LoanLockID {
		return false
	}
	return len(f.ToStates) == 0 || slices.Contains(f.ToStates, e.To)
}
