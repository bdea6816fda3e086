package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/lockflow/pkg/schema"
)

type entryState int

const (
	stateReady entryState = iota
	stateLeased
	stateAcked
	stateDead
)

type entryKey struct {
	messageID    string
	subscription string
}

type entry struct {
	msg       *schema.Message
	state     entryState
	count     int
	visibleAt time.Time
	token     string
	lastErr   string
	seq       uint64
}

// MemoryChannel is an in-process Channel. Acked entries are kept so a
// republished message ID stays deduplicated for the channel's lifetime.
type MemoryChannel struct {
	mu      sync.Mutex
	topo    Topology
	opts    options
	entries map[entryKey]*entry
	dead    map[string][]DeadLetter
	seq     uint64
	closed  bool
}

// NewMemoryChannel creates a MemoryChannel for the given topology.
func NewMemoryChannel(topo Topology, opts ...Option) (*MemoryChannel, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &MemoryChannel{
		topo:    topo,
		opts:    buildOptions(opts),
		entries: make(map[entryKey]*entry),
		dead:    make(map[string][]DeadLetter),
	}, nil
}

func (c *MemoryChannel) Publish(ctx context.Context, msg *schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subs, err := checkPublish(c.topo, msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	now := c.opts.now()
	for _, s := range subs {
		key := entryKey{messageID: msg.ID, subscription: s.Name}
		if _, ok := c.entries[key]; ok {
			continue
		}
		c.seq++
		cp := *msg
		c.entries[key] = &entry{msg: &cp, visibleAt: now, seq: c.seq}
	}
	return nil
}

func (c *MemoryChannel) Receive(ctx context.Context, subscription string, max int) ([]*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, ok := c.topo.Lookup(subscription)
	if !ok {
		return nil, unknownSubscription(subscription)
	}
	if max <= 0 {
		max = 1
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	now := c.opts.now()

	var visible []*entry
	for key, e := range c.entries {
		if key.subscription != subscription {
			continue
		}
		if (e.state == stateReady || e.state == stateLeased) && !e.visibleAt.After(now) {
			visible = append(visible, e)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })

	var out []*Delivery
	var dead []DeadLetter
	for _, e := range visible {
		if len(out) == max {
			break
		}
		if e.count >= sub.MaxDeliveries {
			dead = append(dead, c.kill(subscription, e, reasonLeaseExpired, now))
			continue
		}
		e.state = stateLeased
		e.count++
		e.token = uuid.NewString()
		e.visibleAt = now.Add(sub.VisibilityTimeout)
		out = append(out, &Delivery{
			Message:        deliveredMessage(e.msg, e.count),
			Subscription:   subscription,
			DeliveryCount:  e.count,
			LeaseToken:     e.token,
			LeaseExpiresAt: e.visibleAt,
		})
	}
	c.mu.Unlock()

	c.opts.fire(ctx, dead)
	return out, nil
}

func (c *MemoryChannel) Ack(ctx context.Context, d *Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.leased(d)
	if err != nil {
		return err
	}
	e.state = stateAcked
	e.token = ""
	return nil
}

func (c *MemoryChannel) Nack(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	sub, ok := c.topo.Lookup(d.Subscription)
	if !ok {
		return unknownSubscription(d.Subscription)
	}

	c.mu.Lock()
	e, err := c.leased(d)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.opts.now()
	if e.count >= sub.MaxDeliveries {
		dl := c.kill(d.Subscription, e, reason, now)
		c.mu.Unlock()
		c.opts.fire(ctx, []DeadLetter{dl})
		return ErrDeadLettered
	}
	e.state = stateReady
	e.token = ""
	e.lastErr = reason
	e.visibleAt = now.Add(delay)
	c.mu.Unlock()
	return nil
}

func (c *MemoryChannel) DeadLetters(ctx context.Context, subscription string) ([]DeadLetter, error) {
	if _, ok := c.topo.Lookup(subscription); !ok {
		return nil, unknownSubscription(subscription)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeadLetter, len(c.dead[subscription]))
	copy(out, c.dead[subscription])
	return out, nil
}

// Pending returns the number of unacked, non-dead entries for a subscription.
func (c *MemoryChannel) Pending(subscription string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if key.subscription == subscription && (e.state == stateReady || e.state == stateLeased) {
			n++
		}
	}
	return n
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// leased returns the entry d refers to if d still holds its lease.
// Must be called with c.mu held.
func (c *MemoryChannel) leased(d *Delivery) (*entry, error) {
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries[entryKey{messageID: d.Message.ID, subscription: d.Subscription}]
	if !ok || e.state != stateLeased || e.token != d.LeaseToken {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, describe(d))
	}
	return e, nil
}

// kill moves e to the dead-letter set. Must be called with c.mu held.
func (c *MemoryChannel) kill(subscription string, e *entry, reason string, now time.Time) DeadLetter {
	e.state = stateDead
	e.token = ""
	e.lastErr = reason
	dl := DeadLetter{
		Message:       deliveredMessage(e.msg, e.count),
		Subscription:  subscription,
		DeliveryCount: e.count,
		Reason:        reason,
		At:            now,
	}
	c.dead[subscription] = append(c.dead[subscription], dl)
	return dl
}
