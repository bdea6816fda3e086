package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/lockflow/pkg/schema"
)

var (
	// ErrDeadLettered is returned by Nack when the delivery used its last
	// attempt and was moved to the dead-letter set.
	ErrDeadLettered = errors.New("delivery dead-lettered")
	// ErrLeaseLost is returned when a delivery is acked or nacked after its
	// lease expired and the message was handed to another consumer.
	ErrLeaseLost = errors.New("delivery lease lost")
	// ErrClosed is returned by every operation on a closed channel.
	ErrClosed = errors.New("channel closed")
)

// Subscription names.
const (
	SubIntake     = "intake"
	SubContext    = "context"
	SubRates      = "rates"
	SubCompliance = "compliance"
	SubLock       = "lock"
	SubMonitor    = "monitor"
	SubExceptions = "exceptions"
	SubAudit      = "audit"
)

// Subscription is a named consumer group. Every subscription that accepts a
// message type receives its own copy of each message of that type.
type Subscription struct {
	Name              string               `json:"name"`
	Types             []schema.MessageType `json:"types"`
	MaxDeliveries     int                  `json:"max_deliveries"`
	VisibilityTimeout time.Duration        `json:"visibility_timeout"`
}

// Accepts reports whether the subscription routes messages of type t.
func (s Subscription) Accepts(t schema.MessageType) bool {
	for _, typ := range s.Types {
		if typ == t {
			return true
		}
	}
	return false
}

// Topology is the set of subscriptions a channel routes to.
type Topology struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// DefaultTopology returns the stage wiring: one subscription per stage,
// with lock outcomes fanned out to the audit subscription.
func DefaultTopology(maxDeliveries int, visibility time.Duration) Topology {
	sub := func(name string, types ...schema.MessageType) Subscription {
		return Subscription{Name: name, Types: types, MaxDeliveries: maxDeliveries, VisibilityTimeout: visibility}
	}
	return Topology{Subscriptions: []Subscription{
		sub(SubIntake, schema.MsgNewRequest),
		sub(SubContext, schema.MsgContextRequested),
		sub(SubRates, schema.MsgContextRetrieved),
		sub(SubCompliance, schema.MsgRatesPresented),
		sub(SubLock, schema.MsgCompliancePassed),
		sub(SubMonitor, schema.MsgLockExpired, schema.MsgCancellationRequested),
		sub(SubExceptions, schema.MsgExceptionOccurred, schema.MsgComplianceFailed),
		sub(SubAudit, schema.MsgAuditEvent, schema.MsgLockConfirmed, schema.MsgComplianceFailed),
	}}
}

// Route returns the subscriptions that receive messages of type t.
func (t Topology) Route(typ schema.MessageType) []Subscription {
	var out []Subscription
	for _, s := range t.Subscriptions {
		if s.Accepts(typ) {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns the named subscription.
func (t Topology) Lookup(name string) (Subscription, bool) {
	for _, s := range t.Subscriptions {
		if s.Name == name {
			return s, true
		}
	}
	return Subscription{}, false
}

// Validate checks that subscription names are unique and bounds are positive.
func (t Topology) Validate() error {
	seen := make(map[string]bool, len(t.Subscriptions))
	for _, s := range t.Subscriptions {
		if s.Name == "" {
			return schema.NewError(schema.ErrCodeValidation, "subscription name is required")
		}
		if seen[s.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate subscription %q", s.Name)
		}
		seen[s.Name] = true
		if s.MaxDeliveries < 1 {
			return schema.NewErrorf(schema.ErrCodeValidation, "subscription %q: max_deliveries must be >= 1", s.Name)
		}
		if s.VisibilityTimeout <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "subscription %q: visibility_timeout must be positive", s.Name)
		}
	}
	return nil
}

// Delivery is one leased copy of a message for one subscription.
type Delivery struct {
	Message        *schema.Message
	Subscription   string
	DeliveryCount  int
	LeaseToken     string
	LeaseExpiresAt time.Time
}

// DeadLetter is a message that exhausted its delivery bound.
type DeadLetter struct {
	Message       *schema.Message `json:"message"`
	Subscription  string          `json:"subscription"`
	DeliveryCount int             `json:"delivery_count"`
	Reason        string          `json:"reason"`
	At            time.Time       `json:"at"`
}

// DeadLetterHook is invoked once for every message moved to the dead-letter
// set, after the move is durable.
type DeadLetterHook func(ctx context.Context, dl DeadLetter)

// Channel is the at-least-once message transport between stages.
type Channel interface {
	// Publish routes msg to every accepting subscription. Publishing a
	// message ID a subscription already holds is a no-op for it.
	Publish(ctx context.Context, msg *schema.Message) error
	// Receive leases up to max visible deliveries for the subscription.
	Receive(ctx context.Context, subscription string, max int) ([]*Delivery, error)
	// Ack removes the delivery.
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the delivery visible again after delay, or dead-letters
	// it when the delivery bound is reached.
	Nack(ctx context.Context, d *Delivery, delay time.Duration, reason string) error
	DeadLetters(ctx context.Context, subscription string) ([]DeadLetter, error)
	Close() error
}

type options struct {
	hook DeadLetterHook
	now  func() time.Time
}

// Option configures a channel.
type Option func(*options)

// WithDeadLetterHook sets the function called for each dead-lettered message.
func WithDeadLetterHook(hook DeadLetterHook) Option {
	return func(o *options) { o.hook = hook }
}

// WithClock overrides the time source used for leases and delays.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) fire(ctx context.Context, dls []DeadLetter) {
	if o.hook == nil {
		return
	}
	for _, dl := range dls {
		o.hook(ctx, dl)
	}
}

func checkPublish(topo Topology, msg *schema.Message) ([]Subscription, error) {
	if msg == nil || msg.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "message id is required")
	}
	subs := topo.Route(msg.Type)
	if len(subs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no subscription accepts message type %q", msg.Type)
	}
	return subs, nil
}

func unknownSubscription(name string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "subscription %q not found", name)
}

const reasonLeaseExpired = "lease expired on final delivery"

func deliveredMessage(msg *schema.Message, count int) *schema.Message {
	cp := *msg
	cp.Attempt = count
	return &cp
}

func describe(d *Delivery) string {
	return fmt.Sprintf("%s/%s", d.Subscription, d.Message.ID)
}
