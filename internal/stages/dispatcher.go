package stages

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/pkg/schema"
)

type route struct {
	subscription string
	typ          schema.MessageType
}

// Dispatcher routes a delivery to the handler registered for its
// subscription and message type.
type Dispatcher struct {
	routes map[route]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[route]Handler)}
}

// Register binds h to the given message types on subscription.
func (d *Dispatcher) Register(subscription string, h Handler, types ...schema.MessageType) {
	for _, t := range types {
		d.routes[route{subscription, t}] = h
	}
}

// Handler returns the handler for typ on subscription.
func (d *Dispatcher) Handler(subscription string, typ schema.MessageType) (Handler, error) {
	h, ok := d.routes[route{subscription, typ}]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"no handler for %s on subscription %s", typ, subscription)
	}
	return h, nil
}

// Dispatch runs the handler for msg.
func (d *Dispatcher) Dispatch(ctx context.Context, subscription string, msg *schema.Message) (*Outcome, error) {
	h, err := d.Handler(subscription, msg.Type)
	if err != nil {
		return nil, err
	}
	return h.Handle(ctx, msg)
}

// Subscriptions lists the subscriptions with at least one handler, sorted.
func (d *Dispatcher) Subscriptions() []string {
	seen := make(map[string]bool)
	var out []string
	for r := range d.routes {
		if !seen[r.subscription] {
			seen[r.subscription] = true
			out = append(out, r.subscription)
		}
	}
	sort.Strings(out)
	return out
}

// Covers checks that every type topo routes to a subscription has a
// handler there.
func (d *Dispatcher) Covers(topo channel.Topology) error {
	for _, sub := range topo.Subscriptions {
		for _, t := range sub.Types {
			if _, ok := d.routes[route{sub.Name, t}]; !ok {
				return fmt.Errorf("subscription %s routes %s but no handler is registered", sub.Name, t)
			}
		}
	}
	return nil
}

// NewStandardDispatcher wires the stage handlers onto the default
// subscriptions.
func NewStandardDispatcher(d *Deps) *Dispatcher {
	disp := NewDispatcher()
	disp.Register(channel.SubIntake, NewIntakeHandler(d), schema.MsgNewRequest)
	disp.Register(channel.SubContext, NewContextHandler(d), schema.MsgContextRequested)
	disp.Register(channel.SubRates, NewRatesHandler(d), schema.MsgContextRetrieved)
	disp.Register(channel.SubCompliance, NewComplianceHandler(d), schema.MsgRatesPresented)
	disp.Register(channel.SubLock, NewLockHandler(d), schema.MsgCompliancePassed)
	disp.Register(channel.SubMonitor, NewMonitorHandler(d), schema.MsgLockExpired, schema.MsgCancellationRequested)
	disp.Register(channel.SubExceptions, NewExceptionHandler(d), schema.MsgExceptionOccurred, schema.MsgComplianceFailed)
	disp.Register(channel.SubAudit, NewAuditHandler(d), schema.MsgAuditEvent, schema.MsgLockConfirmed, schema.MsgComplianceFailed)
	return disp
}
