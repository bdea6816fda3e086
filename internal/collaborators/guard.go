package collaborators

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// GuardConfig bounds calls to one collaborator.
type GuardConfig struct {
	// RPS is the sustained call rate. Zero disables rate limiting.
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
	// Timeout bounds a single call. Zero means no per-call timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Guard wraps collaborator calls with a rate limiter, a per-call timeout
// and a circuit breaker, and maps failures onto the error taxonomy.
type Guard struct {
	name     string
	limiter  *rate.Limiter
	timeout  time.Duration
	breakers *engine.CircuitBreakerRegistry
}

// NewGuard creates a guard for the named collaborator.
func NewGuard(name string, cfg GuardConfig, breakers *engine.CircuitBreakerRegistry) *Guard {
	g := &Guard{name: name, timeout: cfg.Timeout, breakers: breakers}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return g
}

// Do runs fn under the guard.
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, schema.NewErrorf(schema.ErrCodeTimeout, "%s rate limit wait: %s", g.name, err.Error()).WithCause(err)
		}
	}

	call := func() (any, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		out, err := fn(callCtx)
		if err != nil {
			return nil, g.classify(err)
		}
		return out, nil
	}

	var (
		out any
		err error
	)
	if g.breakers != nil {
		out, err = g.breakers.Execute(g.name, call)
	} else {
		out, err = call()
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// classify keeps structured errors and labels the rest transient.
func (g *Guard) classify(err error) error {
	var lfErr *schema.LockflowError
	if errors.As(err, &lfErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s call timed out", g.name).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeIntegration, "%s call failed: %s", g.name, err.Error()).WithCause(err)
}

// Guarded wraps every collaborator of a Set with its own guard.
func Guarded(set Set, cfg map[string]GuardConfig, breakers *engine.CircuitBreakerRegistry) Set {
	guard := func(name string) *Guard { return NewGuard(name, cfg[name], breakers) }
	out := set
	if set.Interpreter != nil {
		out.Interpreter = &guardedInterpreter{inner: set.Interpreter, g: guard(NameInterpreter)}
	}
	if set.LOS != nil {
		out.LOS = &guardedLOS{inner: set.LOS, g: guard(NameLOS)}
	}
	if set.Pricing != nil {
		out.Pricing = &guardedPricing{inner: set.Pricing, g: guard(NamePricing)}
	}
	if set.Compliance != nil {
		out.Compliance = &guardedCompliance{inner: set.Compliance, g: guard(NameCompliance)}
	}
	if set.Notifier != nil {
		out.Notifier = &guardedNotifier{inner: set.Notifier, g: guard(NameNotifier)}
	}
	return out
}

type guardedInterpreter struct {
	inner Interpreter
	g     *Guard
}

func (w *guardedInterpreter) Parse(ctx context.Context, raw json.RawMessage) (*ParsedRequest, error) {
	return Do(ctx, w.g, func(ctx context.Context) (*ParsedRequest, error) { return w.inner.Parse(ctx, raw) })
}

type guardedLOS struct {
	inner LoanContextProvider
	g     *Guard
}

func (w *guardedLOS) Fetch(ctx context.Context, id string) (*store.LoanContext, error) {
	return Do(ctx, w.g, func(ctx context.Context) (*store.LoanContext, error) { return w.inner.Fetch(ctx, id) })
}

type guardedPricing struct {
	inner PricingProvider
	g     *Guard
}

func (w *guardedPricing) GetQuotes(ctx context.Context, rec *store.RateLockRecord) (*Quote, error) {
	return Do(ctx, w.g, func(ctx context.Context) (*Quote, error) { return w.inner.GetQuotes(ctx, rec) })
}

type guardedCompliance struct {
	inner ComplianceEvaluator
	g     *Guard
}

func (w *guardedCompliance) Evaluate(ctx context.Context, rec *store.RateLockRecord) ([]schema.CheckResult, error) {
	return Do(ctx, w.g, func(ctx context.Context) ([]schema.CheckResult, error) { return w.inner.Evaluate(ctx, rec) })
}

type guardedNotifier struct {
	inner Notifier
	g     *Guard
}

func (w *guardedNotifier) Send(ctx context.Context, n store.NotificationRecord) error {
	_, err := Do(ctx, w.g, func(ctx context.Context) (struct{}, error) { return struct{}{}, w.inner.Send(ctx, n) })
	return err
}
