package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// ErrAlreadyApplied is returned by a Stage when the record already carries
// this stage's work even though its status still matches. The message is
// dropped.
var ErrAlreadyApplied = errors.New("stage work already applied")

// Stage is the record-mutating half of a stage handler.
type Stage interface {
	Name() string
	// Apply enriches rec, a private working copy, and returns the status
	// the record must move to. Returning rec.Status means a self-write.
	Apply(ctx context.Context, rec *store.RateLockRecord, msg *schema.Message) (schema.LockStatus, error)
	// FollowOn derives the outbound messages from a committed record. It
	// must be deterministic so a replay re-emits the same messages.
	FollowOn(rec *store.RateLockRecord, msg *schema.Message) ([]*schema.Message, error)
}

// Decision is the outcome of the precondition check.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionDrop    Decision = "drop"
	DecisionReplay  Decision = "replay"
	DecisionReject  Decision = "reject"
)

// Claim is the transition a message asks for.
type Claim struct {
	From schema.LockStatus
	To   schema.LockStatus
}

// SelfWrite reports whether the claim enriches the record without moving it.
func (c Claim) SelfWrite() bool { return c.From == c.To }

var messageTargets = map[schema.MessageType]schema.LockStatus{
	schema.MsgContextRequested:      schema.LockStatusUnderReview,
	schema.MsgContextRetrieved:      schema.LockStatusRateOptionsPresented,
	schema.MsgRatesPresented:        schema.LockStatusRateOptionsPresented,
	schema.MsgCompliancePassed:      schema.LockStatusLocked,
	schema.MsgLockExpired:           schema.LockStatusExpired,
	schema.MsgCancellationRequested: schema.LockStatusCancelled,
}

// ClaimFor returns the transition msg names. Messages that do not drive a
// record transition, or whose claim is not an edge of the graph, yield an
// INVALID_TRANSITION error.
func ClaimFor(msg *schema.Message) (Claim, error) {
	to, ok := messageTargets[msg.Type]
	if !ok {
		return Claim{}, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"message type %s does not drive a rate lock transition", msg.Type)
	}
	claim := Claim{From: msg.ExpectedSourceState, To: to}
	if claim.From == "" {
		return claim, schema.NewErrorf(schema.ErrCodeValidation,
			"%s message %s has no expected source state", msg.Type, msg.ID)
	}
	if claim.SelfWrite() {
		return claim, nil
	}
	if err := ValidateLockTransition(claim.From, claim.To); err != nil {
		return claim, err
	}
	return claim, nil
}

// TriggerFor returns the message type that moves a record into to, or ""
// for the initial state.
func TriggerFor(to schema.LockStatus) schema.MessageType {
	for typ, target := range messageTargets {
		if target == to && typ != schema.MsgRatesPresented {
			return typ
		}
	}
	return ""
}

// Decide is the precondition check. A record whose last write came from
// this very message is a replay; a matching source state proceeds; a record
// already at or past the target is a harmless duplicate; anything else is
// an invalid transition.
func Decide(rec *store.RateLockRecord, msg *schema.Message, claim Claim) Decision {
	switch {
	case rec.LastMessageID != "" && rec.LastMessageID == msg.ID:
		return DecisionReplay
	case rec.Status == claim.From:
		return DecisionProceed
	case AtOrPast(rec.Status, claim.To):
		return DecisionDrop
	default:
		return DecisionReject
	}
}

// Result describes what Apply did.
type Result struct {
	Decision  Decision
	Record    *store.RateLockRecord
	From      schema.LockStatus
	To        schema.LockStatus
	FollowOn  []*schema.Message
	Conflicts int
	// Violation is set when Decision is DecisionReject.
	Violation error
}

// Transitioned reports whether a status change was committed.
func (r *Result) Transitioned() bool {
	return r.Decision == DecisionProceed && r.From != r.To
}

// Coordinator applies message-driven transitions to rate-lock records with
// optimistic concurrency.
type Coordinator struct {
	store  store.Store
	fsm    *LockFSM
	policy RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator creates a Coordinator. A nil fsm gets a hook-less one.
func NewCoordinator(s store.Store, fsm *LockFSM, policy RetryPolicy, logger *slog.Logger) *Coordinator {
	if fsm == nil {
		fsm = NewLockFSM()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  s,
		fsm:    fsm,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the coordinator's time source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Store exposes the record store the coordinator writes to.
func (c *Coordinator) Store() store.Store { return c.store }

// Create persists a new record in PendingRequest on behalf of msg.
func (c *Coordinator) Create(ctx context.Context, rec *store.RateLockRecord, msg *schema.Message, actor string) error {
	now := c.now()
	rec.Status = schema.LockStatusPendingRequest
	rec.Version = 1
	rec.LastMessageID = msg.ID
	rec.StateEnteredAt = now
	rec.CreatedAt = now
	rec.Audit = append(rec.Audit, store.AuditEntry{
		Action:        "created",
		Actor:         actor,
		Timestamp:     now,
		ToState:       schema.LockStatusPendingRequest,
		CorrelationID: msg.CorrelationID,
		MessageID:     msg.ID,
		Version:       1,
	})
	if err := c.store.CreateRecord(ctx, rec); err != nil {
		return err
	}
	c.committed(ctx, rec, "", schema.LockStatusPendingRequest)
	return nil
}

// Apply runs stage against the record msg references. Version conflicts
// re-read and retry with exponential backoff, and a re-read may turn the
// retry into a drop. Stage and store errors other than conflicts are
// returned untouched.
func (c *Coordinator) Apply(ctx context.Context, msg *schema.Message, stage Stage) (*Result, error) {
	claim, err := ClaimFor(msg)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, msg.LoanLockID, msg.CorrelationID, stage.Name())

	result := &Result{}
	op := func() error {
		rec, err := c.store.GetRecord(ctx, msg.LoanLockID)
		if err != nil {
			return backoff.Permanent(err)
		}
		*result = Result{Record: rec, From: rec.Status, To: rec.Status, Conflicts: result.Conflicts}

		result.Decision = Decide(rec, msg, claim)
		switch result.Decision {
		case DecisionDrop:
			return nil
		case DecisionReject:
			result.Violation = schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"%s expects %s -> %s but record %s is %s", msg.Type, claim.From, claim.To, rec.ID, rec.Status).
				WithStage(stage.Name()).
				WithDetails(map[string]any{
					"expected_source": string(claim.From),
					"target":          string(claim.To),
					"current":         string(rec.Status),
					"version":         rec.Version,
				})
			return nil
		case DecisionReplay:
			follow, err := stage.FollowOn(rec, msg)
			if err != nil {
				return backoff.Permanent(err)
			}
			result.FollowOn = follow
			return nil
		}

		work := rec.Clone()
		to, err := stage.Apply(ctx, work, msg)
		if errors.Is(err, ErrAlreadyApplied) {
			result.Decision = DecisionDrop
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if to != rec.Status {
			if err := c.fsm.Validate(rec.Status, to); err != nil {
				return backoff.Permanent(err)
			}
		}

		now := c.now()
		if to != rec.Status {
			work.StateEnteredAt = now
		}
		work.Status = to
		work.LastMessageID = msg.ID
		work.Audit = append(work.Audit, store.AuditEntry{
			Action:        string(msg.Type),
			Actor:         stage.Name(),
			Timestamp:     now,
			FromState:     rec.Status,
			ToState:       to,
			CorrelationID: msg.CorrelationID,
			MessageID:     msg.ID,
			Version:       rec.Version + 1,
		})

		if err := c.store.PutIfVersion(ctx, work, rec.Version); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				result.Conflicts++
				logging.LogWith(ctx, c.logger).Debug("version conflict, re-reading",
					slog.Int64("version", rec.Version), slog.Int("conflicts", result.Conflicts))
				return err
			}
			return backoff.Permanent(err)
		}

		result.Record = work
		result.To = to
		follow, err := stage.FollowOn(work, msg)
		if err != nil {
			return backoff.Permanent(err)
		}
		result.FollowOn = follow
		return nil
	}

	if err := backoff.Retry(op, c.conflictBackoff(ctx)); err != nil {
		return result, err
	}

	if result.Decision == DecisionProceed {
		c.committed(ctx, result.Record, result.From, result.To)
	}
	return result, nil
}

func (c *Coordinator) conflictBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	retries := c.policy.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (c *Coordinator) committed(ctx context.Context, rec *store.RateLockRecord, from, to schema.LockStatus) {
	if err := c.fsm.Committed(ctx, rec, from, to); err != nil {
		logging.LogWith(ctx, c.logger).Warn("transition hook failed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
	}
}
