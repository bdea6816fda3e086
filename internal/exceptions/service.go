package exceptions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rendis/lockflow/internal/channel"
	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/logging"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// StageDeadLetter is the stage recorded on cases opened from the
// dead-letter queue.
const StageDeadLetter = "dead_letter"

// Service opens, assigns, resolves and escalates exception cases.
type Service struct {
	store  store.Store
	sla    SLA
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service over s.
func NewService(s store.Store, sla SLA, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		sla:    sla,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service's time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SLA returns the escalation thresholds in use.
func (s *Service) SLA() SLA { return s.sla }

// Open creates the case for an exception message. Opening is idempotent by
// the message ID: a second call returns the existing case and false.
func (s *Service) Open(ctx context.Context, msg *schema.Message, p schema.ExceptionPayload) (*store.ExceptionCase, bool, error) {
	if existing, err := s.store.FindCaseBySource(ctx, msg.ID); err == nil {
		return existing, false, nil
	} else if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, false, err
	}

	now := s.now()
	cls := Classify(InputFromPayload(p, now), s.sla)
	attempt := p.Attempt
	if attempt == 0 {
		attempt = msg.Attempt
	}
	original := p.OriginalMessage
	if original == nil {
		original = msg
	}
	c := &store.ExceptionCase{
		ID:                  uuid.NewString(),
		LoanLockID:          firstNonEmpty(msg.LoanLockID, original.LoanLockID),
		LoanApplicationID:   firstNonEmpty(msg.LoanApplicationID, original.LoanApplicationID),
		Stage:               p.Stage,
		Reason:              p.Reason,
		Code:                p.Code,
		Type:                cls.Type,
		Category:            cls.Category,
		Blocking:            cls.Blocking,
		Priority:            cls.Priority,
		Complexity:          cls.Complexity,
		Destination:         cls.Destination,
		Status:              schema.CaseStatusOpen,
		SourceMessageID:     msg.ID,
		OriginalMessage:     original,
		Attempt:             attempt,
		RecommendedActions:  RecommendedActions(cls.Type),
		EscalationReason:    EscalationReason(cls.Type, p.Reason),
		EstimatedResolution: cls.EstimatedResolution,
		CreatedAt:           now,
	}
	return s.create(ctx, c)
}

// OpenFromDeadLetter opens the case for a message the channel gave up on.
// One case is opened per dead-lettered message and subscription.
func (s *Service) OpenFromDeadLetter(ctx context.Context, dl channel.DeadLetter) (*store.ExceptionCase, bool, error) {
	msg := dl.Message
	source := schema.DeriveID(StageDeadLetter, dl.Subscription, msg.ID)
	if existing, err := s.store.FindCaseBySource(ctx, source); err == nil {
		return existing, false, nil
	} else if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, false, err
	}

	now := s.now()
	reason := fmt.Sprintf("%s message %s dead-lettered on %s after %d deliveries: %s",
		msg.Type, msg.ID, dl.Subscription, dl.DeliveryCount, dl.Reason)
	cls := Classify(Input{
		Stage: StageDeadLetter,
		Code:  schema.ErrCodeDeadLettered,
		Type:  TypeSystemError,
		Now:   now,
	}, s.sla)
	c := &store.ExceptionCase{
		ID:                  uuid.NewString(),
		LoanLockID:          msg.LoanLockID,
		LoanApplicationID:   msg.LoanApplicationID,
		Stage:               StageDeadLetter,
		Reason:              reason,
		Code:                schema.ErrCodeDeadLettered,
		Type:                cls.Type,
		Category:            cls.Category,
		Blocking:            cls.Blocking,
		Priority:            cls.Priority,
		Complexity:          cls.Complexity,
		Destination:         cls.Destination,
		Status:              schema.CaseStatusOpen,
		SourceMessageID:     source,
		OriginalMessage:     msg,
		Attempt:             dl.DeliveryCount,
		RecommendedActions:  RecommendedActions(cls.Type),
		EscalationReason:    EscalationReason(cls.Type, dl.Reason),
		EstimatedResolution: cls.EstimatedResolution,
		CreatedAt:           now,
	}
	return s.create(ctx, c)
}

func (s *Service) create(ctx context.Context, c *store.ExceptionCase) (*store.ExceptionCase, bool, error) {
	err := s.store.CreateCase(ctx, c)
	if schema.HasCode(err, schema.ErrCodeDuplicate) {
		existing, findErr := s.store.FindCaseBySource(ctx, c.SourceMessageID)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	logging.LogWith(ctx, s.logger).Info("exception case opened",
		slog.String("case_id", c.ID),
		slog.String("type", c.Type),
		slog.String("priority", string(c.Priority)),
		slog.String("destination", string(c.Destination)),
		slog.Bool("blocking", c.Blocking))
	return c, true, nil
}

// Get returns one case.
func (s *Service) Get(ctx context.Context, id string) (*store.ExceptionCase, error) {
	return s.store.GetCase(ctx, id)
}

// List returns cases matching filter.
func (s *Service) List(ctx context.Context, filter store.CaseFilter) ([]*store.ExceptionCase, error) {
	return s.store.ListCases(ctx, filter)
}

// Assign hands an open case to assignee. Assigning an already assigned
// case reassigns it.
func (s *Service) Assign(ctx context.Context, id, assignee string) (*store.ExceptionCase, error) {
	if strings.TrimSpace(assignee) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assignee is required")
	}
	return s.update(ctx, id, func(c *store.ExceptionCase) error {
		if c.Status != schema.CaseStatusAssigned {
			if err := engine.ValidateCaseTransition(c.Status, schema.CaseStatusAssigned); err != nil {
				return err
			}
		}
		now := s.now()
		c.Status = schema.CaseStatusAssigned
		c.Assignee = assignee
		c.AssignedAt = &now
		return nil
	})
}

// Resolve closes a case. An open case is first assigned to resolvedBy so
// the case walks its full lifecycle.
func (s *Service) Resolve(ctx context.Context, id, resolution, resolvedBy string) (*store.ExceptionCase, error) {
	if strings.TrimSpace(resolution) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "resolution is required")
	}
	return s.update(ctx, id, func(c *store.ExceptionCase) error {
		now := s.now()
		if c.Status == schema.CaseStatusOpen && resolvedBy != "" {
			c.Status = schema.CaseStatusAssigned
			c.Assignee = resolvedBy
			c.AssignedAt = &now
		}
		if err := engine.ValidateCaseTransition(c.Status, schema.CaseStatusResolved); err != nil {
			return err
		}
		c.Status = schema.CaseStatusResolved
		c.Resolution = resolution
		c.ResolvedAt = &now
		return nil
	})
}

// EscalateOverdue escalates every unresolved case past its SLA and returns
// the cases it changed. A case modified concurrently is skipped; the next
// sweep sees it again.
func (s *Service) EscalateOverdue(ctx context.Context) ([]*store.ExceptionCase, error) {
	cases, err := s.store.ListCases(ctx, store.CaseFilter{
		Statuses: []schema.CaseStatus{schema.CaseStatusOpen, schema.CaseStatusAssigned},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var escalated []*store.ExceptionCase
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return escalated, err
		}
		expected := c.Version
		if !Escalate(c, now, s.sla) {
			continue
		}
		if err := s.store.UpdateCase(ctx, c, expected); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				continue
			}
			return escalated, err
		}
		logging.LogWith(ctx, s.logger).Warn("exception case escalated",
			slog.String("case_id", c.ID),
			slog.String("priority", string(c.Priority)),
			slog.String("destination", string(c.Destination)),
			slog.Int("level", c.EscalationLevel))
		escalated = append(escalated, c)
	}
	return escalated, nil
}

// update reads the case, applies mutate and writes it back under a version
// guard, re-reading on conflict.
func (s *Service) update(ctx context.Context, id string, mutate func(*store.ExceptionCase) error) (*store.ExceptionCase, error) {
	var out *store.ExceptionCase
	op := func() error {
		c, err := s.store.GetCase(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		expected := c.Version
		if err := mutate(c); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.store.UpdateCase(ctx, c, expected); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = c
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 3), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
