package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/expressions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// EligibilityRule is an Expr expression over the record facts that must
// hold for a request to be priced. Type names the exception raised when it
// does not.
type EligibilityRule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	Detail     string `json:"detail" yaml:"detail"`
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
}

// DefaultEligibilityRules are the fields pricing cannot work without, plus
// a credit floor when the LOS reports a score.
var DefaultEligibilityRules = []EligibilityRule{
	{
		Name:       "loan_amount",
		Expression: `(loan.amount ?? 0) > 0`,
		Detail:     "loan amount is missing",
		Type:       exceptions.TypeMissingDocumentation,
	},
	{
		Name:       "loan_type",
		Expression: `(loan.type ?? "") != ""`,
		Detail:     "loan type is missing",
		Type:       exceptions.TypeMissingDocumentation,
	},
	{
		Name:       "property_type",
		Expression: `(property.type ?? "") != ""`,
		Detail:     "property type is missing",
		Type:       exceptions.TypePropertyValuation,
	},
	{
		Name:       "occupancy",
		Expression: `(property.occupancy ?? "") != ""`,
		Detail:     "property occupancy is missing",
		Type:       exceptions.TypePropertyValuation,
	},
	{
		Name:       "credit_floor",
		Expression: `(borrower.credit_score ?? 0) == 0 || borrower.credit_score >= 580`,
		Detail:     "credit score is below the program minimum",
		Type:       exceptions.TypeCreditIssue,
	},
}

// ContextStage loads loan context and checks eligibility:
// PendingRequest -> UnderReview, or -> Cancelled when the application is
// unknown or ineligible.
type ContextStage struct {
	deps *Deps
}

// NewContextHandler creates the context-validation handler.
func NewContextHandler(d *Deps) Handler {
	return newTransitionHandler(d, &ContextStage{deps: d})
}

func (s *ContextStage) Name() string { return StageContext }

func (s *ContextStage) Apply(ctx context.Context, rec *store.RateLockRecord, msg *schema.Message) (schema.LockStatus, error) {
	now := s.deps.now()
	lc, err := s.deps.Collaborators.LOS.Fetch(ctx, rec.LoanApplicationID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		s.close(rec, msg, withExceptionType(
			schema.NewErrorf(schema.ErrCodeNotFound, "loan application %s not found", rec.LoanApplicationID),
			exceptions.TypeValidationFailure), now)
		return schema.LockStatusCancelled, nil
	}
	if err != nil {
		return "", stageErr(err, StageContext)
	}

	rec.Borrower = lc.Borrower
	if rec.Borrower == nil {
		rec.Borrower = &store.BorrowerInfo{}
	}
	if rec.Request != nil {
		if rec.Borrower.Email == "" {
			rec.Borrower.Email = rec.Request.BorrowerEmail
		}
		if rec.Borrower.Name == "" {
			rec.Borrower.Name = rec.Request.BorrowerName
		}
	}
	rec.Property = lc.Property
	rec.Loan = lc.Loan

	failed, err := s.ineligible(ctx, rec, now)
	if err != nil {
		return "", err
	}
	if failed != nil {
		s.close(rec, msg, failed, now)
		return schema.LockStatusCancelled, nil
	}
	return schema.LockStatusUnderReview, nil
}

func (s *ContextStage) close(rec *store.RateLockRecord, msg *schema.Message, err *schema.LockflowError, now time.Time) {
	cancel(rec, StageContext, err, now)
	queueNotification(rec, msg, borrowerEmail(rec), collaborators.TemplateCancelled, now)
}

// ineligible evaluates the eligibility rules in order and returns the first
// failure as a validation error. A rule that cannot be evaluated is a
// configuration fault and is returned as an error instead.
func (s *ContextStage) ineligible(ctx context.Context, rec *store.RateLockRecord, now time.Time) (*schema.LockflowError, error) {
	if len(s.deps.Eligibility) == 0 {
		return nil, nil
	}
	facts, err := collaborators.Facts(rec, now)
	if err != nil {
		return nil, err
	}
	for _, rule := range s.deps.Eligibility {
		ok, err := expressions.EvaluateBool(ctx, s.deps.Rules, rule.Expression, facts)
		if err != nil {
			return nil, stageErr(err, StageContext)
		}
		if ok {
			continue
		}
		typ := rule.Type
		if typ == "" {
			typ = exceptions.TypeBorrowerEligibility
		}
		return withExceptionType(schema.NewErrorf(schema.ErrCodeValidation,
			"eligibility rule %s failed: %s", rule.Name, rule.Detail).
			WithDetails(map[string]any{"rule": rule.Name}), typ), nil
	}
	return nil, nil
}

func (s *ContextStage) FollowOn(rec *store.RateLockRecord, msg *schema.Message) ([]*schema.Message, error) {
	switch rec.Status {
	case schema.LockStatusUnderReview:
		next, err := msg.Follow(schema.MsgContextRetrieved, rec.ID, rec.LoanApplicationID, schema.LockStatusUnderReview, nil)
		if err != nil {
			return nil, err
		}
		return []*schema.Message{next}, nil
	case schema.LockStatusCancelled:
		return failureMessages(msg, rec, StageContext, closureError(rec), rec.Closure.At)
	}
	return nil, nil
}

// ValidateEligibilityRules compiles every rule so a bad rule fails at
// startup instead of on the first request.
func ValidateEligibilityRules(e *expressions.ExprEngine, rules []EligibilityRule) error {
	for _, rule := range rules {
		if rule.Name == "" || rule.Expression == "" {
			return schema.NewError(schema.ErrCodeValidation, "eligibility rule needs a name and an expression")
		}
		if err := e.Compile(rule.Expression); err != nil {
			return fmt.Errorf("eligibility rule %s: %w", rule.Name, err)
		}
	}
	return nil
}
