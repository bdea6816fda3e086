// Package collaborators defines the external systems the stages call and
// default implementations of each.
package collaborators

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// Collaborator names, used for breakers, rate limiters and logs.
const (
	NameInterpreter = "interpreter"
	NameLOS         = "loan_context"
	NamePricing     = "pricing"
	NameCompliance  = "compliance"
	NameNotifier    = "notifier"
)

// ParsedRequest is the structured form of a raw inbound lock request.
type ParsedRequest struct {
	LoanApplicationID string             `json:"loan_application_id"`
	Request           *store.LockRequest `json:"request"`
}

// Interpreter turns a raw request payload into a ParsedRequest.
type Interpreter interface {
	Parse(ctx context.Context, raw json.RawMessage) (*ParsedRequest, error)
}

// LoanContextProvider fetches loan, borrower and property data from the
// loan origination system. Unknown applications yield NOT_FOUND.
type LoanContextProvider interface {
	Fetch(ctx context.Context, loanApplicationID string) (*store.LoanContext, error)
}

// Quote is a set of priced lock options.
type Quote struct {
	QuoteID   string             `json:"quote_id"`
	QuotedAt  time.Time          `json:"quoted_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	Options   []store.RateOption `json:"options"`
}

// PricingProvider prices lock options for a record with loan context.
type PricingProvider interface {
	GetQuotes(ctx context.Context, rec *store.RateLockRecord) (*Quote, error)
}

// ComplianceEvaluator produces one result per compliance check.
type ComplianceEvaluator interface {
	Evaluate(ctx context.Context, rec *store.RateLockRecord) ([]schema.CheckResult, error)
}

// Notifier delivers a scheduled notification.
type Notifier interface {
	Send(ctx context.Context, n store.NotificationRecord) error
}

// Set bundles the collaborators a stage set needs.
type Set struct {
	Interpreter Interpreter
	LOS         LoanContextProvider
	Pricing     PricingProvider
	Compliance  ComplianceEvaluator
	Notifier    Notifier
}
