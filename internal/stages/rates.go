package stages

import (
	"context"

	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// RatesStage prices lock options: UnderReview -> RateOptionsPresented, or
// -> Cancelled when pricing returns nothing.
type RatesStage struct {
	deps *Deps
}

// NewRatesHandler creates the rate-quoting handler.
func NewRatesHandler(d *Deps) Handler {
	return newTransitionHandler(d, &RatesStage{deps: d})
}

func (s *RatesStage) Name() string { return StageRates }

func (s *RatesStage) Apply(ctx context.Context, rec *store.RateLockRecord, msg *schema.Message) (schema.LockStatus, error) {
	now := s.deps.now()
	quote, err := s.deps.Collaborators.Pricing.GetQuotes(ctx, rec)
	if err != nil {
		return "", stageErr(err, StageRates)
	}
	if quote == nil || len(quote.Options) == 0 {
		cancel(rec, StageRates, withExceptionType(
			schema.NewErrorf(schema.ErrCodeValidation, "no rate options available for application %s", rec.LoanApplicationID),
			exceptions.TypePricingAnomaly), now)
		queueNotification(rec, msg, borrowerEmail(rec), collaborators.TemplateCancelled, now)
		return schema.LockStatusCancelled, nil
	}

	quotedAt, expiresAt := quote.QuotedAt, quote.ExpiresAt
	rec.LockDetails = &store.LockDetails{
		QuoteID:        quote.QuoteID,
		QuotedAt:       &quotedAt,
		QuoteExpiresAt: &expiresAt,
		RateOptions:    quote.Options,
	}
	return schema.LockStatusRateOptionsPresented, nil
}

// ratesPayload tells compliance which quote it is reviewing.
type ratesPayload struct {
	QuoteID     string `json:"quote_id"`
	OptionCount int    `json:"option_count"`
}

func (s *RatesStage) FollowOn(rec *store.RateLockRecord, msg *schema.Message) ([]*schema.Message, error) {
	switch rec.Status {
	case schema.LockStatusRateOptionsPresented:
		next, err := msg.Follow(schema.MsgRatesPresented, rec.ID, rec.LoanApplicationID, schema.LockStatusRateOptionsPresented,
			ratesPayload{QuoteID: rec.LockDetails.QuoteID, OptionCount: len(rec.LockDetails.RateOptions)})
		if err != nil {
			return nil, err
		}
		return []*schema.Message{next}, nil
	case schema.LockStatusCancelled:
		return failureMessages(msg, rec, StageRates, closureError(rec), rec.Closure.At)
	}
	return nil, nil
}
