package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/lockflow/internal/collaborators"
	"github.com/rendis/lockflow/internal/exceptions"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// LockStage executes the lock: RateOptionsPresented -> Locked.
type LockStage struct {
	deps *Deps
}

// NewLockHandler creates the lock-execution handler.
func NewLockHandler(d *Deps) Handler {
	return newTransitionHandler(d, &LockStage{deps: d})
}

func (s *LockStage) Name() string { return StageLock }

func (s *LockStage) Apply(_ context.Context, rec *store.RateLockRecord, msg *schema.Message) (schema.LockStatus, error) {
	if rec.Compliance == nil || rec.Compliance.Status == schema.CheckFail {
		return "", withExceptionType(schema.NewErrorf(schema.ErrCodeComplianceFailed,
			"rate lock %s has no passing compliance review", rec.ID).WithStage(StageLock),
			exceptions.TypeComplianceFailure)
	}
	d := rec.LockDetails
	if d == nil || len(d.RateOptions) == 0 {
		return "", withExceptionType(schema.NewErrorf(schema.ErrCodeValidation,
			"rate lock %s has no rate options to lock", rec.ID).WithStage(StageLock),
			exceptions.TypePricingAnomaly)
	}

	now := s.deps.now()
	if d.QuoteExpiresAt != nil && now.After(*d.QuoteExpiresAt) {
		return "", withExceptionType(schema.NewErrorf(schema.ErrCodeValidation,
			"quote %s expired at %s", d.QuoteID, d.QuoteExpiresAt.Format(time.RFC3339)).WithStage(StageLock),
			exceptions.TypePricingAnomaly)
	}

	requested := 0
	if rec.Request != nil {
		requested = rec.Request.RequestedTermDays
	}
	option, err := SelectOption(d.RateOptions, d.SelectedTermDays, requested)
	if err != nil {
		return "", stageErr(err, StageLock)
	}

	expires := now.AddDate(0, 0, option.TermDays)
	d.LockedOption = &option
	d.LockDate = &now
	d.LockExpirationDate = &expires
	d.ConfirmationNumber = confirmationNumber(rec.ID, now)

	queueNotification(rec, msg, borrowerEmail(rec), collaborators.TemplateLockConfirmed, now)
	queueNotification(rec, msg, loanOfficerEmail(rec), collaborators.TemplateLockConfirmed, now)
	return schema.LockStatusLocked, nil
}

// lockConfirmedPayload is carried by lock_confirmed.
type lockConfirmedPayload struct {
	ConfirmationNumber string    `json:"confirmation_number"`
	Rate               float64   `json:"rate"`
	TermDays           int       `json:"term_days"`
	LockDate           time.Time `json:"lock_date"`
	ExpiresAt          time.Time `json:"expires_at"`
}

func (s *LockStage) FollowOn(rec *store.RateLockRecord, msg *schema.Message) ([]*schema.Message, error) {
	d := rec.LockDetails
	next, err := msg.Follow(schema.MsgLockConfirmed, rec.ID, rec.LoanApplicationID, schema.LockStatusLocked, lockConfirmedPayload{
		ConfirmationNumber: d.ConfirmationNumber,
		Rate:               d.LockedOption.Rate,
		TermDays:           d.LockedOption.TermDays,
		LockDate:           *d.LockDate,
		ExpiresAt:          *d.LockExpirationDate,
	})
	if err != nil {
		return nil, err
	}
	return []*schema.Message{next}, nil
}

// SelectOption picks the option to lock: the borrower's explicit choice,
// else the option matching the requested term, else the lowest rate. An
// explicit choice that matches no option is a validation error.
func SelectOption(options []store.RateOption, selectedTerm, requestedTerm int) (store.RateOption, error) {
	if len(options) == 0 {
		return store.RateOption{}, schema.NewError(schema.ErrCodeValidation, "no rate options to choose from")
	}
	if selectedTerm > 0 {
		for _, o := range options {
			if o.TermDays == selectedTerm {
				return o, nil
			}
		}
		return store.RateOption{}, schema.NewErrorf(schema.ErrCodeValidation,
			"selected term of %d days matches no rate option", selectedTerm)
	}
	if requestedTerm > 0 {
		for _, o := range options {
			if o.TermDays == requestedTerm {
				return o, nil
			}
		}
	}
	sorted := append([]store.RateOption(nil), options...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rate == sorted[j].Rate {
			return sorted[i].TermDays < sorted[j].TermDays
		}
		return sorted[i].Rate < sorted[j].Rate
	})
	return sorted[0], nil
}

func confirmationNumber(lockID string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(schema.DeriveID("confirmation", lockID), "-", ""))[:8]
	return fmt.Sprintf("CNF%s-%s", at.Format("20060102"), suffix)
}
