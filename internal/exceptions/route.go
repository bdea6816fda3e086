package exceptions

import (
	"fmt"
	"time"

	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

// Route maps a case profile to the handler category that should take it.
func Route(p schema.Priority, c schema.Complexity, blocking bool) schema.Destination {
	switch {
	case c == schema.ComplexitySpecialist:
		return schema.DestinationSpecialist
	case p == schema.PriorityHigh && (blocking || c == schema.ComplexityComplex):
		return schema.DestinationSupervisor
	case c == schema.ComplexityComplex:
		return schema.DestinationSpecialist
	default:
		return schema.DestinationLoanOfficer
	}
}

var tiers = []schema.Destination{
	schema.DestinationLoanOfficer,
	schema.DestinationSupervisor,
	schema.DestinationSpecialist,
}

// TierFor returns the handler tier reached after level escalations.
func TierFor(level int) schema.Destination {
	if level < 0 {
		level = 0
	}
	if level >= len(tiers) {
		level = len(tiers) - 1
	}
	return tiers[level]
}

func maxDestination(a, b schema.Destination) schema.Destination {
	if b.Tier() > a.Tier() {
		return b
	}
	return a
}

// SLA is how long a case may stay unresolved at each priority before it
// escalates.
type SLA struct {
	High   time.Duration `json:"high" yaml:"high"`
	Medium time.Duration `json:"medium" yaml:"medium"`
	Low    time.Duration `json:"low" yaml:"low"`
}

// DefaultSLA returns the SLA used when none is configured.
func DefaultSLA() SLA {
	return SLA{High: 2 * time.Hour, Medium: 4 * time.Hour, Low: 24 * time.Hour}
}

// For returns the threshold for priority p.
func (s SLA) For(p schema.Priority) time.Duration {
	switch p {
	case schema.PriorityHigh:
		return s.High
	case schema.PriorityMedium:
		return s.Medium
	default:
		return s.Low
	}
}

// Validate rejects non-positive thresholds.
func (s SLA) Validate() error {
	if s.High <= 0 || s.Medium <= 0 || s.Low <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"sla thresholds must be positive (high=%s medium=%s low=%s)", s.High, s.Medium, s.Low)
	}
	return nil
}

// Overdue reports whether c has been waiting past its SLA, measured from
// its last escalation or, failing that, its creation.
func (s SLA) Overdue(c *store.ExceptionCase, now time.Time) bool {
	if c.Status == schema.CaseStatusResolved {
		return false
	}
	since := c.CreatedAt
	if c.EscalatedAt != nil {
		since = *c.EscalatedAt
	}
	return now.Sub(since) > s.For(c.Priority)
}

// Escalate applies one SLA breach to c in place and reports whether it
// did. Priority goes up one level, capped at High. The escalation level
// goes up one, and the destination moves to whichever is higher of the
// routing result and the tier for the new level.
func Escalate(c *store.ExceptionCase, now time.Time, sla SLA) bool {
	if !sla.Overdue(c, now) {
		return false
	}
	waited := sla.For(c.Priority)
	previous := c.Priority

	c.Priority = c.Priority.Raise()
	c.EscalationLevel++
	c.Destination = maxDestination(
		Route(c.Priority, c.Complexity, c.Blocking),
		TierFor(c.EscalationLevel))
	at := now
	c.EscalatedAt = &at
	c.EscalationReason = fmt.Sprintf("%s priority SLA of %s breached; escalated to %s (level %d).",
		previous, waited, c.Destination, c.EscalationLevel)
	return true
}
