// Package exceptions classifies failed stage work into exception cases,
// routes them to a handler category and escalates cases that sit past
// their SLA.
package exceptions

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/lockflow/pkg/schema"
)

// Exception types. Stages may name one explicitly; otherwise it is derived
// from the error code.
const (
	TypeComplianceFailure        = "COMPLIANCE_FAILURE"
	TypeRegulatoryViolation      = "REGULATORY_VIOLATION"
	TypeSystemError              = "SYSTEM_ERROR"
	TypeDataCorruption           = "DATA_CORRUPTION"
	TypeCriticalDeadline         = "CRITICAL_DEADLINE"
	TypeComplexLoanScenario      = "COMPLEX_LOAN_SCENARIO"
	TypePricingAnomaly           = "PRICING_ANOMALY"
	TypeRegulatoryInterpretation = "REGULATORY_INTERPRETATION"
	TypeCustomProduct            = "CUSTOM_PRODUCT_REQUIREMENTS"
	TypeMissingDocumentation     = "MISSING_REQUIRED_DOCUMENTATION"
	TypeBorrowerEligibility      = "BORROWER_ELIGIBILITY_ISSUE"
	TypePropertyValuation        = "PROPERTY_VALUATION_PROBLEM"
	TypeCreditIssue              = "CREDIT_ISSUE"
	TypeInvalidTransition        = "INVALID_TRANSITION"
	TypeValidationFailure        = "VALIDATION_FAILURE"
	TypeDuplicateRequest         = "DUPLICATE_REQUEST"
	TypeIntegrationFailure       = "INTEGRATION_FAILURE"
)

// Categories group exception types for reporting.
const (
	CategoryCompliance   = "COMPLIANCE"
	CategoryPricing      = "PRICING"
	CategoryUnderwriting = "UNDERWRITING"
	CategoryTechnical    = "TECHNICAL"
	CategoryGeneral      = "GENERAL"
)

// Stage names that raise the priority floor to Medium.
const (
	StageComplianceReview = "compliance_review"
	StageLockExecution    = "lock_execution"
)

var highPriorityTypes = map[string]bool{
	TypeComplianceFailure:   true,
	TypeRegulatoryViolation: true,
	TypeSystemError:         true,
	TypeDataCorruption:      true,
	TypeCriticalDeadline:    true,
}

var blockingTypes = map[string]bool{
	TypeMissingDocumentation: true,
	TypeBorrowerEligibility:  true,
	TypePropertyValuation:    true,
	TypeCreditIssue:          true,
}

var complexTypes = map[string]bool{
	TypePricingAnomaly:      true,
	TypeComplexLoanScenario: true,
	TypeCustomProduct:       true,
	TypeInvalidTransition:   true,
}

// TypeForCode maps an error code to the exception type used when the
// reporting stage did not name one.
func TypeForCode(code string) string {
	switch code {
	case schema.ErrCodeComplianceFailed:
		return TypeComplianceFailure
	case schema.ErrCodeInvalidTransition:
		return TypeInvalidTransition
	case schema.ErrCodeValidation, schema.ErrCodeNotFound:
		return TypeValidationFailure
	case schema.ErrCodeDuplicate:
		return TypeDuplicateRequest
	case schema.ErrCodeIntegration, schema.ErrCodeTimeout, schema.ErrCodeCircuitOpen:
		return TypeIntegrationFailure
	default:
		return TypeSystemError
	}
}

// Input is what classification looks at.
type Input struct {
	Stage          string
	Code           string
	Type           string
	Blocking       bool
	StateEnteredAt *time.Time
	Now            time.Time
}

// InputFromPayload builds classification input from an exception message
// payload.
func InputFromPayload(p schema.ExceptionPayload, now time.Time) Input {
	return Input{
		Stage:          p.Stage,
		Code:           p.Code,
		Type:           p.Type,
		Blocking:       p.Blocking,
		StateEnteredAt: p.StateEnteredAt,
		Now:            now,
	}
}

// Classification is the derived handling profile of a case.
type Classification struct {
	Type                string
	Category            string
	Priority            schema.Priority
	Complexity          schema.Complexity
	Blocking            bool
	Destination         schema.Destination
	EstimatedResolution time.Duration
}

// Classify derives type, priority, complexity and destination. It is a
// pure function of its input and the SLA table.
func Classify(in Input, sla SLA) Classification {
	typ := in.Type
	if typ == "" {
		typ = TypeForCode(in.Code)
	}
	typ = strings.ToUpper(typ)

	c := Classification{
		Type:     typ,
		Category: CategoryOf(typ),
		Blocking: in.Blocking || blockingTypes[typ] || in.Code == schema.ErrCodeComplianceFailed,
	}
	c.Priority = derivePriority(in, typ, c.Blocking, sla)
	c.Complexity = ComplexityOf(typ)
	c.Destination = Route(c.Priority, c.Complexity, c.Blocking)
	c.EstimatedResolution = estimate(c.Priority, c.Complexity)
	return c
}

func derivePriority(in Input, typ string, blocking bool, sla SLA) schema.Priority {
	if blocking || highPriorityTypes[typ] {
		return schema.PriorityHigh
	}
	p := schema.PriorityLow
	if in.Stage == StageComplianceReview || in.Stage == StageLockExecution {
		p = schema.PriorityMedium
	}
	if in.StateEnteredAt != nil && !in.Now.IsZero() && in.Now.Sub(*in.StateEnteredAt) > sla.Medium {
		p = p.Raise()
	}
	return p
}

// ComplexityOf derives complexity from the exception type.
func ComplexityOf(typ string) schema.Complexity {
	switch {
	case strings.Contains(typ, "COMPLIANCE"), strings.Contains(typ, "REGULATORY"):
		return schema.ComplexitySpecialist
	case complexTypes[typ]:
		return schema.ComplexityComplex
	default:
		return schema.ComplexityStandard
	}
}

// CategoryOf derives the reporting category from the exception type.
func CategoryOf(typ string) string {
	switch {
	case strings.Contains(typ, "COMPLIANCE"), strings.Contains(typ, "REGULATORY"):
		return CategoryCompliance
	case strings.Contains(typ, "PRICING"), strings.Contains(typ, "RATE"):
		return CategoryPricing
	case strings.Contains(typ, "BORROWER"), strings.Contains(typ, "ELIGIBILITY"),
		strings.Contains(typ, "CREDIT"), strings.Contains(typ, "PROPERTY"):
		return CategoryUnderwriting
	case strings.Contains(typ, "SYSTEM"), strings.Contains(typ, "TECHNICAL"),
		strings.Contains(typ, "INTEGRATION"), strings.Contains(typ, "TRANSITION"),
		strings.Contains(typ, "CORRUPTION"):
		return CategoryTechnical
	default:
		return CategoryGeneral
	}
}

func estimate(p schema.Priority, c schema.Complexity) time.Duration {
	switch {
	case c != schema.ComplexityStandard:
		return 24 * time.Hour
	case p == schema.PriorityHigh:
		return 2 * time.Hour
	default:
		return 4 * time.Hour
	}
}

var recommendedActions = map[string][]string{
	TypeComplianceFailure: {
		"Review the failed compliance checks on the rate lock",
		"Confirm disclosures are provided and current",
		"Re-run compliance review once the deficiency is cured",
	},
	TypeRegulatoryViolation: {
		"Escalate to compliance officer",
		"Hold the lock until the violation is documented and cured",
	},
	TypeBorrowerEligibility: {
		"Verify borrower eligibility in the loan origination system",
		"Contact the loan officer about the eligibility gap",
	},
	TypeMissingDocumentation: {
		"Request the missing documents from the borrower",
		"Resubmit the rate lock request once documents are on file",
	},
	TypePricingAnomaly: {
		"Check product eligibility and pricing configuration",
		"Request a manual quote from secondary marketing",
	},
	TypeInvalidTransition: {
		"Compare the message's expected state with the record's audit trail",
		"Check for out-of-order or duplicate delivery",
	},
	TypeDuplicateRequest: {
		"Confirm whether the borrower meant to change the active lock",
		"Cancel the active lock before submitting new terms",
	},
	TypeValidationFailure: {
		"Correct the request data and resubmit",
	},
	TypeIntegrationFailure: {
		"Check availability of the external system",
		"Replay the request once the integration recovers",
	},
	TypeSystemError: {
		"Inspect the dead-lettered message and handler logs",
		"Replay the message after the fault is fixed",
	},
}

// RecommendedActions lists next steps for a human handler.
func RecommendedActions(typ string) []string {
	if actions, ok := recommendedActions[typ]; ok {
		return append([]string(nil), actions...)
	}
	return []string{"Review the exception details and decide on next steps"}
}

var escalationReasons = map[string]string{
	TypeComplianceFailure:        "Compliance checks failed and the lock cannot proceed.",
	TypeRegulatoryViolation:      "A potential regulatory violation needs compliance review.",
	TypeComplexLoanScenario:      "The loan scenario needs specialist underwriting judgment.",
	TypePricingAnomaly:           "Pricing returned no usable options for this loan.",
	TypeRegulatoryInterpretation: "Regulatory requirements need specialist interpretation.",
	TypeCustomProduct:            "The requested product needs custom handling.",
	TypeBorrowerEligibility:      "The borrower did not meet eligibility rules.",
	TypeInvalidTransition:        "A message named a transition the record could not take.",
	TypeSystemError:              "Automated processing gave up after repeated failures.",
	TypeIntegrationFailure:       "An external system could not be reached.",
}

// EscalationReason explains why the case needs a human.
func EscalationReason(typ, detail string) string {
	reason, ok := escalationReasons[typ]
	if !ok {
		reason = fmt.Sprintf("Exception %s requires manual handling.", typ)
	}
	if detail != "" {
		reason += " Specific issue: " + detail
	}
	return reason
}
