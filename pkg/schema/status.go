package schema

// LockStatus is the lifecycle position of a rate-lock record.
type LockStatus string

const (
	LockStatusPendingRequest       LockStatus = "PendingRequest"
	LockStatusUnderReview          LockStatus = "UnderReview"
	LockStatusRateOptionsPresented LockStatus = "RateOptionsPresented"
	LockStatusLocked               LockStatus = "Locked"
	LockStatusExpired              LockStatus = "Expired"
	LockStatusCancelled            LockStatus = "Cancelled"
)

// AllLockStatuses lists lock states in happy-path order followed by the
// terminal states.
var AllLockStatuses = []LockStatus{
	LockStatusPendingRequest,
	LockStatusUnderReview,
	LockStatusRateOptionsPresented,
	LockStatusLocked,
	LockStatusExpired,
	LockStatusCancelled,
}

// Valid reports whether s is a known lock state.
func (s LockStatus) Valid() bool {
	for _, v := range AllLockStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CaseStatus is the lifecycle position of an exception case.
type CaseStatus string

const (
	CaseStatusOpen     CaseStatus = "Open"
	CaseStatusAssigned CaseStatus = "Assigned"
	CaseStatusResolved CaseStatus = "Resolved"
)

// Priority of an exception case.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Level orders priorities from Low (0) to High (2).
func (p Priority) Level() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Raise returns the next priority up, capped at High.
func (p Priority) Raise() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	default:
		return PriorityHigh
	}
}

// Complexity of an exception case.
type Complexity string

const (
	ComplexityStandard   Complexity = "Standard"
	ComplexityComplex    Complexity = "Complex"
	ComplexitySpecialist Complexity = "Specialist"
)

// Destination is the handler category an exception case is routed to.
type Destination string

const (
	DestinationLoanOfficer Destination = "loan_officer"
	DestinationSupervisor  Destination = "supervisor"
	DestinationSpecialist  Destination = "specialist"
)

// Tier orders destinations along the escalation hierarchy.
func (d Destination) Tier() int {
	switch d {
	case DestinationSpecialist:
		return 2
	case DestinationSupervisor:
		return 1
	default:
		return 0
	}
}

// CheckStatus is the outcome of a single compliance check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "PASS"
	CheckWarning CheckStatus = "WARNING"
	CheckFail    CheckStatus = "FAIL"
)

// Stage names used in messages, logs and exception cases.
const (
	StageIntake     = "intake"
	StageContext    = "context_validation"
	StageRates      = "rate_quoting"
	StageCompliance = "compliance_review"
	StageLock       = "lock_execution"
	StageMonitor    = "lifecycle_monitor"
	StageAudit      = "audit"
	StageException  = "exception_handling"
	StageChannel    = "channel"
	StageSweep      = "expiration_sweep"
)

// CheckResult is one compliance check outcome.
type CheckResult struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}
