package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/lockflow/pkg/schema"
)

// RateLockRecord is the versioned, shared entity every stage enriches.
// Each section is owned by exactly one stage and is only ever added or
// refined by that stage.
type RateLockRecord struct {
	ID                string            `json:"id"`
	LoanApplicationID string            `json:"loan_application_id"`
	Status            schema.LockStatus `json:"status"`
	Version           int64             `json:"version"`

	Request       *LockRequest         `json:"request,omitempty"`      // intake
	Borrower      *BorrowerInfo        `json:"borrower,omitempty"`     // context validation
	Property      *PropertyInfo        `json:"property,omitempty"`     // context validation
	Loan          *LoanInfo            `json:"loan,omitempty"`         // context validation
	LockDetails   *LockDetails         `json:"lock_details,omitempty"` // rate quoting, lock execution
	Compliance    *ComplianceSection   `json:"compliance,omitempty"`   // compliance review
	Closure       *Closure             `json:"closure,omitempty"`      // any stage moving to a terminal state
	Notifications []NotificationRecord `json:"notifications,omitempty"`
	Audit         []AuditEntry         `json:"audit,omitempty"`

	LastMessageID  string    `json:"last_message_id,omitempty"`
	StateEnteredAt time.Time `json:"state_entered_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy so a stage can mutate a working copy without
// touching what was read.
func (r *RateLockRecord) Clone() *RateLockRecord {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		panic("store: clone rate lock record: " + err.Error())
	}
	out := &RateLockRecord{}
	if err := json.Unmarshal(data, out); err != nil {
		panic("store: clone rate lock record: " + err.Error())
	}
	return out
}

// LockRequest holds the terms the borrower asked for.
type LockRequest struct {
	BorrowerName      string         `json:"borrower_name,omitempty"`
	BorrowerEmail     string         `json:"borrower_email"`
	RequestedTermDays int            `json:"requested_term_days,omitempty"`
	LoanAmount        float64        `json:"loan_amount,omitempty"`
	LoanType          string         `json:"loan_type,omitempty"`
	PropertyAddress   string         `json:"property_address,omitempty"`
	Source            string         `json:"source,omitempty"`
	Fields            map[string]any `json:"fields,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
}

// SameTerms reports whether two requests ask for the same lock.
func (r *LockRequest) SameTerms(other *LockRequest) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.RequestedTermDays == other.RequestedTermDays &&
		r.LoanAmount == other.LoanAmount &&
		r.LoanType == other.LoanType
}

// BorrowerInfo is the borrower as known to the loan origination system.
type BorrowerInfo struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	CreditScore int    `json:"credit_score,omitempty"`
}

// PropertyInfo describes the collateral.
type PropertyInfo struct {
	Address        string  `json:"address"`
	State          string  `json:"state,omitempty"`
	Type           string  `json:"type"`
	Occupancy      string  `json:"occupancy"`
	AppraisedValue float64 `json:"appraised_value,omitempty"`
}

// LoanInfo is the loan context fetched during context validation.
type LoanInfo struct {
	Amount               float64    `json:"amount"`
	Type                 string     `json:"type"`
	Status               string     `json:"status"`
	LoanOfficerName      string     `json:"loan_officer_name,omitempty"`
	LoanOfficerEmail     string     `json:"loan_officer_email,omitempty"`
	EstimatedClosingDate *time.Time `json:"estimated_closing_date,omitempty"`
	DisclosuresProvided  bool       `json:"disclosures_provided"`
	DisclosuresCurrent   bool       `json:"disclosures_current"`
	TRIDCompliant        bool       `json:"trid_compliant"`
	StateRequirementsMet bool       `json:"state_requirements_met"`
}

// LoanContext is what the loan-context provider returns for an application.
type LoanContext struct {
	LoanApplicationID string        `json:"loan_application_id"`
	Borrower          *BorrowerInfo `json:"borrower"`
	Property          *PropertyInfo `json:"property"`
	Loan              *LoanInfo     `json:"loan"`
}

// RateOption is one priced lock offer.
type RateOption struct {
	ProductCode    string  `json:"product_code,omitempty"`
	TermDays       int     `json:"term_days"`
	Rate           float64 `json:"rate"`
	APR            float64 `json:"apr"`
	Points         float64 `json:"points"`
	MonthlyPayment float64 `json:"monthly_payment"`
	LockFee        float64 `json:"lock_fee"`
}

// LockDetails is written by rate quoting (quote fields) and lock execution
// (lock fields).
type LockDetails struct {
	QuoteID        string       `json:"quote_id,omitempty"`
	QuotedAt       *time.Time   `json:"quoted_at,omitempty"`
	QuoteExpiresAt *time.Time   `json:"quote_expires_at,omitempty"`
	RateOptions    []RateOption `json:"rate_options,omitempty"`

	// SelectedTermDays is the borrower's explicit choice, if any.
	SelectedTermDays int `json:"selected_term_days,omitempty"`

	LockedOption       *RateOption `json:"locked_option,omitempty"`
	LockDate           *time.Time  `json:"lock_date,omitempty"`
	LockExpirationDate *time.Time  `json:"lock_expiration_date,omitempty"`
	ConfirmationNumber string      `json:"confirmation_number,omitempty"`
}

// ComplianceSection is the aggregated compliance report.
type ComplianceSection struct {
	Status      schema.CheckStatus   `json:"status"`
	Checks      []schema.CheckResult `json:"checks"`
	Exceptions  []schema.CheckResult `json:"exceptions,omitempty"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
}

// Closure records why a record reached a terminal state.
type Closure struct {
	Status      schema.LockStatus `json:"status"`
	Reason      string            `json:"reason"`
	Code        string            `json:"code,omitempty"`
	Type        string            `json:"type,omitempty"`
	Stage       string            `json:"stage,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
	At          time.Time         `json:"at"`
}

// NotificationRecord is a notification scheduled by a stage. It is sent
// only after the write that scheduled it commits.
type NotificationRecord struct {
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
	MessageID string         `json:"message_id"`
	CausedBy  string         `json:"caused_by,omitempty"`
	QueuedAt  time.Time      `json:"queued_at"`
}

// AuditEntry is one append-only line of the record's own history.
type AuditEntry struct {
	Action        string            `json:"action"`
	Actor         string            `json:"actor"`
	Timestamp     time.Time         `json:"timestamp"`
	FromState     schema.LockStatus `json:"from_state,omitempty"`
	ToState       schema.LockStatus `json:"to_state,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	Version       int64             `json:"version"`
}

// RecordFilter narrows QueryRecords.
type RecordFilter struct {
	Statuses          []schema.LockStatus
	LoanApplicationID string
	ExpiringBefore    *time.Time
	Limit             int
}

// AuditLogEntry is one line of the system-wide audit log fed by the audit
// stage.
type AuditLogEntry struct {
	ID            int64             `json:"id"`
	MessageID     string            `json:"message_id"`
	LoanLockID    string            `json:"loan_lock_id,omitempty"`
	Action        string            `json:"action"`
	Actor         string            `json:"actor"`
	FromState     schema.LockStatus `json:"from_state,omitempty"`
	ToState       schema.LockStatus `json:"to_state,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	LoanLockID string
	Action     string
	Since      *time.Time
	Limit      int
}

// ExceptionCase is a side record opened for human handling. Its lifecycle
// is independent of the rate-lock record's status.
type ExceptionCase struct {
	ID                  string             `json:"id"`
	LoanLockID          string             `json:"loan_lock_id,omitempty"`
	LoanApplicationID   string             `json:"loan_application_id,omitempty"`
	Stage               string             `json:"stage"`
	Reason              string             `json:"reason"`
	Code                string             `json:"code"`
	Type                string             `json:"type"`
	Category            string             `json:"category"`
	Blocking            bool               `json:"blocking"`
	Priority            schema.Priority    `json:"priority"`
	Complexity          schema.Complexity  `json:"complexity"`
	Destination         schema.Destination `json:"destination"`
	EscalationLevel     int                `json:"escalation_level"`
	Status              schema.CaseStatus  `json:"status"`
	Assignee            string             `json:"assignee,omitempty"`
	Resolution          string             `json:"resolution,omitempty"`
	SourceMessageID     string             `json:"source_message_id"`
	OriginalMessage     *schema.Message    `json:"original_message,omitempty"`
	Attempt             int                `json:"attempt"`
	RecommendedActions  []string           `json:"recommended_actions,omitempty"`
	EscalationReason    string             `json:"escalation_reason,omitempty"`
	EstimatedResolution time.Duration      `json:"estimated_resolution"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	AssignedAt          *time.Time         `json:"assigned_at,omitempty"`
	ResolvedAt          *time.Time         `json:"resolved_at,omitempty"`
	EscalatedAt         *time.Time         `json:"escalated_at,omitempty"`
}

// CaseFilter narrows ListCases.
type CaseFilter struct {
	Statuses    []schema.CaseStatus
	LoanLockID  string
	Destination schema.Destination
	Limit       int
}
