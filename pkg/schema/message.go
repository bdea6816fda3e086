package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType names a transition trigger carried on the channel.
type MessageType string

const (
	MsgNewRequest            MessageType = "new_request"
	MsgContextRequested      MessageType = "context_requested"
	MsgContextRetrieved      MessageType = "context_retrieved"
	MsgRatesPresented        MessageType = "rates_presented"
	MsgCompliancePassed      MessageType = "compliance_passed"
	MsgComplianceFailed      MessageType = "compliance_failed"
	MsgLockConfirmed         MessageType = "lock_confirmed"
	MsgExceptionOccurred     MessageType = "exception_occurred"
	MsgAuditEvent            MessageType = "audit_event"
	MsgLockExpired           MessageType = "lock_expired"
	MsgCancellationRequested MessageType = "cancellation_requested"
)

// AllMessageTypes lists every message type the channel accepts.
var AllMessageTypes = []MessageType{
	MsgNewRequest, MsgContextRequested, MsgContextRetrieved, MsgRatesPresented,
	MsgCompliancePassed, MsgComplianceFailed, MsgLockConfirmed,
	MsgExceptionOccurred, MsgAuditEvent, MsgLockExpired, MsgCancellationRequested,
}

// Message is the transport-agnostic envelope exchanged between stages.
type Message struct {
	ID                  string          `json:"id"`
	Type                MessageType     `json:"message_type"`
	LoanLockID          string          `json:"loan_lock_id,omitempty"`
	LoanApplicationID   string          `json:"loan_application_id,omitempty"`
	ExpectedSourceState LockStatus      `json:"expected_source_state,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	Attempt             int             `json:"attempt"`
	CorrelationID       string          `json:"correlation_id,omitempty"`
	CausationID         string          `json:"causation_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// NewMessage builds a message with a fresh ID and the payload marshaled to
// JSON. A nil payload leaves Payload empty.
func NewMessage(typ MessageType, lockID, appID string, expected LockStatus, payload any) (*Message, error) {
	m := &Message{
		ID:                  uuid.NewString(),
		Type:                typ,
		LoanLockID:          lockID,
		LoanApplicationID:   appID,
		ExpectedSourceState: expected,
		Attempt:             1,
		CreatedAt:           time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// DeriveID returns a stable message ID for the given parts. Messages derived
// from the same cause get the same ID on every replay, so downstream
// consumers see a redelivery rather than a new message.
func DeriveID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("lockflow:"+strings.Join(parts, "/"))).String()
}

// Follow builds a message caused by m, inheriting its correlation ID. The
// new message's ID is derived from m's ID, the type and any extra keys.
func (m *Message) Follow(typ MessageType, lockID, appID string, expected LockStatus, payload any, keys ...string) (*Message, error) {
	next, err := NewMessage(typ, lockID, appID, expected, payload)
	if err != nil {
		return nil, err
	}
	next.ID = DeriveID(append([]string{m.ID, string(typ)}, keys...)...)
	next.CorrelationID = m.CorrelationID
	if next.CorrelationID == "" {
		next.CorrelationID = m.ID
	}
	next.CausationID = m.ID
	return next, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return NewErrorf(ErrCodeValidation, "%s message %s has no payload", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return NewErrorf(ErrCodeValidation, "decode %s payload: %s", m.Type, err.Error()).WithCause(err)
	}
	return nil
}

// ExceptionPayload is carried by exception_occurred and compliance_failed
// messages.
type ExceptionPayload struct {
	Stage           string         `json:"stage"`
	Reason          string         `json:"reason"`
	Code            string         `json:"code"`
	Type            string         `json:"type,omitempty"`
	Blocking        bool           `json:"blocking"`
	Attempt         int            `json:"attempt"`
	CurrentStatus   LockStatus     `json:"current_status,omitempty"`
	StateEnteredAt  *time.Time     `json:"state_entered_at,omitempty"`
	OriginalMessage *Message       `json:"original_message,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

// AuditPayload is carried by audit_event messages.
type AuditPayload struct {
	Action        string     `json:"action"`
	Actor         string     `json:"actor"`
	FromState     LockStatus `json:"from_state,omitempty"`
	ToState       LockStatus `json:"to_state,omitempty"`
	Version       int64      `json:"version,omitempty"`
	Detail        string     `json:"detail,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}
