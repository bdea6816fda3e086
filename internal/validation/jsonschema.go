package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/lockflow/pkg/schema"
)

// envelopeSchemaJSON is the contract every channel message must satisfy.
// Transition-driving messages must name the record and the state they
// expect to find it in.
const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "message_type", "attempt"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "message_type": {
      "enum": [
        "new_request", "context_requested", "context_retrieved", "rates_presented",
        "compliance_passed", "compliance_failed", "lock_confirmed", "exception_occurred",
        "audit_event", "lock_expired", "cancellation_requested"
      ]
    },
    "loan_lock_id": {"type": "string"},
    "loan_application_id": {"type": "string"},
    "expected_source_state": {
      "enum": ["PendingRequest", "UnderReview", "RateOptionsPresented", "Locked", "Expired", "Cancelled"]
    },
    "attempt": {"type": "integer", "minimum": 1},
    "correlation_id": {"type": "string"},
    "causation_id": {"type": "string"},
    "created_at": {"type": "string", "format": "date-time"}
  },
  "allOf": [
    {
      "if": {"properties": {"message_type": {"const": "new_request"}}},
      "then": {
        "required": ["loan_application_id", "payload"],
        "properties": {"loan_application_id": {"minLength": 1}}
      }
    },
    {
      "if": {
        "properties": {
          "message_type": {
            "enum": [
              "context_requested", "context_retrieved", "rates_presented", "compliance_passed",
              "lock_expired", "cancellation_requested", "lock_confirmed"
            ]
          }
        }
      },
      "then": {
        "required": ["loan_lock_id"],
        "properties": {"loan_lock_id": {"minLength": 1}}
      }
    },
    {
      "if": {
        "properties": {
          "message_type": {
            "enum": [
              "context_requested", "context_retrieved", "rates_presented", "compliance_passed",
              "lock_expired", "cancellation_requested"
            ]
          }
        }
      },
      "then": {"required": ["expected_source_state"]}
    }
  ]
}`

const envelopeSchemaURL = "https://lockflow.dev/schemas/message.json"

// PayloadSchemas are the default payload contracts per message type. A type
// without an entry accepts any payload.
var PayloadSchemas = map[schema.MessageType]string{
	schema.MsgNewRequest: `{"type": "object"}`,
	schema.MsgExceptionOccurred: `{
    "type": "object",
    "required": ["stage", "reason", "code"],
    "properties": {
      "stage": {"type": "string", "minLength": 1},
      "reason": {"type": "string", "minLength": 1},
      "code": {"type": "string", "minLength": 1},
      "blocking": {"type": "boolean"},
      "attempt": {"type": "integer", "minimum": 0}
    }
  }`,
	schema.MsgComplianceFailed: `{
    "type": "object",
    "required": ["stage", "reason", "code"],
    "properties": {
      "details": {"type": "object"}
    }
  }`,
	schema.MsgAuditEvent: `{
    "type": "object",
    "required": ["action", "actor"],
    "properties": {
      "action": {"type": "string", "minLength": 1},
      "actor": {"type": "string", "minLength": 1},
      "version": {"type": "integer", "minimum": 0}
    }
  }`,
	schema.MsgCancellationRequested: `{
    "type": "object",
    "properties": {
      "reason": {"type": "string"},
      "requested_by": {"type": "string"}
    }
  }`,
}

// requiresPayload lists types whose payload must be present.
var requiresPayload = map[schema.MessageType]bool{
	schema.MsgNewRequest:        true,
	schema.MsgExceptionOccurred: true,
	schema.MsgComplianceFailed:  true,
	schema.MsgAuditEvent:        true,
}

// ContractValidator implements the Validator interface.
// It is safe for concurrent use.
type ContractValidator struct {
	envelope *jsonschema.Schema
	payloads map[schema.MessageType][]byte

	// mu guards the cache of compiled document schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewContractValidator creates a ContractValidator with the envelope schema
// pre-compiled. overrides replaces or adds payload schemas per type.
func NewContractValidator(overrides map[schema.MessageType]string) (*ContractValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal message schema: %w", err)
	}
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add message schema resource: %w", err)
	}
	envelope, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile message schema: %w", err)
	}

	v := &ContractValidator{
		envelope: envelope,
		payloads: make(map[schema.MessageType][]byte, len(PayloadSchemas)),
		cache:    make(map[string]*jsonschema.Schema),
	}
	for typ, s := range PayloadSchemas {
		v.payloads[typ] = []byte(s)
	}
	for typ, s := range overrides {
		v.payloads[typ] = []byte(s)
	}
	// Compile eagerly so a broken schema fails at startup.
	for typ, s := range v.payloads {
		if _, err := v.getOrCompile(s); err != nil {
			return nil, fmt.Errorf("compile %s payload schema: %w", typ, err)
		}
	}
	return v, nil
}

// ValidateMessage checks the envelope, then the payload contract of the
// message's type.
func (v *ContractValidator) ValidateMessage(msg *schema.Message) error {
	if msg == nil {
		return schema.NewError(schema.ErrCodeValidation, "message is nil")
	}

	doc, err := toJSONValue(msg)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize message").WithCause(err)
	}
	if err := v.envelope.Validate(doc); err != nil {
		return toLockflowError(err, "")
	}

	if len(msg.Payload) == 0 {
		if requiresPayload[msg.Type] {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s message requires a payload", msg.Type)
		}
		return nil
	}

	payloadSchema, ok := v.payloads[msg.Type]
	if !ok {
		return nil
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(msg.Payload))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s payload is not valid JSON", msg.Type).WithCause(err)
	}
	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	if err := compiled.Validate(payload); err != nil {
		return toLockflowError(err, "/payload")
	}
	return nil
}

// ValidateDocument validates any JSON-serializable value against a JSON
// Schema provided as raw bytes. The schema is compiled and cached.
func (v *ContractValidator) ValidateDocument(doc any, documentSchema []byte) error {
	if len(documentSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(documentSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid document schema").WithCause(err)
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}

	if err := compiled.Validate(value); err != nil {
		return toLockflowError(err, "")
	}
	return nil
}

func (v *ContractValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("lockflow://document-schema/%d", len(v.cache))

	// Use a fresh compiler per schema to avoid resource collision.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toLockflowError converts a jsonschema.ValidationError into a LockflowError
// listing every leaf violation with its instance location.
func toLockflowError(err error, prefix string) *schema.LockflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	var vs schema.Violations
	collectViolations(verr, prefix, &vs)
	lerr, ok := vs.Err().(*schema.LockflowError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return lerr
}

func collectViolations(verr *jsonschema.ValidationError, prefix string, vs *schema.Violations) {
	if len(verr.Causes) == 0 {
		vs.Add(prefix+"/"+strings.Join(verr.InstanceLocation, "/"), verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, prefix, vs)
	}
}
