package validation

import "github.com/rendis/lockflow/pkg/schema"

// Validator checks channel messages against their contracts before a stage
// handler sees them. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateMessage(msg *schema.Message) error
	ValidateDocument(doc any, documentSchema []byte) error
}
