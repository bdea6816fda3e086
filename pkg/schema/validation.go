package schema

import "fmt"

// Violation is one place where a message breaks its contract.
type Violation struct {
	Location string `json:"location"`
	Reason   string `json:"reason"`
}

func (v Violation) String() string { return v.Location + ": " + v.Reason }

// Violations collects every contract violation found in one message.
type Violations []Violation

// Add records a violation. An empty location means the message root.
func (vs *Violations) Add(location, reason string) {
	if location == "" {
		location = "/"
	}
	*vs = append(*vs, Violation{Location: location, Reason: reason})
}

// Err returns nil when there are no violations. Otherwise it returns a
// VALIDATION_ERROR naming the first violation and counting the rest; all of
// them are in the "violations" detail.
func (vs Violations) Err() error {
	if len(vs) == 0 {
		return nil
	}
	msg := vs[0].String()
	if rest := len(vs) - 1; rest > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, rest)
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": []Violation(vs)})
}
