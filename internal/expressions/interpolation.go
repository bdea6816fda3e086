package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/lockflow/pkg/schema"
)

// TemplateScope holds the namespaces a notification template can reference,
// e.g. {"borrower": {...}, "lock": {...}}.
type TemplateScope map[string]any

// Render replaces every ${{namespace.path}} reference in tmpl with the value
// found in scope. Strings are inserted verbatim, other values as JSON.
func Render(tmpl string, scope TemplateScope) (string, error) {
	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${{")
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}

		result.WriteString(tmpl[i : i+idx])
		start := i + idx + 3

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference in template")
		}
		end += start

		ref := strings.TrimSpace(tmpl[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty reference ${{ }} in template")
		}
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation, "nested ${{ reference in template")
		}

		val, err := resolveRef(ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))
		i = end + 2
	}

	return result.String(), nil
}

// HasReferences reports whether s contains any ${{...}} reference.
func HasReferences(s string) bool {
	return strings.Contains(s, "${{")
}

func resolveRef(ref string, scope TemplateScope) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	root, ok := scope[parts[0]]
	if !ok {
		available := mapKeys(scope)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${{%s}}; available: %s", parts[0], ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_namespaces": available})
	}
	if len(parts) == 1 {
		return root, nil
	}
	return traversePath(toGeneric(root), parts[1], ref)
}

// toGeneric turns structs into maps so they can be traversed by JSON name.
func toGeneric(v any) any {
	switch v.(type) {
	case map[string]any, string, float64, bool, nil:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	current := root

	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in %q at position %d", ref, i)
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current)
		}
		val, ok := m[seg]
		if !ok {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"reference": ref, "available_fields": keys})
		}
		current = val
	}

	return current, nil
}

func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64:
		return fmt.Sprintf("%v", v)
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
