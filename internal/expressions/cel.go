package expressions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/rendis/lockflow/pkg/schema"
)

// celVariables are the map-typed top-level names a compliance rule can use.
var celVariables = []string{"request", "borrower", "property", "loan", "lock", "record"}

// CELEngine evaluates compliance rules written in CEL.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// The environment exposes the record sections as map(string, dyn) variables
// (request, borrower, property, loan, lock, record) and the evaluation time
// as the timestamp `now`. The strings extension is enabled.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celVariables)+1)
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	opts = append(opts, cel.Variable("now", cel.TimestampType), ext.Strings())

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate runs expression against data. Missing sections are bound to
// empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalErr("CEL", expression, err)
	}

	return out.Value(), nil
}

// Compile checks an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, e.compile)
	return err
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileErr("CEL", expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileErr("CEL", expression, err)
	}
	return prg, nil
}

// buildActivation fills missing sections with empty maps and `now` with the
// current time so rules never hit an unbound variable.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables)+1)

	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if now, ok := data["now"].(time.Time); ok {
		activation["now"] = now
	} else {
		activation["now"] = time.Now().UTC()
	}

	return activation
}

var _ Engine = (*CELEngine)(nil)
