package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/lockflow/pkg/schema"
)

// ExprEngine evaluates loan eligibility rules with expr-lang/expr. Every key
// of the data map is a top-level variable.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalErr("expr", expression, err)
	}

	return out, nil
}

// Compile checks that expression compiles and caches the program.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, compileExpr)
	return err
}

// compileExpr targets an untyped environment so one program serves every
// record shape.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileErr("expr", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
