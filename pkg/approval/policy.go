package approval

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/steward-sh/steward/pkg/plan"
)

// Policy evaluates whether an actor has rights over a plan. The rule
// is a CEL expression over {actor, channel, action_type, payload}
// returning bool, e.g.:
//
//	actor != "" && (channel != "erp" || actor.startsWith("finance-"))
//
// A nil Policy allows every verified actor.
type Policy struct {
	program cel.Program
}

// NewPolicy compiles the expression once at construction.
func NewPolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("action_type", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create policy env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy must evaluate to bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build policy program: %w", err)
	}
	return &Policy{program: program}, nil
}

// Allows evaluates the policy for the actor and plan. Evaluation
// errors fail closed.
func (p *Policy) Allows(actor string, pl *plan.Plan) (bool, error) {
	if p == nil {
		return true, nil
	}
	payload := pl.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := p.program.Eval(map[string]any{
		"actor":       actor,
		"channel":     string(pl.Channel),
		"action_type": pl.ActionType,
		"payload":     payload,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, expected bool", out.Value())
	}
	return allowed, nil
}
