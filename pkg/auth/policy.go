package auth

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

// Actions checked by the permission policy.
const (
	ActionIssue   = "issue"
	ActionRetire  = "retire"
	ActionAnchor  = "anchor"
	ActionRead    = "read"
	ActionResolve = "resolve"
)

// DefaultPolicy grants writes by role and reads to every authenticated caller.
const DefaultPolicy = `role == "admin" ||
	(action == "issue" && role == "issuer") ||
	(action == "retire" && role in ["issuer", "retirer"]) ||
	(action == "anchor" && role in ["issuer", "auditor"]) ||
	action in ["read", "resolve"]`

// Checker decides whether a principal may perform an action.
type Checker interface {
	Check(ctx context.Context, p *Principal, action string) error
}

// CELChecker evaluates one boolean CEL expression over principal and
// action. Variables: subject, org, role, action.
type CELChecker struct {
	prg cel.Program
}

// NewCELChecker compiles expr; an empty expr uses DefaultPolicy.
func NewCELChecker(expr string) (*CELChecker, error) {
	if expr == "" {
		expr = DefaultPolicy
	}
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.StringType),
		cel.Variable("org", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("action", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile permission policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("permission policy must be boolean, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &CELChecker{prg: prg}, nil
}

func (c *CELChecker) Check(_ context.Context, p *Principal, action string) error {
	if p == nil {
		return apperr.New(apperr.CodeUnauthenticated, "authentication required")
	}
	out, _, err := c.prg.Eval(map[string]any{
		"subject": p.Subject,
		"org":     p.Org,
		"role":    p.Role,
		"action":  action,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "permission policy evaluation failed")
	}
	if allowed, ok := out.Value().(bool); !ok || !allowed {
		return apperr.New(apperr.CodePermissionDenied, "%s is not permitted for role %q", action, p.Role)
	}
	return nil
}
