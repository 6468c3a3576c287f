package contracts

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEnv is the shared CEL environment every CustomInvariant evaluates
// against. module mirrors the operation being validated; timestamp is
// its Unix-seconds submission time; params exposes the raw parameter map
// for expressions like `params.amount < 10000`.
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func sharedCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("module", cel.StringType),
			cel.Variable("operation", cel.StringType),
			cel.Variable("agent_id", cel.StringType),
			cel.Variable("timestamp", cel.DoubleType),
			cel.Variable("params", cel.DynType),
			cel.Variable("strictness", cel.DoubleType),
		)
	})
	return celEnv, celEnvErr
}

// programCache memoizes compiled CEL programs by expression text, guarded
// by a double-checked-locking RWMutex so concurrent validations of the
// same operation don't recompile the same expression.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]cel.Program
}

var sharedProgramCache = &programCache{programs: make(map[string]cel.Program)}

func (c *programCache) get(expression string) (cel.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-checked: another goroutine may have compiled it while we
	// waited for the write lock.
	if prog, ok := c.programs[expression]; ok {
		return prog, nil
	}

	env, err := sharedCELEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile %q: %w", expression, issues.Err())
	}
	prog, err = env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("cel program %q: %w", expression, err)
	}
	c.programs[expression] = prog
	return prog, nil
}

// CustomInvariant evaluates a CEL boolean Expression against the
// request. A true result approves; false or an evaluation error denies.
type CustomInvariant struct {
	noopPost
	Name       string
	Expression string
}

func (c CustomInvariant) CheckPre(ctx *ExecutionContext, _ map[string]interface{}, strictness StrictnessProvider) ValidationResult {
	prog, err := sharedProgramCache.get(c.Expression)
	if err != nil {
		return Deny(c.checkName(), ReasonInternalError, SeverityCritical, fmt.Sprintf("custom invariant %q failed to compile: %v", c.Name, err))
	}

	var strictVal float64
	if strictness != nil {
		strictVal = strictness.Strictness(ctx.AgentID)
	}

	out, _, err := prog.Eval(map[string]interface{}{
		"module":     ctx.Domain,
		"operation":  ctx.Operation,
		"agent_id":   ctx.AgentID,
		"timestamp":  float64(ctx.Timestamp.Unix()),
		"params":     ctx.Parameters,
		"strictness": strictVal,
	})
	if err != nil {
		return Deny(c.checkName(), ReasonInvariantViolated, SeverityError, fmt.Sprintf("custom invariant %q evaluation error: %v", c.Name, err))
	}

	approved, ok := out.Value().(bool)
	if !ok {
		return Deny(c.checkName(), ReasonInternalError, SeverityCritical, fmt.Sprintf("custom invariant %q did not evaluate to a boolean", c.Name))
	}
	if !approved {
		return Deny(c.checkName(), ReasonInvariantViolated, SeverityError, fmt.Sprintf("custom invariant %q evaluated false", c.Name))
	}
	return Approve(c.checkName())
}

func (c CustomInvariant) checkName() string {
	if c.Name != "" {
		return "CustomInvariant:" + c.Name
	}
	return "CustomInvariant"
}
