package kernel

import (
	"context"

	"github.com/google/uuid"

	"github.com/ember6784/archon-ai-sub000/pkg/contracts"
	"github.com/ember6784/archon-ai-sub000/pkg/firewall"
	"github.com/ember6784/archon-ai-sub000/pkg/invariant"
)

// Execute is the kernel's single entry point: it validates, invokes the
// registered operation callable, and re-validates the result. A denial
// at any step short-circuits and returns a *PermissionError alongside
// the ValidationResult that explains why. Exactly one stats outcome is
// recorded per call, regardless of which step denies.
func (k *Kernel) Execute(ctx context.Context, op string, payload map[string]interface{}, agentID string) (interface{}, *contracts.ValidationResult, error) {
	// 1. Build ExecutionContext.
	ec := &contracts.ExecutionContext{
		RequestID:  uuid.NewString(),
		AgentID:    agentID,
		Operation:  op,
		Domain:     domainOf(op),
		Parameters: payload,
		Timestamp:  k.clock(),
	}

	// 2. Validate.
	result := k.runValidationChain(ctx, ec)
	if !result.Approved {
		k.recordDenial(agentID, op, result)
		return nil, result, &PermissionError{Reason: result.Reason, Message: result.Message}
	}

	// 3. Enforce whitelist membership and, if one was registered for op,
	// validate payload's shape against its JSON Schema.
	k.mu.RLock()
	_, err := k.firewall.CallTool(ctx, firewall.PolicyInputBundle{ActorID: agentID}, op, payload)
	reg := k.operations[op]
	k.mu.RUnlock()
	if err != nil {
		reason := contracts.ReasonDomainNotFound
		if reg.fn != nil {
			// op is registered; the firewall denied on schema shape, not
			// allowlist membership.
			reason = contracts.ReasonPreConditionFailed
		}
		denial := denyResult("Execute", reason, contracts.SeverityError, err.Error())
		k.recordDenial(agentID, op, denial)
		return nil, denial, &PermissionError{Reason: denial.Reason, Message: err.Error()}
	}

	// 5. Invariants, pre-execution. These never skip, including on the
	// fast path: the fast-path short-circuit inside runValidationChain
	// covers steps 1-4 and 6-9 of the chain, not this step.
	if v, found := invariant.FirstViolation(k.invariants.CheckAll(payload)); found {
		denial := denyResult("Execute", contracts.ReasonInvariantViolated, contracts.SeverityCritical, v.Reason)
		k.recordDenial(agentID, op, denial)
		return nil, denial, &PermissionError{Reason: denial.Reason, Message: v.Reason}
	}

	// 6. Invoke the operation callable.
	output, err := reg.fn(ctx, payload)
	if err != nil {
		denial := denyResult("Execute", contracts.ReasonInternalError, contracts.SeverityError, err.Error())
		k.recordDenial(agentID, op, denial)
		return nil, denial, err
	}

	// 7. Post-conditions.
	k.mu.RLock()
	contract := k.contractsByOp[op]
	k.mu.RUnlock()
	if contract != nil {
		post := contract.CheckPost(ec, nil, output)
		if !post.Approved {
			denial := &contracts.ValidationResult{
				Approved: false, Reason: post.Reason, Message: post.Message,
				Severity: post.Severity, CheckName: "CheckPost", Timestamp: k.clock(),
			}
			k.recordDenial(agentID, op, denial)
			return nil, denial, &PermissionError{Reason: post.Reason, Message: post.Message}
		}
	}

	// 8. Re-run invariants against the result, when it is itself a
	// payload-shaped map; opaque result types are left to the caller.
	if resultPayload, ok := output.(map[string]interface{}); ok {
		if v, found := invariant.FirstViolation(k.invariants.CheckAll(resultPayload)); found {
			denial := denyResult("Execute", contracts.ReasonInvariantViolated, contracts.SeverityCritical, v.Reason)
			k.recordDenial(agentID, op, denial)
			return nil, denial, &PermissionError{Reason: denial.Reason, Message: v.Reason}
		}
	}

	k.breaker.RecordOutcome(agentID, op, true, false)
	k.stats.recordApproval(false)
	final := approveResult("Execute")
	final.Timestamp = k.clock()
	return output, final, nil
}
