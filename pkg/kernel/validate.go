package kernel

import (
	"context"
	"fmt"

	"github.com/ember6784/archon-ai-sub000/pkg/audit"
	"github.com/ember6784/archon-ai-sub000/pkg/breaker"
	"github.com/ember6784/archon-ai-sub000/pkg/contracts"
	"github.com/ember6784/archon-ai-sub000/pkg/invariant"
)

// isFastPathEligible reports whether op may skip the manifest,
// permission, risk, contract, circuit, resource and audit checks.
// Invariants are never skipped by this; the caller still runs them.
func (k *Kernel) isFastPathEligible(op string) bool {
	k.mu.RLock()
	allowed := k.fastPathOps[op]
	k.mu.RUnlock()
	if !allowed {
		return false
	}

	state := k.breaker.GetState()
	if state.Level == breaker.LevelRed || state.Level == breaker.LevelBlack {
		return false
	}

	domain := domainOf(op)
	if !k.manifestStore.IsDomainEnabled(domain) {
		return false
	}

	risk := k.manifestStore.GetRiskLevel(op, k.defaultRiskThreshold)
	return risk <= k.fastPathThreshold
}

// Validate runs the full validation chain for ec without invoking the
// operation callable, recording its own outcome in the kernel's stats.
// It is the standalone diagnostic/pre-flight entry point; Execute calls
// runValidationChain directly so the two don't double-count one request.
func (k *Kernel) Validate(ctx context.Context, ec *contracts.ExecutionContext) *contracts.ValidationResult {
	result := k.runValidationChain(ctx, ec)
	if result.Approved {
		k.stats.recordApproval(result.CheckName == "FastPath")
	} else {
		k.recordDenial(ec.AgentID, ec.Operation, result)
	}
	return result
}

// runValidationChain is the validation chain's logic with no stats
// side effects, shared by Validate and Execute.
func (k *Kernel) runValidationChain(ctx context.Context, ec *contracts.ExecutionContext) *contracts.ValidationResult {
	if k.isFastPathEligible(ec.Operation) {
		return approveResult("FastPath")
	}

	domain := domainOf(ec.Operation)
	domainCfg := k.manifestStore.GetDomainContract(domain)

	// 1. Domain enabled.
	if !domainCfg.Enabled {
		return denyResult("Validate", contracts.ReasonDomainDisabled, contracts.SeverityError,
			fmt.Sprintf("domain %q is disabled", domain))
	}

	// 2. Permission: when the domain requires RBAC, the agent must carry
	// a permission naming the domain (or a wildcard).
	if domainCfg.RBACRequired && !hasPermission(ec.AgentPermissions, domain) {
		return denyResult("Validate", contracts.ReasonPermissionDenied, contracts.SeverityError,
			fmt.Sprintf("agent %q lacks permission for domain %q", ec.AgentID, domain))
	}

	// 3. Circuit breaker categorical gate: BLACK blocks all non-read
	// operations, RED restricts to the explicit read-op set, AMBER defers
	// human-approval-required operations into the escalation workflow
	// instead of an outright deny. This runs ahead of the graduated risk
	// threshold below so a BLACK/RED block is reported as a circuit
	// denial, not conflated with an ordinary risk-too-high one.
	state := k.breaker.GetState()
	isRead := k.readOps[ec.Operation]
	switch state.Level {
	case breaker.LevelBlack:
		if !isRead {
			return denyResult("Validate", contracts.ReasonCircuitOpen, contracts.SeverityCritical,
				"autonomy level BLACK blocks all non-read operations")
		}
	case breaker.LevelRed:
		if !isRead {
			return denyResult("Validate", contracts.ReasonCircuitOpen, contracts.SeverityError,
				"autonomy level RED restricts execution to read operations")
		}
	case breaker.LevelAmber:
		if domainCfg.HumanApprovalNeeded {
			return k.escalate(ec, domain)
		}
	}

	// 4. Risk threshold. Read operations are exempt from the
	// autonomy-level scaling term, since the categorical gate above
	// already decided whether a read may proceed at all.
	levelTerm := levelMultiplier[state.Level]
	if isRead {
		levelTerm = 1.0
	}
	effectiveThreshold := k.defaultRiskThreshold * levelTerm
	if k.cfg != nil {
		effectiveThreshold *= k.cfg.SecurityMultiplier()
	}
	risk := k.manifestStore.GetRiskLevel(ec.Operation, k.defaultRiskThreshold)
	if risk > effectiveThreshold {
		return denyResult("Validate", contracts.ReasonRiskTooHigh, contracts.SeverityError,
			fmt.Sprintf("operation %q risk %.2f exceeds effective threshold %.2f", ec.Operation, risk, effectiveThreshold))
	}

	// 4b. Aggregate risk accounting, when configured: a sliding window
	// that denies bursts of individually-acceptable operations, closing
	// the threshold-gaming gap a per-request check alone leaves open.
	if k.riskAccounting != nil {
		if err := k.riskAccounting.CheckAndRecord(ec.Operation, risk); err != nil {
			return denyResult("Validate", contracts.ReasonRateLimited, contracts.SeverityError, err.Error())
		}
	}

	// 5. Pre-conditions (registered Intent Contract).
	k.mu.RLock()
	contract := k.contractsByOp[ec.Operation]
	k.mu.RUnlock()
	if contract != nil {
		manifestData := map[string]interface{}{
			"domain_enabled":          domainCfg.Enabled,
			"max_risk_level":          domainCfg.MaxRiskLevel,
			"debate_required":         domainCfg.DebateRequired,
			"human_approval_required": domainCfg.HumanApprovalNeeded,
		}
		result := contract.CheckPre(ec, manifestData, k.breaker)
		if !result.Approved {
			return &result
		}
	}

	// 5b. Circuit breaker's own reputation-weighted gate, layered on top
	// of the categorical level gate above.
	if !k.breaker.IsAllowedForRisk(ec.Operation, ec.AgentID, risk) {
		return denyResult("Validate", contracts.ReasonCircuitOpen, contracts.SeverityError,
			fmt.Sprintf("circuit breaker denies operation %q for agent %q", ec.Operation, ec.AgentID))
	}

	// 6. Resource limits.
	limit := k.resourceLimitBytes
	if opCfg, ok := k.manifestStore.GetOperationContract(ec.Operation); ok && opCfg.MaxOperationSize > 0 {
		limit = opCfg.MaxOperationSize
	}
	if ok, reason := invariant.MaxOperationSizeInvariant(limit)(ec.Parameters); !ok {
		return denyResult("Validate", contracts.ReasonResourceLimit, contracts.SeverityError, reason)
	}

	// 7. Audit emit, fail-closed.
	if err := k.auditLogger.Record(ctx, ec.AgentID, audit.EventAccess, ec.Operation, domain, map[string]interface{}{
		"request_id": ec.RequestID,
	}); err != nil && k.auditFailClosed {
		return denyResult("Validate", contracts.ReasonAuditFailed, contracts.SeverityCritical,
			fmt.Sprintf("audit emit failed: %v", err))
	}

	return approveResult("Validate")
}

func hasPermission(perms []string, domain string) bool {
	for _, p := range perms {
		if p == domain || p == "*" {
			return true
		}
	}
	return false
}

func (k *Kernel) escalate(ec *contracts.ExecutionContext, domain string) *contracts.ValidationResult {
	req, err := k.escalations.Create(ec.AgentID, ec.Operation, domain, ec.Parameters)
	if err != nil {
		return denyResult("Validate", contracts.ReasonInternalError, contracts.SeverityCritical,
			fmt.Sprintf("failed to create approval request: %v", err))
	}
	return &contracts.ValidationResult{
		Approved:  false,
		Reason:    contracts.ReasonApprovalRequired,
		Message:   fmt.Sprintf("operation %q requires human approval", ec.Operation),
		Severity:  contracts.SeverityWarning,
		CheckName: "Validate",
		Details:   map[string]interface{}{"approval_request_id": req.ID},
	}
}
