package contracts

import (
	"fmt"

	"github.com/ember6784/archon-ai-sub000/pkg/canonicalize"
	"github.com/ember6784/archon-ai-sub000/pkg/invariant"
	"github.com/ember6784/archon-ai-sub000/pkg/sanitizer"
)

// AlwaysAllow approves every request unconditionally.
type AlwaysAllow struct{ noopPost }

func (AlwaysAllow) CheckPre(*ExecutionContext, map[string]interface{}, StrictnessProvider) ValidationResult {
	return Approve("AlwaysAllow")
}

// AlwaysDeny denies every request unconditionally.
type AlwaysDeny struct {
	noopPost
	Message string
}

func (a AlwaysDeny) CheckPre(*ExecutionContext, map[string]interface{}, StrictnessProvider) ValidationResult {
	msg := a.Message
	if msg == "" {
		msg = "operation is unconditionally denied"
	}
	return Deny("AlwaysDeny", ReasonPermissionDenied, SeverityError, msg)
}

// RequirePermission approves only if ctx.AgentPermissions contains
// Permission.
type RequirePermission struct {
	noopPost
	Permission string
}

func (r RequirePermission) CheckPre(ctx *ExecutionContext, _ map[string]interface{}, _ StrictnessProvider) ValidationResult {
	for _, p := range ctx.AgentPermissions {
		if p == r.Permission {
			return Approve("RequirePermission")
		}
	}
	return Deny("RequirePermission", ReasonPermissionDenied, SeverityError,
		fmt.Sprintf("agent %q lacks required permission %q", ctx.AgentID, r.Permission))
}

// DomainEnabledChecker is the narrow capability RequireDomainEnabled
// needs from a manifest store.
type DomainEnabledChecker interface {
	IsDomainEnabled(domain string) bool
}

// RequireDomainEnabled approves only if the manifest marks ctx.Domain
// (or an explicitly configured Domain) as enabled.
type RequireDomainEnabled struct {
	noopPost
	Domain string
	Store  DomainEnabledChecker
}

func (r RequireDomainEnabled) CheckPre(ctx *ExecutionContext, _ map[string]interface{}, _ StrictnessProvider) ValidationResult {
	domain := r.Domain
	if domain == "" {
		domain = ctx.Domain
	}
	if r.Store == nil {
		return Deny("RequireDomainEnabled", ReasonInternalError, SeverityCritical, "no domain store configured")
	}
	if !r.Store.IsDomainEnabled(domain) {
		return Deny("RequireDomainEnabled", ReasonDomainDisabled, SeverityError,
			fmt.Sprintf("domain %q is disabled", domain))
	}
	return Approve("RequireDomainEnabled")
}

// MaxOperationSize approves only if ctx.Parameters' canonical JSON
// serialization does not exceed MaxBytes.
type MaxOperationSize struct {
	noopPost
	MaxBytes int
}

func (m MaxOperationSize) CheckPre(ctx *ExecutionContext, _ map[string]interface{}, _ StrictnessProvider) ValidationResult {
	ok, reason := invariant.MaxOperationSizeInvariant(m.MaxBytes)(ctx.Parameters)
	if !ok {
		return Deny("MaxOperationSize", ReasonResourceLimit, SeverityError, reason)
	}
	return Approve("MaxOperationSize")
}

// ProtectedPathCheck approves only if no parameter resolves to a
// protected filesystem path.
type ProtectedPathCheck struct{ noopPost }

func (ProtectedPathCheck) CheckPre(ctx *ExecutionContext, _ map[string]interface{}, _ StrictnessProvider) ValidationResult {
	ok, reason := invariant.NoProtectedPathAccess(ctx.Parameters)
	if !ok {
		return Deny("ProtectedPathCheck", ReasonPreConditionFailed, SeverityError, reason)
	}
	return Approve("ProtectedPathCheck")
}

// SanitizeCodeCheck approves only if the source string named by Field
// (ctx.Parameters["code"] when Field is empty) parses clean under the
// AST sanitizer: no blacklisted import, call, or attribute access, and
// no protected-path literal passed to open/Path. A missing or non-string
// Field is not itself a violation — operations that don't carry a code
// payload simply pass through.
type SanitizeCodeCheck struct {
	noopPost
	Field string
	Extra []string
}

func (s SanitizeCodeCheck) CheckPre(ctx *ExecutionContext, _ map[string]interface{}, _ StrictnessProvider) ValidationResult {
	field := s.Field
	if field == "" {
		field = "code"
	}
	raw, ok := ctx.Parameters[field]
	if !ok {
		return Approve("SanitizeCodeCheck")
	}
	code, ok := raw.(string)
	if !ok {
		return Deny("SanitizeCodeCheck", ReasonPreConditionFailed, SeverityError,
			fmt.Sprintf("parameter %q must be a string", field))
	}

	var opts []sanitizer.Option
	if len(s.Extra) > 0 {
		opts = append(opts, sanitizer.WithExtraBlacklistedFunctions(s.Extra...))
	}
	result := sanitizer.New(opts...).Sanitize(code)
	if result.SyntaxError {
		return Deny("SanitizeCodeCheck", ReasonPreConditionFailed, SeverityError,
			fmt.Sprintf("parameter %q failed to parse: %s", field, result.Error))
	}
	if !result.Safe {
		v := result.Violations[0]
		return Deny("SanitizeCodeCheck", ReasonInvariantViolated, SeverityCritical,
			fmt.Sprintf("parameter %q violates rule %q at line %d: %s", field, v.Rule, v.Line, v.Message))
	}
	return Approve("SanitizeCodeCheck")
}

// OperationContractResolver is the narrow capability
// RequireManifestContract needs from a manifest store.
type OperationContractResolver interface {
	GetRiskLevel(op string, def float64) float64
}

// RequireManifestContract approves only if the operation's manifest risk
// level is at or below MaxRisk.
type RequireManifestContract struct {
	noopPost
	Store   OperationContractResolver
	MaxRisk float64
}

func (r RequireManifestContract) CheckPre(ctx *ExecutionContext, _ map[string]interface{}, _ StrictnessProvider) ValidationResult {
	if r.Store == nil {
		return Deny("RequireManifestContract", ReasonInternalError, SeverityCritical, "no manifest store configured")
	}
	risk := r.Store.GetRiskLevel(ctx.Operation, r.MaxRisk)
	if risk > r.MaxRisk {
		return Deny("RequireManifestContract", ReasonRiskTooHigh, SeverityError,
			fmt.Sprintf("operation %q risk level %.2f exceeds manifest cap %.2f", ctx.Operation, risk, r.MaxRisk))
	}
	return Approve("RequireManifestContract")
}

// canonicalSize is a small shared helper trading leaves use to size a
// result payload for Details reporting.
func canonicalSize(v interface{}) int {
	data, err := canonicalize.JCS(v)
	if err != nil {
		return -1
	}
	return len(data)
}
