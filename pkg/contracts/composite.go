package contracts

// And approves only when every child approves; on denial it returns the
// first child's denial, preserving that child's reason.
type And struct {
	Children []Contract
}

func (a And) CheckPre(ctx *ExecutionContext, manifestData map[string]interface{}, strictness StrictnessProvider) ValidationResult {
	for _, child := range a.Children {
		result := child.CheckPre(ctx, manifestData, strictness)
		if !result.Approved {
			return result
		}
	}
	return Approve("And")
}

func (a And) CheckPost(ctx *ExecutionContext, manifestData map[string]interface{}, result interface{}) PostConditionResult {
	for _, child := range a.Children {
		r := child.CheckPost(ctx, manifestData, result)
		if !r.Approved {
			return r
		}
	}
	return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
}

// Or approves if any child approves; on total denial it returns the
// highest-severity child denial.
type Or struct {
	Children []Contract
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

func (o Or) CheckPre(ctx *ExecutionContext, manifestData map[string]interface{}, strictness StrictnessProvider) ValidationResult {
	var worst ValidationResult
	haveDenial := false
	for _, child := range o.Children {
		result := child.CheckPre(ctx, manifestData, strictness)
		if result.Approved {
			return result
		}
		if !haveDenial || severityRank(result.Severity) > severityRank(worst.Severity) {
			worst = result
			haveDenial = true
		}
	}
	if haveDenial {
		return worst
	}
	return Approve("Or")
}

func (o Or) CheckPost(ctx *ExecutionContext, manifestData map[string]interface{}, result interface{}) PostConditionResult {
	var worst PostConditionResult
	haveDenial := false
	for _, child := range o.Children {
		r := child.CheckPost(ctx, manifestData, result)
		if r.Approved {
			return r
		}
		if !haveDenial || severityRank(r.Severity) > severityRank(worst.Severity) {
			worst = r
			haveDenial = true
		}
	}
	if haveDenial {
		return worst
	}
	return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
}

// Not inverts its child's approval. Inverting a denial produces a
// generic approval rather than surfacing the child's denial reason,
// since "not <specific denial>" carries no specific meaning of its own.
type Not struct {
	Child Contract
}

func (n Not) CheckPre(ctx *ExecutionContext, manifestData map[string]interface{}, strictness StrictnessProvider) ValidationResult {
	result := n.Child.CheckPre(ctx, manifestData, strictness)
	if result.Approved {
		return Deny("Not", ReasonPreConditionFailed, SeverityError, "negative contract's child unexpectedly approved")
	}
	return ValidationResult{
		Approved:  true,
		Reason:    ReasonApproved,
		Message:   "negative contract satisfied",
		Severity:  SeverityInfo,
		CheckName: "Not",
	}
}

func (n Not) CheckPost(ctx *ExecutionContext, manifestData map[string]interface{}, result interface{}) PostConditionResult {
	r := n.Child.CheckPost(ctx, manifestData, result)
	if r.Approved {
		return PostConditionResult{Approved: false, Reason: ReasonPostConditionFailed, Severity: SeverityError, Message: "negative contract's child unexpectedly approved"}
	}
	return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo, Message: "negative contract satisfied"}
}
