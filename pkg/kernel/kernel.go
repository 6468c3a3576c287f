// Package kernel implements the execution kernel: the orchestrator that
// validates every operation request against the manifest, the Intent
// Contract tree, the always-on invariants, and the circuit breaker
// before invoking the registered operation callable, then re-validates
// the result.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ember6784/archon-ai-sub000/pkg/audit"
	"github.com/ember6784/archon-ai-sub000/pkg/breaker"
	"github.com/ember6784/archon-ai-sub000/pkg/config"
	"github.com/ember6784/archon-ai-sub000/pkg/contracts"
	"github.com/ember6784/archon-ai-sub000/pkg/escalation"
	"github.com/ember6784/archon-ai-sub000/pkg/firewall"
	"github.com/ember6784/archon-ai-sub000/pkg/governance"
	"github.com/ember6784/archon-ai-sub000/pkg/invariant"
	"github.com/ember6784/archon-ai-sub000/pkg/manifest"
	"github.com/ember6784/archon-ai-sub000/pkg/policyloader"
)

// OperationFunc is a registered operation's implementation. The kernel
// treats it as an opaque callable: it does not inspect or sandbox what
// runs inside.
type OperationFunc func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

// PermissionError is returned by Execute when validation denies a
// request before the operation callable ever runs.
type PermissionError struct {
	Reason  contracts.DecisionReason
	Message string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied (%s): %s", e.Reason, e.Message)
}

type registeredOperation struct {
	fn           OperationFunc
	description  string
	registeredAt time.Time
}

// levelMultiplier is the §4.6 risk-threshold term derived from the
// circuit breaker's autonomy level.
var levelMultiplier = map[breaker.AutonomyLevel]float64{
	breaker.LevelGreen: 1.0,
	breaker.LevelAmber: 0.7,
	breaker.LevelRed:   0.3,
	breaker.LevelBlack: 0.0,
}

// KernelStats is the snapshot GetStats returns.
type KernelStats struct {
	TotalRequests int
	Approved      int
	Denied        int
	FastPathHits  int
	DenialsByReason map[contracts.DecisionReason]int
	CurrentLevel    breaker.AutonomyLevel
	SecurityLevel   config.SecurityLevel
}

type stats struct {
	mu              sync.Mutex
	total, approved, denied, fastPathHits int
	denialsByReason map[contracts.DecisionReason]int
}

func newStats() *stats {
	return &stats{denialsByReason: make(map[contracts.DecisionReason]int)}
}

func (s *stats) recordApproval(fastPath bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.approved++
	if fastPath {
		s.fastPathHits++
	}
}

func (s *stats) recordDenial(reason contracts.DecisionReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.denied++
	s.denialsByReason[reason]++
}

// Kernel is the execution kernel. Construct with New.
type Kernel struct {
	mu         sync.RWMutex
	operations map[string]registeredOperation
	contractsByOp map[string]contracts.Contract
	readOps    map[string]bool
	fastPathOps map[string]bool

	invariants    *invariant.Registry
	manifestStore *manifest.Store
	breaker       *breaker.Breaker
	escalations   *escalation.Manager
	auditLogger   audit.Logger
	cfg           *config.Config
	firewall      *firewall.PolicyFirewall
	denials       *governance.DenialLedger
	riskAccounting *governance.AggregateRiskAccounting

	auditFailClosed      bool
	defaultRiskThreshold float64
	fastPathThreshold    float64
	resourceLimitBytes   int

	stats *stats
	clock func() time.Time
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithAuditFailClosed controls whether a failed audit write blocks the
// operation (true, the default) or is best-effort.
func WithAuditFailClosed(failClosed bool) Option {
	return func(k *Kernel) { k.auditFailClosed = failClosed }
}

// WithDefaultRiskThreshold overrides the base term of the risk-threshold
// formula (default 0.5).
func WithDefaultRiskThreshold(t float64) Option {
	return func(k *Kernel) { k.defaultRiskThreshold = t }
}

// WithFastPathThreshold overrides the manifest risk ceiling below which
// an allow-listed operation is fast-path eligible (default 0.2).
func WithFastPathThreshold(t float64) Option {
	return func(k *Kernel) { k.fastPathThreshold = t }
}

// WithFastPathOperations marks the given operation names fast-path
// eligible, subject to the manifest-risk and circuit-level conditions.
func WithFastPathOperations(ops ...string) Option {
	return func(k *Kernel) {
		for _, op := range ops {
			k.fastPathOps[op] = true
		}
	}
}

// WithReadOperations marks the given operation names as the explicit
// read-only set RED autonomy still permits.
func WithReadOperations(ops ...string) Option {
	return func(k *Kernel) {
		for _, op := range ops {
			k.readOps[op] = true
		}
	}
}

// WithResourceLimitBytes overrides the default payload size cap (default
// 1 MiB) enforced during the resource-limits validation step.
func WithResourceLimitBytes(n int) Option {
	return func(k *Kernel) { k.resourceLimitBytes = n }
}

// WithClock overrides the kernel's time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithRiskAccounting attaches a sliding-window aggregate risk ledger.
// When set, every operation that clears the per-request risk threshold
// (step 4 of the validation chain) must also clear this ledger's window,
// so an agent cannot game the threshold by bursting many
// individually-acceptable operations back to back.
func WithRiskAccounting(a *governance.AggregateRiskAccounting) Option {
	return func(k *Kernel) { k.riskAccounting = a }
}

// New constructs a Kernel wired to the given collaborators.
func New(cfg *config.Config, manifestStore *manifest.Store, inv *invariant.Registry, cb *breaker.Breaker, escalations *escalation.Manager, auditLogger audit.Logger, opts ...Option) *Kernel {
	k := &Kernel{
		operations:           make(map[string]registeredOperation),
		contractsByOp:        make(map[string]contracts.Contract),
		readOps:              make(map[string]bool),
		fastPathOps:          make(map[string]bool),
		invariants:           inv,
		manifestStore:        manifestStore,
		breaker:              cb,
		escalations:          escalations,
		auditLogger:          auditLogger,
		cfg:                  cfg,
		auditFailClosed:      true,
		defaultRiskThreshold: 0.5,
		fastPathThreshold:    0.2,
		resourceLimitBytes:   1 << 20,
		stats:                newStats(),
		clock:                time.Now,
	}
	k.firewall = firewall.NewPolicyFirewall(firewallProbe{})
	for _, opt := range opts {
		opt(k)
	}
	k.denials = governance.NewDenialLedger().WithClock(k.clock)
	return k
}

// firewallProbe is a no-op firewall.Dispatcher. The kernel only asks its
// firewall to check allowlist membership and, if registered, validate a
// payload's shape against a JSON Schema (step 3 of Execute); invocation
// of the operation callable itself happens afterward, once invariants
// have also run, so the firewall never actually dispatches anything.
type firewallProbe struct{}

func (firewallProbe) Dispatch(context.Context, string, map[string]interface{}) (interface{}, error) {
	return nil, nil
}

// RegisterOperation adds fn to the whitelist under name.
func (k *Kernel) RegisterOperation(name string, fn OperationFunc, description string) error {
	if name == "" {
		return fmt.Errorf("kernel: operation name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("kernel: operation %q: fn must not be nil", name)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.operations[name] = registeredOperation{fn: fn, description: description, registeredAt: k.clock()}
	return k.firewall.AllowTool(name, "")
}

// RegisterSchema attaches a JSON Schema (2020-12) that op's payload must
// validate against before its callable runs. op must already be
// registered; the schema is compiled immediately, so a malformed schema
// fails at registration time rather than on the next request.
func (k *Kernel) RegisterSchema(op string, schema string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.operations[op]; !ok {
		return fmt.Errorf("kernel: cannot register a schema for unregistered operation %q", op)
	}
	return k.firewall.AllowTool(op, schema)
}

// UnregisterOperation removes name from the whitelist, an emergency
// disable switch that takes effect on the next request.
func (k *Kernel) UnregisterOperation(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.operations, name)
	k.firewall.DisallowTool(name)
}

// RegisterContract attaches an Intent Contract to op. A later call
// replaces the previous contract rather than composing with it; callers
// wanting composition should build an And/Or tree themselves.
func (k *Kernel) RegisterContract(op string, c contracts.Contract) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.contractsByOp[op] = c
}

// LoadPolicyBundles reads every JSON policy bundle from dir and
// registers each enabled, BLOCK-action rule as a CEL CustomInvariant
// contract on the operation its rule ID names; WARN/LOG rules are
// loaded but not enforced, since only Deny/Approve contracts exist here.
// Later bundle reloads (e.g. a file watcher calling loader.LoadFile
// again) re-apply automatically through the registered OnReload hook.
func (k *Kernel) LoadPolicyBundles(dir string) error {
	loader := policyloader.NewLoader(dir)
	loader.OnReload(k.applyPolicyBundle)
	return loader.LoadAll()
}

func (k *Kernel) applyPolicyBundle(bundle *policyloader.PolicyBundle) {
	for _, rule := range bundle.Rules {
		if !rule.Enabled || rule.Action != "BLOCK" {
			continue
		}
		k.RegisterContract(rule.ID, contracts.CustomInvariant{Name: rule.Name, Expression: rule.Expression})
	}
}

// AddInvariant attaches an always-on invariant, run pre- and
// post-execution for every operation.
func (k *Kernel) AddInvariant(inv invariant.Invariant) {
	k.invariants.Add(inv.Name, inv.Predicate)
}

// SetCircuitState administratively overrides the breaker's autonomy
// level. The change is audited like any other mutation.
func (k *Kernel) SetCircuitState(level breaker.AutonomyLevel) {
	k.breaker.SetLevel(level)
	_ = k.auditLogger.Record(context.Background(), "system", audit.EventSystem, "SetCircuitState", string(level), nil)
}

// DenialLedger returns the content-hashed denial receipts accumulated
// across every Execute/Validate call, queryable by reason or principal.
func (k *Kernel) DenialLedger() *governance.DenialLedger {
	return k.denials
}

// denialReasonToGovernance maps a validation-chain decision reason onto
// one of the denial ledger's coarser categories.
func denialReasonToGovernance(r contracts.DecisionReason) governance.DenialReason {
	switch r {
	case contracts.ReasonDomainDisabled, contracts.ReasonDomainNotFound, contracts.ReasonPermissionDenied,
		contracts.ReasonDebateRequired, contracts.ReasonApprovalRequired:
		return governance.DenialPolicy
	case contracts.ReasonRiskTooHigh, contracts.ReasonResourceLimit, contracts.ReasonRateLimited:
		return governance.DenialBudget
	case contracts.ReasonPreConditionFailed, contracts.ReasonPostConditionFailed, contracts.ReasonInvariantViolated:
		return governance.DenialVerification
	case contracts.ReasonCircuitOpen:
		return governance.DenialEnvelope
	case contracts.ReasonAuditFailed:
		return governance.DenialProvenance
	default:
		return governance.DenialSandbox
	}
}

// recordDenial updates the running stats counters and appends a
// content-hashed receipt to the denial ledger for a single denied
// outcome.
func (k *Kernel) recordDenial(agentID, op string, result *contracts.ValidationResult) {
	k.stats.recordDenial(result.Reason)
	k.denials.DenyWithContext(agentID, "", op, "", denialReasonToGovernance(result.Reason), result.Message, "", "")
}

// GetStats returns a snapshot of the kernel's running counters.
func (k *Kernel) GetStats() KernelStats {
	k.stats.mu.Lock()
	byReason := make(map[contracts.DecisionReason]int, len(k.stats.denialsByReason))
	for r, c := range k.stats.denialsByReason {
		byReason[r] = c
	}
	snap := KernelStats{
		TotalRequests:   k.stats.total,
		Approved:        k.stats.approved,
		Denied:          k.stats.denied,
		FastPathHits:    k.stats.fastPathHits,
		DenialsByReason: byReason,
	}
	k.stats.mu.Unlock()

	state := k.breaker.GetState()
	snap.CurrentLevel = state.Level
	if k.cfg != nil {
		snap.SecurityLevel = k.cfg.SecurityLevel
	}
	return snap
}

// domainOf derives an operation's domain from its "<domain>.<action>"
// name, falling back to the full operation name when there is no
// separator (an operation with no domain prefix belongs to itself).
func domainOf(op string) string {
	if i := strings.Index(op, "."); i >= 0 {
		return op[:i]
	}
	return op
}

func approveResult(checkName string) *contracts.ValidationResult {
	r := contracts.Approve(checkName)
	return &r
}

func denyResult(checkName string, reason contracts.DecisionReason, severity contracts.Severity, message string) *contracts.ValidationResult {
	r := contracts.Deny(checkName, reason, severity, message)
	return &r
}
