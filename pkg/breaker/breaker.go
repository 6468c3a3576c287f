// Package breaker implements the kernel's dynamic circuit breaker: a
// continuously adjusted strictness level, a discrete autonomy level
// derived from it, a panic mode entered when rejections spike, and
// per-agent reputation tracking that feeds back into both.
//
// Breaker performs no I/O as part of its ordinary request path; its
// level and system-state history can be written to and restored from
// disk via Save/Load, which the owning process calls on its own
// schedule (not on every request), matching the concurrency model's
// rule that disk I/O is deliberate and caller-driven, not implicit.
package breaker

import (
	"sync"
	"time"
)

// AutonomyLevel is the discrete operating mode derived from Strictness.
type AutonomyLevel string

const (
	LevelGreen AutonomyLevel = "GREEN"
	LevelAmber AutonomyLevel = "AMBER"
	LevelRed   AutonomyLevel = "RED"
	LevelBlack AutonomyLevel = "BLACK"
)

// PanicMode is the breaker's orthogonal panic state, driven by rejection
// rate rather than strictness directly.
type PanicMode string

const (
	PanicNormal   PanicMode = "NORMAL"
	PanicElevated PanicMode = "ELEVATED"
	PanicActive   PanicMode = "PANIC"
)

const (
	initialStrictness        = 0.5
	minStrictness            = 0.0
	maxStrictness            = 1.0
	windowSize               = 5
	windowDuration           = 60.0 // seconds
	maxAdjustStep            = 0.1
	highRejectionThreshold   = 0.3
	lowRejectionThreshold    = 0.1
	panicRejectionThreshold  = 0.8
	minPanicCycles           = 3
	agentStrictnessMultiplier = 1.5
	panicRecoveryStep        = 0.2

	amberSilentThreshold  = 2 * time.Hour
	redSilentThreshold    = 6 * time.Hour
	amberBacklogThreshold = 5
	redCriticalThreshold  = 1
)

// baseRisks are per-operation intrinsic risk scores in [0,1] used when no
// manifest-resolved risk is available.
var baseRisks = map[string]float64{
	"read_file":       0.0,
	"write_file":      0.3,
	"delete_file":     0.8,
	"exec_code":       0.9,
	"trade_execute":   0.95,
	"network_request": 0.6,
	"git_commit":      0.5,
}

// operationThresholds override the agent-derived threshold for
// particularly sensitive operations.
var operationThresholds = map[string]float64{
	"exec_code":       0.8,
	"delete_file":     0.7,
	"trade_execute":   0.9,
	"network_request": 0.6,
}

// StateChangeFunc is invoked after the breaker's mutex is released
// whenever SetLevel, UpdateSystemState, or RecordHumanActivity changes
// the autonomy level.
type StateChangeFunc func(old, new AutonomyLevel)

// PanicModeFunc is invoked after the breaker's mutex is released
// whenever AdjustStrictness changes the panic mode.
type PanicModeFunc func(old, new PanicMode)

// maxLevelHistory bounds the retained level-transition log, matching the
// reference breaker's own capped history.
const maxLevelHistory = 100

// SystemState is the operator-reported health snapshot driving the
// breaker's host-activity autonomy transitions (GREEN/AMBER/RED/BLACK),
// alongside strictness. UpdateSystemState re-derives the level from it
// every time it is reported.
type SystemState struct {
	BacklogSize       int                `json:"backlog_size"`
	CriticalIssues    int                `json:"critical_issues"`
	FailedDeployments int                `json:"failed_deployments"`
	LastError         string             `json:"last_error,omitempty"`
	ResourceUsage     map[string]float64 `json:"resource_usage,omitempty"`
}

// LevelTransition records a single autonomy-level change for the
// persisted history log.
type LevelTransition struct {
	Timestamp time.Time     `json:"timestamp"`
	From      AutonomyLevel `json:"from"`
	To        AutonomyLevel `json:"to"`
}

// Breaker is the dynamic circuit breaker. Zero value is not usable; use
// New.
type Breaker struct {
	mu sync.Mutex

	strictness    float64
	level         AutonomyLevel
	panicMode     PanicMode
	panicCooldown int
	panicCycles   int

	current window
	history []window

	systemState       SystemState
	levelHistory      []LevelTransition
	hasHumanActivity  bool
	lastHumanActivity time.Time

	reputations map[string]*AgentReputation

	onStateChange StateChangeFunc
	onPanicMode   PanicModeFunc
}

// Option configures a Breaker at construction time.
type Option func(*Breaker)

// WithOnStateChange registers a callback fired after the autonomy level
// changes. Called with the mutex released.
func WithOnStateChange(f StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = f }
}

// WithOnPanicMode registers a callback fired after AdjustStrictness
// changes the panic mode. Called with the mutex released.
func WithOnPanicMode(f PanicModeFunc) Option {
	return func(b *Breaker) { b.onPanicMode = f }
}

// New creates a Breaker at its initial strictness and GREEN/NORMAL state.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		strictness:  initialStrictness,
		level:       LevelGreen,
		panicMode:   PanicNormal,
		reputations: make(map[string]*AgentReputation),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// window is one rolling metrics bucket.
type window struct {
	totalRequests    int
	rejectedRequests int
	forbiddenCount   int
}

func (w window) rejectionRate() float64 {
	if w.totalRequests == 0 {
		return 0
	}
	return float64(w.rejectedRequests) / float64(w.totalRequests)
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Strictness returns the current global strictness, scaled down for
// agents with poor reputation (StrictnessProvider implementation).
func (b *Breaker) Strictness(agentID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strictness
}

// IsPanicMode reports whether the breaker is currently in PANIC
// (StrictnessProvider implementation).
func (b *Breaker) IsPanicMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.panicMode == PanicActive
}

// AutonomyLevel returns the current discrete level as a string
// (StrictnessProvider implementation).
func (b *Breaker) AutonomyLevel() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.level)
}

// State is a snapshot of the breaker's orthogonal state, safe to persist
// or log.
type State struct {
	Strictness float64
	Level      AutonomyLevel
	PanicMode  PanicMode
}

// GetState returns a snapshot of the breaker's current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Strictness: b.strictness, Level: b.level, PanicMode: b.panicMode}
}

// SetLevel administratively overrides the autonomy level. It does not
// exit panic mode: an operator raising or lowering autonomy is a
// separate decision from whether the breaker believes agents are
// currently misbehaving.
func (b *Breaker) SetLevel(level AutonomyLevel) {
	b.mu.Lock()
	old := b.level
	b.level = level
	if old != level {
		b.recordTransitionLocked(old, level)
	}
	cb := b.onStateChange
	b.mu.Unlock()

	if cb != nil && old != level {
		cb(old, level)
	}
}

// recordTransitionLocked appends a level change to the bounded history
// log retained for persistence.
func (b *Breaker) recordTransitionLocked(from, to AutonomyLevel) {
	b.levelHistory = append(b.levelHistory, LevelTransition{
		Timestamp: time.Now(),
		From:      from,
		To:        to,
	})
	if len(b.levelHistory) > maxLevelHistory {
		b.levelHistory = b.levelHistory[len(b.levelHistory)-maxLevelHistory:]
	}
}

// UpdateSystemState replaces the operator-reported health snapshot and
// re-derives the autonomy level from it: any level escalates to BLACK
// once critical issues reach twice the RED threshold; GREEN escalates to
// AMBER once the host has been silent 2h with a backlog of 5 or more;
// AMBER escalates to RED once the host has been silent 6h with at least
// one critical issue outstanding.
func (b *Breaker) UpdateSystemState(state SystemState) {
	b.mu.Lock()
	b.systemState = state
	old := b.level
	newLevel := b.hostActivityLevelLocked()
	if old != newLevel {
		b.level = newLevel
		b.recordTransitionLocked(old, newLevel)
	}
	cb := b.onStateChange
	b.mu.Unlock()

	if cb != nil && old != newLevel {
		cb(old, newLevel)
	}
}

// hostActivityLevelLocked derives the autonomy level the current system
// state and host-silence duration imply, leaving the level unchanged
// when no escalation condition is met.
func (b *Breaker) hostActivityLevelLocked() AutonomyLevel {
	if b.systemState.CriticalIssues >= redCriticalThreshold*2 {
		return LevelBlack
	}
	if !b.hasHumanActivity {
		return b.level
	}
	silent := time.Since(b.lastHumanActivity)
	switch b.level {
	case LevelGreen:
		if silent >= amberSilentThreshold && b.systemState.BacklogSize >= amberBacklogThreshold {
			return LevelAmber
		}
	case LevelAmber:
		if silent >= redSilentThreshold && b.systemState.CriticalIssues >= redCriticalThreshold {
			return LevelRed
		}
	}
	return b.level
}

// RecordHumanActivity marks the host as having just checked in. Any
// level the breaker had escalated to de-escalates back to GREEN
// immediately, per spec: host activity observed at any level is an
// unconditional, immediate de-escalation.
func (b *Breaker) RecordHumanActivity() {
	b.mu.Lock()
	b.hasHumanActivity = true
	b.lastHumanActivity = time.Now()
	old := b.level
	if old != LevelGreen {
		b.level = LevelGreen
		b.recordTransitionLocked(old, LevelGreen)
	}
	cb := b.onStateChange
	b.mu.Unlock()

	if cb != nil && old != LevelGreen {
		cb(old, LevelGreen)
	}
}

func (b *Breaker) reputationLocked(agentID string) *AgentReputation {
	r, ok := b.reputations[agentID]
	if !ok {
		r = newAgentReputation(agentID)
		b.reputations[agentID] = r
	}
	return r
}

// estimateOperationRisk computes an operation's effective risk. Unknown
// operations (outside the static catalog above) fall back to the
// breaker's current strictness as their base risk, then the whole
// product is clamped, not the reputation factor alone: an agent with a
// poor score can still push a cheap, well-known operation's risk up,
// but never past 1.
func estimateOperationRisk(operation string, reputation *AgentReputation, strictness float64) float64 {
	base, ok := baseRisks[operation]
	if !ok {
		base = strictness
	}
	factor := 2.0 - reputation.Score()
	return clamp(0, 1, base*factor)
}

// agentThreshold computes the strictness-derived ceiling a single agent
// may operate under, widened for agents with strong reputations and
// narrowed for agents with poor ones.
func agentThreshold(strictness float64, reputation *AgentReputation) float64 {
	return strictness * clamp(0.5, 1.5, agentStrictnessMultiplier-reputation.Score())
}

// IsAllowed reports whether operation is currently permitted for
// agentID, estimating its risk from the breaker's own static catalog
// (falling back to current strictness for operations outside it). Panic
// mode denies unconditionally; otherwise the estimated risk is compared
// against the greater of the agent's threshold and any
// operation-specific override.
func (b *Breaker) IsAllowed(operation, agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicMode == PanicActive {
		return false
	}
	reputation := b.reputationLocked(agentID)
	risk := estimateOperationRisk(operation, reputation, b.strictness)
	return b.isAllowedLocked(operation, reputation, risk)
}

// IsAllowedForRisk is IsAllowed but takes a caller-supplied risk
// estimate (typically manifest-resolved) instead of consulting the
// static catalog, for integrations whose operation names don't match
// the breaker's own small set of known operation kinds.
func (b *Breaker) IsAllowedForRisk(operation, agentID string, risk float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicMode == PanicActive {
		return false
	}
	reputation := b.reputationLocked(agentID)
	return b.isAllowedLocked(operation, reputation, risk)
}

func (b *Breaker) isAllowedLocked(operation string, reputation *AgentReputation, risk float64) bool {
	effectiveThreshold := agentThreshold(b.strictness, reputation)
	if opThresh, ok := operationThresholds[operation]; ok && opThresh > effectiveThreshold {
		effectiveThreshold = opThresh
	}
	return risk <= effectiveThreshold
}

// RecordOutcome updates the current window and the agent's reputation
// after a request has been decided, and checks whether the outcome
// itself should trigger an immediate panic entry.
func (b *Breaker) RecordOutcome(agentID, operation string, approved, forbidden bool) {
	b.mu.Lock()

	b.current.totalRequests++
	if !approved {
		b.current.rejectedRequests++
	}
	if forbidden {
		b.current.forbiddenCount++
	}

	reputation := b.reputationLocked(agentID)
	reputation.record(approved, forbidden)

	triggerPanic := b.current.totalRequests >= 10 && b.current.rejectionRate() >= panicRejectionThreshold
	var oldPanic PanicMode
	panicChanged := false
	if triggerPanic && b.panicMode != PanicActive {
		oldPanic = b.panicMode
		b.enterPanicLocked()
		panicChanged = true
	}

	cb := b.onPanicMode
	newPanic := b.panicMode
	b.mu.Unlock()

	if panicChanged && cb != nil {
		cb(oldPanic, newPanic)
	}
}

func (b *Breaker) enterPanicLocked() {
	b.panicMode = PanicActive
	b.strictness = maxStrictness
	b.panicCooldown = minPanicCycles
	b.panicCycles = 0
}

// averageRejectionRate aggregates the rejection rate across the current
// window and its retained history.
func (b *Breaker) averageRejectionRate() float64 {
	total, rejected := b.current.totalRequests, b.current.rejectedRequests
	for _, w := range b.history {
		total += w.totalRequests
		rejected += w.rejectedRequests
	}
	if total == 0 {
		return 0
	}
	return float64(rejected) / float64(total)
}

// AdjustStrictness rotates the metrics window and adjusts strictness and
// panic mode for the cycle just completed. It never touches the
// autonomy level: that dimension is driven exclusively by
// UpdateSystemState/RecordHumanActivity (and administrative SetLevel
// overrides), so a tick here can never silently clobber either one. The
// ordering mirrors the reference breaker exactly: an immediate panic
// trigger is checked first (even ahead of already-active panic state),
// then active-panic maintenance/exit, then cooldown-phase strictness
// raising, then ordinary high/low threshold adjustment.
func (b *Breaker) AdjustStrictness() {
	b.mu.Lock()

	b.history = append(b.history, b.current)
	if len(b.history) > windowSize {
		b.history = b.history[len(b.history)-windowSize:]
	}
	rejectionRate := b.current.rejectionRate()
	b.current = window{}

	oldPanic := b.panicMode

	switch {
	case rejectionRate >= panicRejectionThreshold:
		b.enterPanicLocked()

	case b.panicMode == PanicActive:
		if b.panicCooldown > 0 {
			b.panicCooldown--
		} else if b.averageRejectionRate() < highRejectionThreshold {
			b.exitPanicLocked()
		}

	case b.panicCooldown > 0:
		b.strictness = clamp(minStrictness, maxStrictness, b.strictness+maxAdjustStep)
		if rejectionRate > highRejectionThreshold {
			b.panicCooldown = minPanicCycles
		} else {
			b.panicCooldown--
		}

	default:
		switch {
		case rejectionRate > highRejectionThreshold:
			b.strictness = clamp(minStrictness, maxStrictness, b.strictness+maxAdjustStep)
			b.panicCooldown = minPanicCycles
		case rejectionRate < lowRejectionThreshold:
			b.strictness = clamp(minStrictness, maxStrictness, b.strictness-maxAdjustStep)
		}
	}

	newPanic := b.panicMode
	panicCB := b.onPanicMode
	b.mu.Unlock()

	if panicCB != nil && oldPanic != newPanic {
		panicCB(oldPanic, newPanic)
	}
}

// exitPanicLocked restores the breaker to ELEVATED/NORMAL and relaxes
// strictness by the fixed recovery step, never below the breaker's
// initial strictness.
func (b *Breaker) exitPanicLocked() {
	b.panicMode = PanicNormal
	b.panicCooldown = 0
	b.strictness = maxFloat(initialStrictness, b.strictness-panicRecoveryStep)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Leaderboard returns a snapshot of every tracked agent's reputation,
// ordered by nothing in particular; callers sort as needed.
func (b *Breaker) Leaderboard() []AgentReputationSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AgentReputationSnapshot, 0, len(b.reputations))
	for _, r := range b.reputations {
		out = append(out, r.Snapshot())
	}
	return out
}

// ReputationOf returns a snapshot of a single agent's reputation. A
// never-seen agent reports the neutral starting reputation.
func (b *Breaker) ReputationOf(agentID string) AgentReputationSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reputationLocked(agentID).Snapshot()
}
