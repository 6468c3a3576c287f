package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsAtInitialStrictnessAndGreen(t *testing.T) {
	b := New()
	state := b.GetState()
	assert.Equal(t, 0.5, state.Strictness)
	assert.Equal(t, LevelGreen, state.Level)
	assert.Equal(t, PanicNormal, state.PanicMode)
}

func TestIsAllowed_LowRiskOperationAllowedForNewAgent(t *testing.T) {
	b := New()
	assert.True(t, b.IsAllowed("read_file", "agent-1"))
}

func TestIsAllowed_HighRiskOperationDeniedAtDefaultStrictness(t *testing.T) {
	b := New()
	assert.False(t, b.IsAllowed("trade_execute", "agent-1"))
}

func TestIsAllowed_PanicModeDeniesUnconditionally(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.RecordOutcome("agent-1", "read_file", false, false)
	}
	require.True(t, b.IsPanicMode())
	assert.False(t, b.IsAllowed("read_file", "agent-1"))
}

func TestRecordOutcome_TriggersImmediatePanicOnWindowRejectionSpike(t *testing.T) {
	b := New()
	for i := 0; i < 9; i++ {
		b.RecordOutcome("agent-1", "read_file", false, false)
	}
	assert.Equal(t, PanicNormal, b.GetState().PanicMode)
	b.RecordOutcome("agent-1", "read_file", false, false)
	assert.Equal(t, PanicActive, b.GetState().PanicMode)
}

func TestAgentReputation_ScoreUnchangedBelowFiveRequests(t *testing.T) {
	b := New()
	for i := 0; i < 4; i++ {
		b.RecordOutcome("agent-1", "read_file", false, false)
	}
	snap := b.ReputationOf("agent-1")
	assert.Equal(t, 1.0, snap.Score)
}

func TestAgentReputation_ScoreFormula(t *testing.T) {
	b := New()
	// 10 requests: 6 approved, 4 rejected, 1 forbidden.
	outcomes := []struct {
		approved, forbidden bool
	}{
		{true, false}, {true, false}, {true, false}, {true, false}, {true, false}, {true, false},
		{false, true}, {false, false}, {false, false}, {false, false},
	}
	for _, o := range outcomes {
		b.RecordOutcome("agent-1", "read_file", o.approved, o.forbidden)
	}
	snap := b.ReputationOf("agent-1")

	rejectionRate := 4.0 / 10.0
	rejectionPenalty := rejectionRate * 0.5
	forbiddenPenalty := 0.15 // min(1*0.15, 0.4)
	successBonus := 0.12    // min(6*0.02, 0.2)
	expected := clamp(0, 1, 1-rejectionPenalty-forbiddenPenalty+successBonus)

	assert.InDelta(t, expected, snap.Score, 1e-9)
}

func TestAgentReputation_IsTrustedRequiresScoreAndCleanHistory(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.RecordOutcome("agent-1", "read_file", true, false)
	}
	snap := b.ReputationOf("agent-1")
	assert.True(t, snap.IsTrusted)

	b2 := New()
	for i := 0; i < 3; i++ {
		b2.RecordOutcome("agent-2", "read_file", false, true)
	}
	for i := 0; i < 3; i++ {
		b2.RecordOutcome("agent-2", "read_file", true, false)
	}
	snap2 := b2.ReputationOf("agent-2")
	assert.False(t, snap2.IsTrusted)
}

func TestAdjustStrictness_RaisesOnHighRejectionRate(t *testing.T) {
	b := New()
	// 3 of 7 rejected (~0.43) sits above the high-rejection threshold
	// (0.3) but below the panic threshold (0.8), and the window stays
	// under 10 requests so RecordOutcome's own immediate-panic check
	// never fires.
	for i := 0; i < 3; i++ {
		b.RecordOutcome("agent-1", "read_file", false, false)
	}
	for i := 0; i < 4; i++ {
		b.RecordOutcome("agent-1", "read_file", true, false)
	}
	b.AdjustStrictness()
	assert.Greater(t, b.GetState().Strictness, 0.5)
}

func TestAdjustStrictness_LowersOnLowRejectionRate(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.RecordOutcome("agent-1", "read_file", true, false)
	}
	b.AdjustStrictness()
	assert.Less(t, b.GetState().Strictness, 0.5)
}

func TestAdjustStrictness_NeverTouchesAutonomyLevel(t *testing.T) {
	b := New()
	b.mu.Lock()
	b.strictness = 0.95
	b.mu.Unlock()
	// High strictness alone must not move the autonomy level: that
	// dimension is driven only by host-activity/system-state, never by
	// the strictness tick.
	b.RecordOutcome("agent-1", "read_file", false, false)
	for i := 0; i < 4; i++ {
		b.RecordOutcome("agent-1", "read_file", true, false)
	}
	b.AdjustStrictness()
	assert.Equal(t, LevelGreen, b.GetState().Level)
}

func TestUpdateSystemState_EscalatesGreenToAmberAfterSilenceAndBacklog(t *testing.T) {
	b := New()
	b.RecordHumanActivity()
	b.mu.Lock()
	b.lastHumanActivity = time.Now().Add(-3 * time.Hour)
	b.mu.Unlock()

	b.UpdateSystemState(SystemState{BacklogSize: 6})
	assert.Equal(t, LevelAmber, b.GetState().Level)
}

func TestUpdateSystemState_DoesNotEscalateWithoutBacklog(t *testing.T) {
	b := New()
	b.RecordHumanActivity()
	b.mu.Lock()
	b.lastHumanActivity = time.Now().Add(-3 * time.Hour)
	b.mu.Unlock()

	b.UpdateSystemState(SystemState{BacklogSize: 1})
	assert.Equal(t, LevelGreen, b.GetState().Level)
}

func TestUpdateSystemState_EscalatesAmberToRedAfterLongerSilenceAndCriticalIssue(t *testing.T) {
	b := New()
	b.RecordHumanActivity()
	b.mu.Lock()
	b.lastHumanActivity = time.Now().Add(-3 * time.Hour)
	b.mu.Unlock()
	b.UpdateSystemState(SystemState{BacklogSize: 6})
	require.Equal(t, LevelAmber, b.GetState().Level)

	b.mu.Lock()
	b.lastHumanActivity = time.Now().Add(-7 * time.Hour)
	b.mu.Unlock()
	b.UpdateSystemState(SystemState{BacklogSize: 6, CriticalIssues: 1})
	assert.Equal(t, LevelRed, b.GetState().Level)
}

func TestUpdateSystemState_EscalatesToBlackOnDoubleCriticalThreshold(t *testing.T) {
	b := New()
	b.UpdateSystemState(SystemState{CriticalIssues: 2})
	assert.Equal(t, LevelBlack, b.GetState().Level)
}

func TestRecordHumanActivity_DeEscalatesAnyLevelToGreen(t *testing.T) {
	b := New()
	b.UpdateSystemState(SystemState{CriticalIssues: 2})
	require.Equal(t, LevelBlack, b.GetState().Level)

	b.RecordHumanActivity()
	assert.Equal(t, LevelGreen, b.GetState().Level)
}

func TestAdjustStrictness_ExitsPanicAfterCooldownAndLowRejectionRate(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.RecordOutcome("agent-1", "read_file", false, false)
	}
	require.True(t, b.IsPanicMode())

	// Drive enough clean cycles for the cooldown to wind down to zero
	// and the trailing average rejection rate to fall under the
	// high-rejection threshold.
	exited := false
	for i := 0; i < minPanicCycles+2; i++ {
		for j := 0; j < 20; j++ {
			b.RecordOutcome("agent-1", "read_file", true, false)
		}
		b.AdjustStrictness()
		if !b.IsPanicMode() {
			exited = true
			break
		}
	}
	assert.True(t, exited, "expected panic mode to clear after sustained clean traffic")
}

func TestAdjustStrictness_PanicExitLowersStrictnessByRecoveryStep(t *testing.T) {
	b := New()
	b.mu.Lock()
	b.strictness = 0.9
	b.panicMode = PanicActive
	b.panicCooldown = 0
	b.mu.Unlock()

	for i := 0; i < 20; i++ {
		b.RecordOutcome("agent-1", "read_file", true, false)
	}
	b.AdjustStrictness()

	assert.False(t, b.IsPanicMode())
	assert.InDelta(t, 0.7, b.GetState().Strictness, 1e-9)
}

func TestAdjustStrictness_PanicExitNeverGoesBelowInitialStrictness(t *testing.T) {
	b := New()
	b.mu.Lock()
	b.strictness = 0.5
	b.panicMode = PanicActive
	b.panicCooldown = 0
	b.mu.Unlock()

	for i := 0; i < 20; i++ {
		b.RecordOutcome("agent-1", "read_file", true, false)
	}
	b.AdjustStrictness()

	assert.InDelta(t, initialStrictness, b.GetState().Strictness, 1e-9)
}

func TestSetLevel_DoesNotExitPanicMode(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.RecordOutcome("agent-1", "read_file", false, false)
	}
	require.True(t, b.IsPanicMode())

	b.SetLevel(LevelGreen)
	assert.Equal(t, LevelGreen, b.GetState().Level)
	assert.True(t, b.IsPanicMode())
}

func TestCallbacks_FireAfterMutexReleasedOnStateChange(t *testing.T) {
	var gotOld, gotNew AutonomyLevel
	fired := false
	b := New(WithOnStateChange(func(old, new_ AutonomyLevel) {
		// If the mutex were still held here, this call would deadlock.
		b.GetState()
		fired = true
		gotOld, gotNew = old, new_
	}))

	b.UpdateSystemState(SystemState{CriticalIssues: 2})

	require.True(t, fired)
	assert.Equal(t, LevelGreen, gotOld)
	assert.Equal(t, LevelBlack, gotNew)
}

func TestCallbacks_FireAfterMutexReleasedOnPanicChange(t *testing.T) {
	var gotOld, gotNew PanicMode
	fired := false
	b := New(WithOnPanicMode(func(old, new_ PanicMode) {
		b.GetState()
		fired = true
		gotOld, gotNew = old, new_
	}))

	for i := 0; i < 10; i++ {
		b.RecordOutcome("agent-1", "read_file", false, false)
	}

	require.True(t, fired)
	assert.Equal(t, PanicNormal, gotOld)
	assert.Equal(t, PanicActive, gotNew)
}

func TestLeaderboard_ReturnsAllTrackedAgents(t *testing.T) {
	b := New()
	b.RecordOutcome("agent-1", "read_file", true, false)
	b.RecordOutcome("agent-2", "read_file", true, false)

	board := b.Leaderboard()
	assert.Len(t, board, 2)
}

func TestStrictnessProviderInterface_SatisfiedByBreaker(t *testing.T) {
	b := New()
	assert.Equal(t, 0.5, b.Strictness("agent-1"))
	assert.False(t, b.IsPanicMode())
	assert.Equal(t, "GREEN", b.AutonomyLevel())
}

func TestEstimateOperationRisk_UnknownOperationUsesDefaultBase(t *testing.T) {
	b := New()
	// Unknown operations fall back to the current strictness (0.5) as
	// their base risk, giving risk 0.5 * (2.0 - score 1.0) = 0.5. A fresh
	// agent's threshold is strictness 0.5 * clamp(0.5, 1.5,
	// agentStrictnessMultiplier 1.5 - score 1.0) = 0.25, so the operation
	// exceeds it.
	assert.False(t, b.IsAllowed("unknown_op", "agent-1"))
}

func TestIsAllowedForRisk_UsesSuppliedRiskInsteadOfCatalog(t *testing.T) {
	b := New()
	// "fs.write" is outside the static catalog; IsAllowedForRisk takes
	// the caller's own risk estimate rather than falling back to
	// strictness the way IsAllowed's catalog lookup would.
	assert.True(t, b.IsAllowedForRisk("fs.write", "agent-1", 0.1))
	assert.False(t, b.IsAllowedForRisk("fs.write", "agent-1", 0.99))
}
