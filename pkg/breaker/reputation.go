package breaker

// AgentReputation tracks one agent's running request history and the
// derived trust score fed back into threshold and risk calculations.
type AgentReputation struct {
	agentID             string
	totalRequests       int
	successfulOps       int
	rejectedRequests    int
	forbiddenAttempts   int
	score               float64
}

func newAgentReputation(agentID string) *AgentReputation {
	return &AgentReputation{agentID: agentID, score: 1.0}
}

// record updates the running counters for one decided request and
// recomputes the score once enough history has accumulated.
func (r *AgentReputation) record(approved, forbidden bool) {
	r.totalRequests++
	if approved {
		r.successfulOps++
	} else {
		r.rejectedRequests++
	}
	if forbidden {
		r.forbiddenAttempts++
	}
	r.recompute()
}

// recompute refreshes the cached score from the accumulated counters.
// Scores are only recomputed once at least 5 requests have been
// observed; below that a new agent keeps its neutral starting score
// rather than reacting to a handful of samples.
func (r *AgentReputation) recompute() {
	if r.totalRequests < 5 {
		return
	}
	rejectionRate := float64(r.rejectedRequests) / float64(r.totalRequests)
	rejectionPenalty := rejectionRate * 0.5
	forbiddenPenalty := min(float64(r.forbiddenAttempts)*0.15, 0.4)
	successBonus := min(float64(r.successfulOps)*0.02, 0.2)
	r.score = clamp(0, 1, 1-rejectionPenalty-forbiddenPenalty+successBonus)
}

// Score returns the agent's current trust score in [0,1].
func (r *AgentReputation) Score() float64 {
	return r.score
}

// IsTrusted reports whether the agent meets the bar for elevated trust:
// a strong score and a clean-enough history of forbidden attempts.
func (r *AgentReputation) IsTrusted() bool {
	return r.score >= 0.7 && r.forbiddenAttempts < 3
}

// AgentReputationSnapshot is an immutable read view of AgentReputation,
// safe to return from Breaker.Leaderboard/ReputationOf.
type AgentReputationSnapshot struct {
	AgentID           string
	TotalRequests     int
	SuccessfulOps     int
	RejectedRequests  int
	ForbiddenAttempts int
	Score             float64
	IsTrusted         bool
}

// Snapshot captures the current reputation state.
func (r *AgentReputation) Snapshot() AgentReputationSnapshot {
	return AgentReputationSnapshot{
		AgentID:           r.agentID,
		TotalRequests:     r.totalRequests,
		SuccessfulOps:     r.successfulOps,
		RejectedRequests:  r.rejectedRequests,
		ForbiddenAttempts: r.forbiddenAttempts,
		Score:             r.score,
		IsTrusted:         r.IsTrusted(),
	}
}
