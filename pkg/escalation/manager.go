// Package escalation implements the human-approval workflow the kernel
// routes into when a contract or manifest entry marks an operation
// requires_approval instead of denying it outright.
package escalation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ember6784/archon-ai-sub000/pkg/canonicalize"
)

// Status is the lifecycle state of an ApprovalRequest.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// ApprovalRequest is a single pending human-approval escalation, created
// when the kernel defers an AMBER-gated or manifest-flagged operation
// instead of denying it.
type ApprovalRequest struct {
	ID         string
	AgentID    string
	Operation  string
	Domain     string
	Parameters map[string]interface{}
	Status     Status
	CreatedAt  time.Time
	Deadline   time.Time
	ResolvedAt time.Time
	ResolvedBy string
	Reason     string
	ReceiptHash string
}

// Manager tracks pending ApprovalRequests and resolves them out-of-band
// from the request that created them.
type Manager struct {
	mu       sync.Mutex
	clock    func() time.Time
	requests map[string]*ApprovalRequest
	ttl      time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the Manager's time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithDefaultTTL overrides the default deadline duration new requests
// receive when Create is not passed an explicit one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// NewManager creates a Manager with a 15-minute default approval window.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:    time.Now,
		requests: make(map[string]*ApprovalRequest),
		ttl:      15 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a new pending ApprovalRequest and returns it. The request
// ID and a content hash of its identifying fields are both included so a
// caller can later verify what was actually escalated.
func (m *Manager) Create(agentID, operation, domain string, parameters map[string]interface{}) (*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Operation:  operation,
		Domain:     domain,
		Parameters: parameters,
		Status:     StatusPending,
		CreatedAt:  now,
		Deadline:   now.Add(m.ttl),
	}

	hash, err := canonicalize.CanonicalHash(map[string]interface{}{
		"id":        req.ID,
		"agent_id":  req.AgentID,
		"operation": req.Operation,
		"domain":    req.Domain,
	})
	if err != nil {
		return nil, fmt.Errorf("escalation: hashing request: %w", err)
	}
	req.ReceiptHash = "sha256:" + hash

	m.requests[req.ID] = req
	return req, nil
}

// Get returns the request with the given ID, if it exists.
func (m *Manager) Get(id string) (*ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	return req, ok
}

// Approve resolves a pending request as approved. It fails if the
// request does not exist or is no longer pending.
func (m *Manager) Approve(id, resolvedBy string) (*ApprovalRequest, error) {
	return m.resolve(id, StatusApproved, resolvedBy, "")
}

// Deny resolves a pending request as denied, recording reason.
func (m *Manager) Deny(id, resolvedBy, reason string) (*ApprovalRequest, error) {
	return m.resolve(id, StatusDenied, resolvedBy, reason)
}

func (m *Manager) resolve(id string, status Status, resolvedBy, reason string) (*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("escalation: request %q not found", id)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("escalation: request %q is no longer pending (status=%s)", id, req.Status)
	}

	req.Status = status
	req.ResolvedBy = resolvedBy
	req.ResolvedAt = m.clock()
	req.Reason = reason
	return req, nil
}

// CheckTimeouts scans pending requests and expires any past their
// deadline, returning the requests it expired.
func (m *Manager) CheckTimeouts() []*ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var expired []*ApprovalRequest
	for _, req := range m.requests {
		if req.Status == StatusPending && !now.Before(req.Deadline) {
			req.Status = StatusExpired
			req.ResolvedAt = now
			req.Reason = "approval deadline exceeded"
			expired = append(expired, req)
		}
	}
	return expired
}

// Pending returns every request still awaiting resolution.
func (m *Manager) Pending() []*ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ApprovalRequest
	for _, req := range m.requests {
		if req.Status == StatusPending {
			out = append(out, req)
		}
	}
	return out
}
