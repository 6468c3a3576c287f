// Package audit provides fail-closed structured event emission for the
// execution kernel. A Logger is the kernel's only I/O-performing
// collaborator besides the manifest cache and circuit-breaker persistence
// (per the concurrency/resource model's "no component performs its own
// I/O except..." rule).
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
	EventPolicy   EventType = "POLICY"
)

// Event represents a structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	AgentID   string                 `json:"agent_id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events. Record returning
// a non-nil error is what drives the kernel's fail-closed AUDIT_FAILED path
// when AuditFailClosed is set.
type Logger interface {
	Record(ctx context.Context, agentID string, eventType EventType, action, resource string, metadata map[string]interface{}) error
}

// logger implements Logger, writing structured JSON lines to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(_ context.Context, agentID string, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	if agentID == "" {
		agentID = "system"
	}

	event := Event{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// FailingLogger always returns err from Record; used to test the kernel's
// fail-closed AUDIT_FAILED path.
type FailingLogger struct {
	Err error
}

func (f *FailingLogger) Record(context.Context, string, EventType, string, string, map[string]interface{}) error {
	if f.Err != nil {
		return f.Err
	}
	return errAuditUnavailable
}

var errAuditUnavailable = auditError("audit sink unavailable")

type auditError string

func (e auditError) Error() string { return string(e) }
