// Package engine drives one assistant turn per inbound message: session
// locking, streaming-event demux, permission forwarding, and persistence.
// The assistant runtime itself is a black box behind the Runtime interface;
// this package ships a subprocess-backed implementation (ProcessRuntime).
package engine

import (
	"context"
	"encoding/json"
)

// EventType identifies one streamed runtime event.
type EventType string

const (
	EventText              EventType = "text"
	EventToolUse           EventType = "tool_use"
	EventToolResult        EventType = "tool_result"
	EventPermissionRequest EventType = "permission_request"
	EventStatus            EventType = "status"
	EventResult            EventType = "result"
	EventError             EventType = "error"
)

// ToolUse is the assistant invoking a tool.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome for an earlier ToolUse, matched by tool id.
type ToolResult struct {
	ToolID  string `json:"tool_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Status is a mid-stream progress event. ResumeID and Model may arrive here
// before the final result and must be persisted immediately.
type Status struct {
	ResumeID string `json:"resume_id,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Usage is token accounting for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TurnCompletion is the terminal result event of a stream.
type TurnCompletion struct {
	ResumeID string `json:"resume_id,omitempty"`
	Usage    Usage  `json:"usage"`
	IsError  bool   `json:"is_error,omitempty"`
}

// Event is one demultiplexed runtime event. Exactly one payload field is set
// according to Type. Events may arrive in any order or subset and must be
// handled idempotently.
type Event struct {
	Type       EventType
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Permission *PermissionRequest
	Status     *Status
	Result     *TurnCompletion
	ErrText    string
}

// TurnRequest describes one turn against the assistant runtime.
type TurnRequest struct {
	Prompt           string
	SessionID        string
	ResumeID         string
	Model            string
	Provider         string
	SystemPrompt     string
	WorkingDirectory string
	PermissionMode   string
}

// Stream is a cancellable event stream for one turn. Recv blocks until the
// next event, returns io.EOF when the turn is complete, and unblocks with the
// context error on cancellation.
type Stream interface {
	Recv(ctx context.Context) (*Event, error)
	Close() error
}

// Runtime is the streaming assistant collaborator.
type Runtime interface {
	StartTurn(ctx context.Context, req TurnRequest) (Stream, error)
}

// PermissionDecision resolves a pending permission request.
type PermissionDecision struct {
	// Allow approves the tool use; false denies it.
	Allow bool

	// UpdatedPermissions carries the suggestion payload replayed on
	// "allow for session", so same-tool calls auto-approve afterwards.
	UpdatedPermissions json.RawMessage
}

// PermissionRequest is an approval gate raised mid-stream. The stream blocks
// until the request is resolved, so it is forwarded to the user while the
// turn is still running. The decision travels over an explicit rendezvous
// channel owned by this handle; there is no shared pending-request registry.
type PermissionRequest struct {
	ID          string
	ToolName    string
	Input       json.RawMessage
	Suggestions json.RawMessage

	decision chan PermissionDecision
}

// NewPermissionRequest creates a pending request handle. Runtimes create one
// per permission_request event they emit.
func NewPermissionRequest(id, toolName string, input, suggestions json.RawMessage) *PermissionRequest {
	return &PermissionRequest{
		ID:          id,
		ToolName:    toolName,
		Input:       input,
		Suggestions: suggestions,
		decision:    make(chan PermissionDecision, 1),
	}
}

// Resolve delivers the decision. Only the first call wins; later calls
// return false.
func (r *PermissionRequest) Resolve(d PermissionDecision) bool {
	select {
	case r.decision <- d:
		return true
	default:
		return false
	}
}

// Decision returns the channel the runtime waits on.
func (r *PermissionRequest) Decision() <-chan PermissionDecision {
	return r.decision
}
