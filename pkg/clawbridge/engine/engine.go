package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

// ErrSessionBusy is returned when another writer holds the session lock.
// Callers fail fast and tell the user rather than queueing behind the lock.
var ErrSessionBusy = errors.New("engine: session is busy")

// Defaults are the fallback model/provider/mode applied when neither the
// binding nor the session specifies one.
type Defaults struct {
	Model          string `yaml:"model"`
	Provider       string `yaml:"provider"`
	PermissionMode string `yaml:"permission_mode"`
	SystemPrompt   string `yaml:"system_prompt"`
}

// LockOptions tunes the TTL'd session lock.
type LockOptions struct {
	TTL   time.Duration `yaml:"ttl"`
	Renew time.Duration `yaml:"renew"`
}

// DefaultLockOptions returns the lock defaults: 600s TTL renewed every 60s.
func DefaultLockOptions() LockOptions {
	return LockOptions{TTL: 600 * time.Second, Renew: 60 * time.Second}
}

// TurnResult is the outcome of one processed message.
type TurnResult struct {
	// Text is the concatenated assistant reply.
	Text string

	// ResumeID is the resumable session id captured from the stream.
	ResumeID string

	// Usage is the turn's token accounting.
	Usage Usage

	// HasError is true when the stream reported an assistant/tool error.
	HasError bool

	// Stopped is true when the turn was cancelled by the user.
	Stopped bool

	// PermissionRequests counts approval gates raised during the turn.
	PermissionRequests int
}

// PermissionForwarder receives permission requests while the stream is
// running. It must arrange resolution of the handle (e.g. by showing buttons
// in the chat); the stream stays blocked until the handle resolves.
type PermissionForwarder func(ctx context.Context, req *PermissionRequest) error

// Engine processes messages against the assistant runtime.
type Engine struct {
	store    *store.Store
	runtime  Runtime
	defaults Defaults
	lockOpts LockOptions
	logger   *slog.Logger
}

// New creates an Engine.
func New(st *store.Store, rt Runtime, defaults Defaults, lockOpts LockOptions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if lockOpts.TTL <= 0 {
		lockOpts = DefaultLockOptions()
	}
	if lockOpts.Renew <= 0 {
		lockOpts.Renew = lockOpts.TTL / 10
	}
	return &Engine{
		store:    st,
		runtime:  rt,
		defaults: defaults,
		lockOpts: lockOpts,
		logger:   logger.With("component", "engine"),
	}
}

// block is one structured content element of the assistant turn.
type block struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	ToolID  string          `json:"tool_id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ProcessMessage runs one turn for the bound session: exclusive TTL'd lock,
// user-turn persistence, streaming demux with synchronous permission
// forwarding, and assistant-turn persistence. On a cancelled context it
// returns a result with Stopped set instead of an error.
func (e *Engine) ProcessMessage(ctx context.Context, binding *store.Binding, text string, forward PermissionForwarder) (*TurnResult, error) {
	token := uuid.NewString()
	ok, err := e.store.AcquireLock(binding.SessionID, token, e.lockOpts.TTL)
	if err != nil {
		return nil, fmt.Errorf("engine: acquire session lock: %w", err)
	}
	if !ok {
		return nil, ErrSessionBusy
	}

	// Renew the lock in the background until the turn finishes; release it
	// whatever the outcome.
	renewCtx, stopRenew := context.WithCancel(context.Background())
	go e.renewLoop(renewCtx, binding.SessionID, token)
	defer func() {
		stopRenew()
		if relErr := e.store.ReleaseLock(binding.SessionID, token); relErr != nil {
			e.logger.Warn("release session lock failed", "session", binding.SessionID, "error", relErr)
		}
	}()

	if err := e.store.AppendTurn(binding.SessionID, "user", text); err != nil {
		return nil, fmt.Errorf("engine: persist user turn: %w", err)
	}

	req := e.buildRequest(binding, text)
	stream, err := e.runtime.StartTurn(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return &TurnResult{Stopped: true}, nil
		}
		return nil, fmt.Errorf("engine: start turn: %w", err)
	}
	defer stream.Close()

	result, err := e.consume(ctx, stream, binding, forward)
	if err != nil {
		if ctx.Err() != nil {
			return &TurnResult{Stopped: true}, nil
		}
		return nil, err
	}

	if err := e.persistAssistantTurn(binding.SessionID, result); err != nil {
		e.logger.Warn("persist assistant turn failed", "session", binding.SessionID, "error", err)
	}

	// A killed runtime drains to a clean EOF, so a cancelled turn can land
	// here looking like a normal completion. The partial turn is kept in
	// history, but the caller gets the stopped result.
	if ctx.Err() != nil {
		return &TurnResult{Stopped: true}, nil
	}
	return result.toTurnResult(), nil
}

func (e *Engine) buildRequest(binding *store.Binding, text string) TurnRequest {
	req := TurnRequest{
		Prompt:           text,
		SessionID:        binding.SessionID,
		ResumeID:         binding.ResumeID,
		Model:            binding.Model,
		Provider:         e.defaults.Provider,
		SystemPrompt:     e.defaults.SystemPrompt,
		WorkingDirectory: binding.WorkingDirectory,
		PermissionMode:   binding.Mode,
	}

	// Precedence: binding → session → global default.
	sess, err := e.store.GetSession(binding.SessionID)
	if err == nil {
		if req.Model == "" {
			req.Model = sess.Model
		}
		if req.PermissionMode == "" {
			req.PermissionMode = sess.Mode
		}
		if req.WorkingDirectory == "" {
			req.WorkingDirectory = sess.WorkingDirectory
		}
		if sess.Provider != "" {
			req.Provider = sess.Provider
		}
	}
	if req.Model == "" {
		req.Model = e.defaults.Model
	}
	if req.PermissionMode == "" {
		req.PermissionMode = e.defaults.PermissionMode
	}
	return req
}

// turnState accumulates the demultiplexed stream.
type turnState struct {
	textParts   []string
	blocks      []block
	toolIndex   map[string]int // tool id → index into blocks
	resumeID    string
	usage       Usage
	hasError    bool
	permissions int
	hasTool     bool
}

func (s *turnState) toTurnResult() *TurnResult {
	return &TurnResult{
		Text:               strings.Join(s.textParts, ""),
		ResumeID:           s.resumeID,
		Usage:              s.usage,
		HasError:           s.hasError,
		PermissionRequests: s.permissions,
	}
}

func (e *Engine) consume(ctx context.Context, stream Stream, binding *store.Binding, forward PermissionForwarder) (*turnState, error) {
	state := &turnState{toolIndex: make(map[string]int)}

	for {
		ev, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return state, nil
		}
		if err != nil {
			return state, fmt.Errorf("engine: stream: %w", err)
		}

		switch ev.Type {
		case EventText:
			state.textParts = append(state.textParts, ev.Text)
			state.blocks = append(state.blocks, block{Type: "text", Text: ev.Text})

		case EventToolUse:
			state.hasTool = true
			state.toolIndex[ev.ToolUse.ID] = len(state.blocks)
			state.blocks = append(state.blocks, block{
				Type:   "tool_use",
				ToolID: ev.ToolUse.ID,
				Name:   ev.ToolUse.Name,
				Input:  ev.ToolUse.Input,
			})

		case EventToolResult:
			state.hasTool = true
			// A result replaces the earlier placeholder for the same tool id.
			if idx, ok := state.toolIndex[ev.ToolResult.ToolID]; ok {
				state.blocks[idx] = block{
					Type:    "tool_result",
					ToolID:  ev.ToolResult.ToolID,
					Name:    state.blocks[idx].Name,
					Input:   state.blocks[idx].Input,
					Content: ev.ToolResult.Content,
					IsError: ev.ToolResult.IsError,
				}
			} else {
				state.toolIndex[ev.ToolResult.ToolID] = len(state.blocks)
				state.blocks = append(state.blocks, block{
					Type:    "tool_result",
					ToolID:  ev.ToolResult.ToolID,
					Content: ev.ToolResult.Content,
					IsError: ev.ToolResult.IsError,
				})
			}
			if ev.ToolResult.IsError {
				state.hasError = true
			}

		case EventPermissionRequest:
			// Forward while the stream is blocked on the decision. Doing
			// this after stream completion would deadlock.
			state.permissions++
			if forward != nil {
				if err := forward(ctx, ev.Permission); err != nil {
					e.logger.Warn("permission forward failed; denying",
						"request", ev.Permission.ID, "error", err)
					ev.Permission.Resolve(PermissionDecision{Allow: false})
				}
			} else {
				ev.Permission.Resolve(PermissionDecision{Allow: false})
			}

		case EventStatus:
			e.captureResume(binding, state, ev.Status.ResumeID, ev.Status.Model)

		case EventResult:
			state.usage = ev.Result.Usage
			if ev.Result.IsError {
				state.hasError = true
			}
			e.captureResume(binding, state, ev.Result.ResumeID, "")

		case EventError:
			state.hasError = true
			if ev.ErrText != "" {
				state.textParts = append(state.textParts, ev.ErrText)
				state.blocks = append(state.blocks, block{Type: "text", Text: ev.ErrText, IsError: true})
			}
		}
	}
}

// captureResume persists a resumable session id the moment it appears, not
// only at turn end: a crash mid-turn must not lose the handle.
func (e *Engine) captureResume(binding *store.Binding, state *turnState, resumeID, model string) {
	patch := store.BindingPatch{}
	changed := false
	if resumeID != "" && resumeID != state.resumeID {
		state.resumeID = resumeID
		patch.ResumeID = &resumeID
		changed = true
	}
	if model != "" && model != binding.Model {
		patch.Model = &model
		binding.Model = model
		changed = true
	}
	if !changed {
		return
	}
	if err := e.store.UpdateBinding(binding.ID, patch); err != nil {
		e.logger.Warn("persist resume id failed", "binding", binding.ID, "error", err)
	}
}

func (e *Engine) persistAssistantTurn(sessionID string, state *turnState) error {
	if state.hasTool {
		data, err := json.Marshal(state.blocks)
		if err != nil {
			return fmt.Errorf("marshal blocks: %w", err)
		}
		return e.store.AppendTurn(sessionID, "assistant", string(data))
	}
	return e.store.AppendTurn(sessionID, "assistant", strings.Join(state.textParts, ""))
}

func (e *Engine) renewLoop(ctx context.Context, sessionID, token string) {
	ticker := time.NewTicker(e.lockOpts.Renew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.RenewLock(sessionID, token, e.lockOpts.TTL)
			if err != nil {
				e.logger.Warn("lock renew failed", "session", sessionID, "error", err)
			} else if !ok {
				e.logger.Warn("lock lost during turn", "session", sessionID)
				return
			}
		}
	}
}
