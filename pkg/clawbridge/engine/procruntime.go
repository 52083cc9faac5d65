package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ProcessConfig configures the subprocess-backed runtime.
type ProcessConfig struct {
	// Command is the assistant CLI executable.
	Command string `yaml:"command"`

	// Args are fixed arguments placed before the generated ones.
	Args []string `yaml:"args"`
}

// ProcessRuntime runs each turn as a subprocess that emits line-delimited
// JSON events on stdout and accepts permission decisions on stdin.
type ProcessRuntime struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcessRuntime creates a runtime spawning cfg.Command per turn.
func NewProcessRuntime(cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRuntime{cfg: cfg, logger: logger.With("component", "runtime")}
}

// wireEvent is the on-the-wire event shape.
type wireEvent struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	ToolID      string          `json:"tool_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	ResumeID    string          `json:"resume_id,omitempty"`
	Model       string          `json:"model,omitempty"`
	Usage       *Usage          `json:"usage,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
}

// wireDecision is what gets written back on stdin for a permission request.
type wireDecision struct {
	Type               string          `json:"type"`
	ID                 string          `json:"id"`
	Allow              bool            `json:"allow"`
	UpdatedPermissions json.RawMessage `json:"updated_permissions,omitempty"`
}

// StartTurn spawns the assistant process for one turn.
func (r *ProcessRuntime) StartTurn(ctx context.Context, req TurnRequest) (Stream, error) {
	if r.cfg.Command == "" {
		return nil, fmt.Errorf("runtime: command is not configured")
	}

	args := append([]string{}, r.cfg.Args...)
	args = append(args, "--session", req.SessionID)
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	args = append(args, "--prompt", req.Prompt)

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}
	// Force the pipes shut shortly after kill even when a grandchild the CLI
	// spawned still holds the stdout fd.
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runtime: start %q: %w", r.cfg.Command, err)
	}

	s := &processStream{
		cmd:    cmd,
		stdin:  stdin,
		logger: r.logger,
		lines:  make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

type processStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	// lines carries scanned stdout lines from readLoop; closed at EOF,
	// with scanErr set first.
	lines   chan []byte
	done    chan struct{}
	scanErr error

	writeMu sync.Mutex
	closed  bool
}

// readLoop scans stdout on its own goroutine so Recv can select against the
// caller's context instead of blocking in Scan.
func (s *processStream) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
	s.scanErr = scanner.Err()
	close(s.lines)
}

// Recv decodes the next event line. Unknown event types are skipped so the
// wire protocol can grow without breaking older bridges.
func (s *processStream) Recv(ctx context.Context) (*Event, error) {
	for {
		var line []byte
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case l, ok := <-s.lines:
			if !ok {
				if s.scanErr != nil {
					return nil, s.scanErr
				}
				return nil, io.EOF
			}
			line = l
		}
		if len(line) == 0 {
			continue
		}

		var w wireEvent
		if err := json.Unmarshal(line, &w); err != nil {
			s.logger.Warn("runtime: skipping malformed event line", "error", err)
			continue
		}

		switch EventType(w.Type) {
		case EventText:
			return &Event{Type: EventText, Text: w.Text}, nil
		case EventToolUse:
			return &Event{Type: EventToolUse, ToolUse: &ToolUse{ID: w.ID, Name: w.Name, Input: w.Input}}, nil
		case EventToolResult:
			return &Event{Type: EventToolResult, ToolResult: &ToolResult{ToolID: w.ToolID, Content: w.Content, IsError: w.IsError}}, nil
		case EventPermissionRequest:
			req := NewPermissionRequest(w.ID, w.Name, w.Input, w.Suggestions)
			// The process blocks on stdin until the decision lands; relay it
			// without holding up Recv for the caller.
			go s.relayDecision(ctx, req)
			return &Event{Type: EventPermissionRequest, Permission: req}, nil
		case EventStatus:
			return &Event{Type: EventStatus, Status: &Status{ResumeID: w.ResumeID, Model: w.Model}}, nil
		case EventResult:
			comp := &TurnCompletion{ResumeID: w.ResumeID, IsError: w.IsError}
			if w.Usage != nil {
				comp.Usage = *w.Usage
			}
			return &Event{Type: EventResult, Result: comp}, nil
		case EventError:
			return &Event{Type: EventError, ErrText: w.Text}, nil
		default:
			s.logger.Debug("runtime: ignoring unknown event type", "type", w.Type)
		}
	}
}

func (s *processStream) relayDecision(ctx context.Context, req *PermissionRequest) {
	select {
	case <-ctx.Done():
		return
	case d := <-req.Decision():
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if s.closed {
			return
		}
		line, err := json.Marshal(wireDecision{
			Type:               "permission_decision",
			ID:                 req.ID,
			Allow:              d.Allow,
			UpdatedPermissions: d.UpdatedPermissions,
		})
		if err != nil {
			s.logger.Warn("runtime: marshal decision", "error", err)
			return
		}
		line = append(line, '\n')
		if _, err := s.stdin.Write(line); err != nil {
			s.logger.Warn("runtime: write decision", "error", err)
		}
	}
}

// Close terminates the subprocess and reaps it. Idempotent.
func (s *processStream) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.stdin.Close()
	s.writeMu.Unlock()

	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
