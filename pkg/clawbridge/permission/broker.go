// Package permission turns a tool-approval request into an interactive chat
// message and resolves it from the button callback. A request resolves at
// most once, enforced by a compare-and-set claim in the store, and callbacks
// must come from the chat and message the request was sent to.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/delivery"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/engine"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

// Callback actions, encoded as "perm:<action>:<requestID>" in button data.
const (
	actionAllow        = "allow"
	actionAllowSession = "allow_session"
	actionDeny         = "deny"
)

// maxInputSummary bounds the JSON input excerpt shown in the approval message.
const maxInputSummary = 300

// Broker forwards permission requests and resolves their callbacks.
type Broker struct {
	store     *store.Store
	deliverer *delivery.Deliverer
	logger    *slog.Logger

	// pending holds the live request handles by request id. Entries exist
	// only while the owning turn's stream is blocked on the decision.
	mu      sync.Mutex
	pending map[string]*engine.PermissionRequest
}

// New creates a Broker.
func New(st *store.Store, d *delivery.Deliverer, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:     st,
		deliverer: d,
		logger:    logger.With("component", "permission"),
		pending:   make(map[string]*engine.PermissionRequest),
	}
}

// Forward sends the interactive approval message for req into the chat and
// records the permission link. The handle stays registered until resolved or
// the turn ends (the bridge calls Release on turn completion).
func (b *Broker) Forward(ctx context.Context, adapter channels.Adapter, addr channels.Address, req *engine.PermissionRequest) error {
	msg := &channels.OutboundMessage{
		Address: addr,
		Text:    formatRequest(req),
		Buttons: [][]channels.Button{
			{
				{Text: "✅ Allow", CallbackData: callbackData(actionAllow, req.ID)},
				{Text: "🔁 Allow for session", CallbackData: callbackData(actionAllowSession, req.ID)},
			},
			{
				{Text: "❌ Deny", CallbackData: callbackData(actionDeny, req.ID)},
			},
		},
	}

	res, err := b.deliverer.Deliver(ctx, adapter, msg, "")
	if err != nil {
		return fmt.Errorf("permission: send approval message: %w", err)
	}

	link := &store.PermissionLink{
		RequestID:   req.ID,
		Channel:     string(addr.Channel),
		ChatID:      addr.ChatID,
		MessageID:   res.LastMessageID(),
		Suggestions: string(req.Suggestions),
	}
	if err := b.store.InsertPermissionLink(link); err != nil {
		return fmt.Errorf("permission: record link: %w", err)
	}

	b.mu.Lock()
	b.pending[req.ID] = req
	b.mu.Unlock()

	b.logger.Info("permission request forwarded",
		"request", req.ID, "tool", req.ToolName, "chat", addr.String())
	return nil
}

// HandleCallback resolves a button press. Identity mismatches and duplicate
// presses are logged and dropped, never surfaced to the chat.
func (b *Broker) HandleCallback(callbackData, chatID, messageID string) error {
	action, requestID, err := parseCallback(callbackData)
	if err != nil {
		return err
	}

	link, err := b.store.GetPermissionLink(requestID)
	if err != nil {
		return fmt.Errorf("permission: unknown request %q: %w", requestID, err)
	}
	if link.ChatID != chatID || link.MessageID != messageID {
		b.logger.Warn("permission callback identity mismatch",
			"request", requestID, "chat", chatID, "message", messageID)
		return fmt.Errorf("permission: callback identity mismatch")
	}

	// Claim before acting: of N concurrent identical presses exactly one
	// passes this gate.
	claimed, err := b.store.ClaimPermissionLink(requestID, chatID, messageID)
	if err != nil {
		return err
	}
	if !claimed {
		b.logger.Debug("duplicate permission callback ignored", "request", requestID)
		return nil
	}

	b.mu.Lock()
	req := b.pending[requestID]
	delete(b.pending, requestID)
	b.mu.Unlock()
	if req == nil {
		b.logger.Warn("permission resolved after turn ended", "request", requestID)
		return nil
	}

	decision := engine.PermissionDecision{}
	switch action {
	case actionAllow:
		decision.Allow = true
	case actionAllowSession:
		decision.Allow = true
		// Replay the stored suggestion set so subsequent same-tool calls in
		// this session auto-approve.
		if link.Suggestions != "" {
			decision.UpdatedPermissions = json.RawMessage(link.Suggestions)
		}
	case actionDeny:
		decision.Allow = false
	}

	if !req.Resolve(decision) {
		b.logger.Warn("permission handle already resolved", "request", requestID)
	}
	b.logger.Info("permission resolved",
		"request", requestID, "action", action, "allow", decision.Allow)
	return nil
}

// IsPermissionCallback reports whether data is a permission button payload.
func IsPermissionCallback(data string) bool {
	return strings.HasPrefix(data, "perm:")
}

// Release drops any still-pending handles for the given request ids, denying
// them. Called when a turn ends with unanswered approval messages.
func (b *Broker) Release(requestIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range requestIDs {
		if req, ok := b.pending[id]; ok {
			req.Resolve(engine.PermissionDecision{Allow: false})
			delete(b.pending, id)
		}
	}
}

func callbackData(action, requestID string) string {
	return "perm:" + action + ":" + requestID
}

func parseCallback(data string) (action, requestID string, err error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "perm" {
		return "", "", fmt.Errorf("permission: malformed callback %q", data)
	}
	switch parts[1] {
	case actionAllow, actionAllowSession, actionDeny:
	default:
		return "", "", fmt.Errorf("permission: unknown action %q", parts[1])
	}
	if parts[2] == "" {
		return "", "", fmt.Errorf("permission: empty request id")
	}
	return parts[1], parts[2], nil
}

// formatRequest renders the approval prompt: tool name plus a truncated JSON
// summary of its input.
func formatRequest(req *engine.PermissionRequest) string {
	summary := string(req.Input)
	if summary == "" {
		summary = "{}"
	}
	if len(summary) > maxInputSummary {
		summary = summary[:maxInputSummary] + "…"
	}
	return fmt.Sprintf("⚠️ Approval required: %s\n\n%s", req.ToolName, summary)
}
