package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/router"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/security"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

const helpText = `Available commands:
/new [path] — start a fresh session, optionally in the given directory
/bind <session-id> — re-point this chat at an existing session
/cwd <path> — change the session working directory
/mode <plan|code|ask> — set the permission mode
/status — show the current binding
/sessions — list recent sessions
/stop — interrupt the running turn
/help — this message

Anything else you send is forwarded to the assistant.`

var validModes = map[string]bool{"plan": true, "code": true, "ask": true}

// handleCommand dispatches a slash command. Commands run inline on the
// consumer loop and never touch the engine, so they stay responsive while a
// turn is in flight.
func (m *Manager) handleCommand(adapter channels.Adapter, msg *channels.InboundMessage, text string) {
	cmd, arg, _ := strings.Cut(text, " ")
	// Telegram group chats address commands as /cmd@botname.
	cmd, _, _ = strings.Cut(cmd, "@")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/new":
		m.cmdNew(adapter, msg.Address, arg)
	case "/bind":
		m.cmdBind(adapter, msg.Address, arg)
	case "/cwd":
		m.cmdCwd(adapter, msg.Address, arg)
	case "/mode":
		m.cmdMode(adapter, msg.Address, arg)
	case "/status":
		m.cmdStatus(adapter, msg.Address)
	case "/sessions":
		m.cmdSessions(adapter, msg.Address)
	case "/stop":
		m.stopTurn(adapter, msg.Address)
	case "/help", "/start":
		m.reply(adapter, msg.Address, helpText)
	default:
		m.reply(adapter, msg.Address, fmt.Sprintf("Unknown command %s — see /help.", cmd))
	}
}

func (m *Manager) cmdNew(adapter channels.Adapter, addr channels.Address, arg string) {
	workDir := ""
	if arg != "" {
		dir, err := security.ValidateWorkingDirectory(arg)
		if err != nil {
			m.reply(adapter, addr, "Invalid directory: "+err.Error())
			return
		}
		workDir = dir
	}
	binding, err := m.router.CreateBinding(addr, workDir)
	if err != nil {
		m.logger.Error("new session failed", "chat", addr.String(), "error", err)
		m.reply(adapter, addr, "Failed to create a session.")
		return
	}
	m.reply(adapter, addr, fmt.Sprintf("🆕 New session %s\nWorking directory: %s",
		shortID(binding.SessionID), binding.WorkingDirectory))
}

func (m *Manager) cmdBind(adapter channels.Adapter, addr channels.Address, arg string) {
	if err := security.ValidateSessionID(arg); err != nil {
		m.reply(adapter, addr, "Usage: /bind <session-id>")
		return
	}
	binding, err := m.router.BindToSession(addr, arg)
	if errors.Is(err, router.ErrSessionNotFound) {
		m.reply(adapter, addr, "No session with that id. See /sessions.")
		return
	}
	if err != nil {
		m.logger.Error("bind failed", "chat", addr.String(), "error", err)
		m.reply(adapter, addr, "Failed to bind the session.")
		return
	}
	m.reply(adapter, addr, "🔗 Bound to session "+shortID(binding.SessionID))
}

func (m *Manager) cmdCwd(adapter channels.Adapter, addr channels.Address, arg string) {
	if arg == "" {
		m.reply(adapter, addr, "Usage: /cwd <absolute-path>")
		return
	}
	dir, err := security.ValidateWorkingDirectory(arg)
	if err != nil {
		m.reply(adapter, addr, "Invalid directory: "+err.Error())
		return
	}
	binding, err := m.router.Resolve(addr)
	if err != nil {
		m.reply(adapter, addr, "No session for this chat yet — send a message first.")
		return
	}
	if err := m.router.UpdateBinding(binding.ID, store.BindingPatch{WorkingDirectory: &dir}); err != nil {
		m.logger.Error("cwd update failed", "binding", binding.ID, "error", err)
		m.reply(adapter, addr, "Failed to update the working directory.")
		return
	}
	m.reply(adapter, addr, "📁 Working directory set to "+dir)
}

func (m *Manager) cmdMode(adapter channels.Adapter, addr channels.Address, arg string) {
	mode := strings.ToLower(arg)
	if !validModes[mode] {
		m.reply(adapter, addr, "Usage: /mode <plan|code|ask>")
		return
	}
	binding, err := m.router.Resolve(addr)
	if err != nil {
		m.reply(adapter, addr, "No session for this chat yet — send a message first.")
		return
	}
	if err := m.router.UpdateBinding(binding.ID, store.BindingPatch{Mode: &mode}); err != nil {
		m.logger.Error("mode update failed", "binding", binding.ID, "error", err)
		m.reply(adapter, addr, "Failed to change the mode.")
		return
	}
	m.reply(adapter, addr, "⚙️ Mode set to "+mode)
}

func (m *Manager) cmdStatus(adapter channels.Adapter, addr channels.Address) {
	binding, err := m.store.GetBinding(string(addr.Channel), addr.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		m.reply(adapter, addr, "No session bound to this chat. Send a message or use /new.")
		return
	}
	if err != nil {
		m.reply(adapter, addr, "Failed to load the binding.")
		return
	}

	m.mu.Lock()
	_, busy := m.tasks[binding.SessionID]
	lastErr := m.lastErr[addr.Channel]
	m.mu.Unlock()

	state := "idle"
	if busy {
		state = "processing"
	}
	turns, _ := m.store.TurnCount(binding.SessionID)

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s (%s)\n", shortID(binding.SessionID), state)
	fmt.Fprintf(&b, "Directory: %s\n", binding.WorkingDirectory)
	fmt.Fprintf(&b, "Mode: %s\n", binding.Mode)
	if binding.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", binding.Model)
	}
	fmt.Fprintf(&b, "Turns: %d", turns)
	if binding.ResumeID != "" {
		b.WriteString("\nResumable: yes")
	}
	if lastErr != "" {
		fmt.Fprintf(&b, "\nLast channel error: %s", escapeError(errors.New(lastErr)))
	}
	m.reply(adapter, addr, b.String())
}

func (m *Manager) cmdSessions(adapter channels.Adapter, addr channels.Address) {
	sessions, err := m.router.Sessions(10)
	if err != nil {
		m.logger.Error("session list failed", "error", err)
		m.reply(adapter, addr, "Failed to list sessions.")
		return
	}
	if len(sessions) == 0 {
		m.reply(adapter, addr, "No sessions yet.")
		return
	}

	var b strings.Builder
	b.WriteString("Recent sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "• %s — %s (%s)\n", s.ID, s.WorkingDirectory,
			s.CreatedAt.Format("2006-01-02 15:04"))
	}
	b.WriteString("Use /bind <session-id> to attach.")
	m.reply(adapter, addr, b.String())
}

// shortID abbreviates a uuid for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
