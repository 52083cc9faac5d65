// Package router resolves external chat addresses to assistant sessions.
// One binding per (channel, chat): lazily created on first contact, re-pointed
// by /bind, patched by /cwd and /mode.
package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

// Defaults used when provisioning a fresh session.
type Defaults struct {
	WorkingDirectory string `yaml:"working_directory"`
	Model            string `yaml:"model"`
	Provider         string `yaml:"provider"`
	Mode             string `yaml:"mode"`
}

// ErrSessionNotFound is returned by BindToSession for an unknown session id.
var ErrSessionNotFound = errors.New("router: session not found")

// Router maps addresses to bindings and provisions sessions.
type Router struct {
	store    *store.Store
	defaults Defaults
	logger   *slog.Logger
}

// New creates a Router.
func New(st *store.Store, defaults Defaults, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, defaults: defaults, logger: logger.With("component", "router")}
}

// Resolve returns the binding for addr, creating binding and session on first
// contact. When the binding's linked session row no longer exists, a fresh
// session is provisioned and the binding re-pointed at it.
func (r *Router) Resolve(addr channels.Address) (*store.Binding, error) {
	binding, err := r.store.GetBinding(string(addr.Channel), addr.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return r.CreateBinding(addr, "")
	}
	if err != nil {
		return nil, err
	}

	if _, err := r.store.GetSession(binding.SessionID); errors.Is(err, store.ErrNotFound) {
		sess, err := r.provisionSession(binding.WorkingDirectory)
		if err != nil {
			return nil, err
		}
		r.logger.Info("linked session gone; recreated",
			"chat", addr.String(), "old", binding.SessionID, "new", sess.ID)
		empty := ""
		patch := store.BindingPatch{SessionID: &sess.ID, ResumeID: &empty}
		if err := r.store.UpdateBinding(binding.ID, patch); err != nil {
			return nil, err
		}
		binding.SessionID = sess.ID
		binding.ResumeID = ""
	} else if err != nil {
		return nil, err
	}
	return binding, nil
}

// CreateBinding provisions a new session with configured defaults and binds
// addr to it. An existing binding for the chat is re-pointed at the new
// session (this is what /new does).
func (r *Router) CreateBinding(addr channels.Address, workDir string) (*store.Binding, error) {
	if workDir == "" {
		workDir = r.defaults.WorkingDirectory
	}
	sess, err := r.provisionSession(workDir)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.GetBinding(string(addr.Channel), addr.ChatID)
	if err == nil {
		empty := ""
		patch := store.BindingPatch{
			SessionID:        &sess.ID,
			ResumeID:         &empty,
			WorkingDirectory: &workDir,
		}
		if err := r.store.UpdateBinding(existing.ID, patch); err != nil {
			return nil, err
		}
		return r.store.GetBindingByID(existing.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	binding := &store.Binding{
		ID:               uuid.NewString(),
		Channel:          string(addr.Channel),
		ChatID:           addr.ChatID,
		SessionID:        sess.ID,
		WorkingDirectory: workDir,
		Mode:             r.defaults.Mode,
		Active:           true,
	}
	if err := r.store.CreateBinding(binding); err != nil {
		return nil, fmt.Errorf("router: create binding: %w", err)
	}
	r.logger.Info("binding created", "chat", addr.String(), "session", sess.ID)
	return binding, nil
}

// BindToSession re-points a chat at an existing session. Fails when the
// session does not exist.
func (r *Router) BindToSession(addr channels.Address, sessionID string) (*store.Binding, error) {
	if _, err := r.store.GetSession(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	binding, err := r.store.GetBinding(string(addr.Channel), addr.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		binding = &store.Binding{
			ID:        uuid.NewString(),
			Channel:   string(addr.Channel),
			ChatID:    addr.ChatID,
			SessionID: sessionID,
			Mode:      r.defaults.Mode,
			Active:    true,
		}
		if err := r.store.CreateBinding(binding); err != nil {
			return nil, err
		}
		return binding, nil
	}
	if err != nil {
		return nil, err
	}

	empty := ""
	patch := store.BindingPatch{SessionID: &sessionID, ResumeID: &empty}
	if err := r.store.UpdateBinding(binding.ID, patch); err != nil {
		return nil, err
	}
	return r.store.GetBindingByID(binding.ID)
}

// UpdateBinding patches a binding by id.
func (r *Router) UpdateBinding(id string, patch store.BindingPatch) error {
	return r.store.UpdateBinding(id, patch)
}

// Sessions lists recent sessions for the /sessions command.
func (r *Router) Sessions(limit int) ([]*store.Session, error) {
	return r.store.ListSessions(limit)
}

func (r *Router) provisionSession(workDir string) (*store.Session, error) {
	if workDir == "" {
		workDir = r.defaults.WorkingDirectory
	}
	sess := &store.Session{
		ID:               uuid.NewString(),
		WorkingDirectory: workDir,
		Model:            r.defaults.Model,
		Provider:         r.defaults.Provider,
		Mode:             r.defaults.Mode,
	}
	if err := r.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("router: create session: %w", err)
	}
	return sess, nil
}
