package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/delivery"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/engine"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/permission"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/router"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/security"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

// ErrNoAdapters is returned by Start when no configured adapter came up.
var ErrNoAdapters = errors.New("bridge: no adapters started")

// consumerBackoff is the pause after a consumer-loop failure before retrying.
const consumerBackoff = 2 * time.Second

// Manager is the process-wide bridge orchestrator. One Manager instance owns
// all adapters, the per-session dispatcher, and the live-task map; the
// composition root creates it and passes it down by reference.
type Manager struct {
	cfg       Config
	registry  *channels.Registry
	store     *store.Store
	router    *router.Router
	engine    *engine.Engine
	broker    *permission.Broker
	deliverer *delivery.Deliverer
	limiter   *delivery.RateLimiter
	logger    *slog.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dispatch *dispatcher
	cron     *cron.Cron

	mu       sync.Mutex
	adapters map[channels.ChannelType]channels.Adapter
	lastErr  map[channels.ChannelType]string
	acks     map[channels.ChannelType]*ackTracker

	// tasks maps session id → cancellation of the in-flight turn.
	tasks map[string]context.CancelFunc
}

// NewManager wires the bridge subsystem together.
func NewManager(cfg Config, registry *channels.Registry, st *store.Store, rt engine.Runtime, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := delivery.NewRateLimiter(cfg.RateLimit.Window, cfg.RateLimit.Burst)
	deliverer := delivery.New(cfg.Delivery, limiter, st, st, logger)
	rtr := router.New(st, cfg.Defaults, logger)
	eng := engine.New(st, rt, cfg.Engine, cfg.Lock, logger)
	brk := permission.New(st, deliverer, logger)

	return &Manager{
		cfg:       cfg,
		registry:  registry,
		store:     st,
		router:    rtr,
		engine:    eng,
		broker:    brk,
		deliverer: deliverer,
		limiter:   limiter,
		logger:    logger.With("component", "bridge"),
		dispatch:  newDispatcher(logger),
		adapters:  make(map[channels.ChannelType]channels.Adapter),
		lastErr:   make(map[channels.ChannelType]string),
		acks:      make(map[channels.ChannelType]*ackTracker),
		tasks:     make(map[string]context.CancelFunc),
	}
}

// Start instantiates, validates, and starts every enabled adapter, then
// launches one consumer loop per adapter. The manager transitions to
// "running" only when at least one adapter started — and the loops, which
// check the running flag at entry, are launched strictly after that
// transition. Idempotent: a second Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if m.running.Load() {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	deps := channels.Deps{Logger: m.logger, Offsets: m.store, Audit: m.store}
	started := make([]channels.Adapter, 0, len(m.cfg.Channels))

	for _, name := range m.registry.Types() {
		raw, configured := m.cfg.Channels[string(name)]
		if !configured || !channelEnabled(raw) {
			continue
		}

		adapter, err := m.registry.Create(name, raw, deps)
		if err != nil {
			m.recordErr(name, err)
			m.logger.Error("adapter create failed", "channel", string(name), "error", err)
			continue
		}
		if err := adapter.ValidateConfig(); err != nil {
			m.recordErr(name, err)
			m.logger.Error("adapter config invalid", "channel", string(name), "error", err)
			continue
		}
		if err := adapter.Start(m.ctx); err != nil {
			m.recordErr(name, err)
			m.logger.Error("adapter start failed", "channel", string(name), "error", err)
			continue
		}

		m.mu.Lock()
		m.adapters[name] = adapter
		m.mu.Unlock()
		started = append(started, adapter)
		m.logger.Info("adapter started", "channel", string(name))
	}

	if len(started) == 0 {
		m.cancel()
		return ErrNoAdapters
	}

	m.running.Store(true)

	for _, adapter := range started {
		m.wg.Add(1)
		go m.consumerLoop(adapter)
	}

	m.startMaintenance()
	m.logger.Info("bridge running", "adapters", len(started))
	return nil
}

// Stop aborts all consumer loops, stops all adapters, and clears state.
// Idempotent.
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.logger.Info("bridge stopping")
	m.cancel()

	// Cancel all in-flight turns.
	m.mu.Lock()
	for session, cancelTask := range m.tasks {
		cancelTask()
		delete(m.tasks, session)
	}
	adapters := make([]channels.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.adapters = make(map[channels.ChannelType]channels.Adapter)
	m.mu.Unlock()

	for _, a := range adapters {
		if err := a.Stop(); err != nil {
			m.logger.Warn("adapter stop failed", "channel", a.Name(), "error", err)
		}
	}
	if m.cron != nil {
		m.cron.Stop()
	}
	m.dispatch.Close()
	m.wg.Wait()
	m.logger.Info("bridge stopped")
}

// Running reports whether the bridge is up.
func (m *Manager) Running() bool { return m.running.Load() }

// startMaintenance schedules the periodic cleanup jobs: expired dedup
// markers and locks in the store, and idle rate-limit buckets.
func (m *Manager) startMaintenance() {
	m.cron = cron.New()
	_, err := m.cron.AddFunc("@every 1m", func() {
		if err := m.store.CleanupExpired(); err != nil {
			m.logger.Warn("store cleanup failed", "error", err)
		}
		m.limiter.Cleanup()
	})
	if err != nil {
		m.logger.Warn("maintenance schedule failed", "error", err)
		return
	}
	m.cron.Start()
}

// consumerLoop is the single cooperative consumer for one adapter: one
// in-flight ConsumeOne, panics recovered and recorded, failures backed off.
func (m *Manager) consumerLoop(adapter channels.Adapter) {
	defer m.wg.Done()
	name := channels.ChannelType(adapter.Name())

	for m.running.Load() {
		msg, err := adapter.ConsumeOne(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.recordErr(name, err)
			m.logger.Warn("consume failed", "channel", adapter.Name(), "error", err)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(consumerBackoff):
			}
			continue
		}
		if msg == nil {
			// Adapter stopped.
			return
		}
		if msg.UpdateID != 0 {
			if _, acks := adapter.(channels.AckAdapter); acks {
				m.tracker(name).begin(msg.UpdateID)
			}
		}
		m.safeHandle(adapter, msg)
	}
}

// safeHandle runs handleInbound with panic recovery so one poisoned message
// cannot take the loop down.
func (m *Manager) safeHandle(adapter channels.Adapter, msg *channels.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.recordErr(channels.ChannelType(adapter.Name()), fmt.Errorf("panic: %v", r))
			m.logger.Error("handler panic", "channel", adapter.Name(), "panic", r)
			// The update will not be retried in-process; complete it so it
			// cannot wedge the ack watermark for everything behind it.
			m.ackUpdate(adapter, msg)
		}
	}()
	m.handleInbound(adapter, msg)
}

// handleInbound classifies one inbound message. Callbacks and slash commands
// are handled inline on the consumer loop — they are cheap and must not wait
// behind a long-running turn. Ordinary text goes through the per-session
// dispatcher so turns for one session are strictly serialized while distinct
// sessions run concurrently.
func (m *Manager) handleInbound(adapter channels.Adapter, msg *channels.InboundMessage) {
	if msg.IsCallback() {
		m.handleCallback(adapter, msg)
		m.ackUpdate(adapter, msg)
		return
	}

	text, truncated := security.SanitizeInput(msg.Text)
	if truncated {
		m.audit(msg, "input truncated during sanitization")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.ackUpdate(adapter, msg)
		return
	}

	if strings.HasPrefix(text, "/") {
		m.handleCommand(adapter, msg, text)
		m.ackUpdate(adapter, msg)
		return
	}
	if security.IsStopTrigger(text) {
		m.stopTurn(adapter, msg.Address)
		m.ackUpdate(adapter, msg)
		return
	}

	binding, err := m.router.Resolve(msg.Address)
	if err != nil {
		m.logger.Error("binding resolve failed", "chat", msg.Address.String(), "error", err)
		m.reply(adapter, msg.Address, "Failed to set up a session for this chat.")
		m.ackUpdate(adapter, msg)
		return
	}

	ok := m.dispatch.Dispatch(binding.SessionID, func() {
		m.processText(adapter, msg, binding, text)
		// Ack after processing: the committed offset only moves once the
		// turn is fully done.
		m.ackUpdate(adapter, msg)
	})
	if !ok {
		m.reply(adapter, msg.Address, "Too many queued messages for this session — try again shortly.")
		m.ackUpdate(adapter, msg)
	}
}

// handleCallback routes a button press. Non-permission callbacks are ignored.
func (m *Manager) handleCallback(adapter channels.Adapter, msg *channels.InboundMessage) {
	if ca, ok := adapter.(channels.CallbackAdapter); ok {
		if err := ca.AnswerCallback(m.ctx, msg.CallbackID, ""); err != nil {
			m.logger.Debug("answer callback failed", "error", err)
		}
	}
	if !permission.IsPermissionCallback(msg.CallbackData) {
		m.logger.Debug("ignoring unknown callback", "data", msg.CallbackData)
		return
	}
	if err := m.broker.HandleCallback(msg.CallbackData, msg.Address.ChatID, msg.CallbackMessageID); err != nil {
		// Spoofed or duplicate presses are logged, never surfaced in-chat.
		m.logger.Warn("permission callback rejected", "error", err)
	}
}

// processText runs one full turn for an ordinary text message.
func (m *Manager) processText(adapter channels.Adapter, msg *channels.InboundMessage, binding *store.Binding, text string) {
	m.audit(msg, text)

	if security.IsDangerousInput(text) {
		m.auditDrop(msg, "dangerous input rejected")
		m.reply(adapter, msg.Address, "⛔ That input looks dangerous and was not executed.")
		return
	}

	if pa, ok := adapter.(channels.PresenceAdapter); ok {
		pa.MessageStart(msg.Address.ChatID)
		defer pa.MessageEnd(msg.Address.ChatID)
	}

	turnCtx, cancelTurn := context.WithCancel(m.ctx)
	defer cancelTurn()
	m.mu.Lock()
	m.tasks[binding.SessionID] = cancelTurn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.tasks, binding.SessionID)
		m.mu.Unlock()
	}()

	// Track forwarded permission requests so unanswered ones are denied
	// and dropped when the turn ends.
	var forwarded []string
	forward := func(ctx context.Context, req *engine.PermissionRequest) error {
		forwarded = append(forwarded, req.ID)
		return m.broker.Forward(ctx, adapter, msg.Address, req)
	}

	result, err := m.engine.ProcessMessage(turnCtx, binding, text, forward)
	m.broker.Release(forwarded)

	switch {
	case errors.Is(err, engine.ErrSessionBusy):
		m.reply(adapter, msg.Address, "⏳ The session is busy with another message. Use /stop to interrupt it.")
		return
	case err != nil:
		m.logger.Error("turn failed", "session", binding.SessionID, "error", err)
		m.reply(adapter, msg.Address, "⚠️ "+escapeError(err))
		return
	case result.Stopped:
		m.reply(adapter, msg.Address, "⏹ Stopped.")
		return
	}

	response := result.Text
	if response == "" {
		response = "(no output)"
	}
	out := &channels.OutboundMessage{
		Address:   msg.Address,
		Text:      response,
		ParseMode: channels.ParseModeNone,
	}
	dedupKey := fmt.Sprintf("turn:%s:%s", msg.Address.String(), msg.ID)
	if _, err := m.deliverer.Deliver(m.ctx, adapter, out, dedupKey); err != nil {
		m.logger.Error("response delivery failed", "chat", msg.Address.String(), "error", err)
	}
}

// stopTurn cancels the in-flight turn for the session bound to addr.
func (m *Manager) stopTurn(adapter channels.Adapter, addr channels.Address) {
	binding, err := m.store.GetBinding(string(addr.Channel), addr.ChatID)
	if err != nil {
		m.reply(adapter, addr, "Nothing is running in this chat.")
		return
	}
	m.mu.Lock()
	cancelTask, active := m.tasks[binding.SessionID]
	m.mu.Unlock()
	if !active {
		m.reply(adapter, addr, "Nothing is running in this chat.")
		return
	}
	cancelTask()
	m.logger.Info("turn cancelled by user", "session", binding.SessionID)
}

// ackUpdate marks one update fully processed and commits the contiguous
// watermark for adapters that support it. Inline-handled updates can finish
// ahead of an earlier dispatched turn; the tracker holds their ack back until
// the earlier update completes too.
func (m *Manager) ackUpdate(adapter channels.Adapter, msg *channels.InboundMessage) {
	if msg.UpdateID == 0 {
		return
	}
	aa, ok := adapter.(channels.AckAdapter)
	if !ok {
		return
	}
	if watermark, ready := m.tracker(channels.ChannelType(adapter.Name())).complete(msg.UpdateID); ready {
		aa.AcknowledgeUpdate(watermark)
	}
}

func (m *Manager) tracker(name channels.ChannelType) *ackTracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.acks[name]
	if !ok {
		t = newAckTracker()
		m.acks[name] = t
	}
	return t
}

// reply sends a short service message through the delivery layer.
func (m *Manager) reply(adapter channels.Adapter, addr channels.Address, text string) {
	out := &channels.OutboundMessage{Address: addr, Text: text}
	if _, err := m.deliverer.Deliver(m.ctx, adapter, out, ""); err != nil {
		m.logger.Warn("reply failed", "chat", addr.String(), "error", err)
	}
}

func (m *Manager) audit(msg *channels.InboundMessage, summary string) {
	if err := m.store.AppendAudit(string(msg.Address.Channel), msg.Address.ChatID,
		store.AuditInbound, msg.ID, summary); err != nil {
		m.logger.Warn("audit append failed", "error", err)
	}
}

func (m *Manager) auditDrop(msg *channels.InboundMessage, summary string) {
	if err := m.store.AppendAudit(string(msg.Address.Channel), msg.Address.ChatID,
		store.AuditDropped, msg.ID, summary); err != nil {
		m.logger.Warn("audit append failed", "error", err)
	}
}

func (m *Manager) recordErr(name channels.ChannelType, err error) {
	m.mu.Lock()
	m.lastErr[name] = err.Error()
	m.mu.Unlock()
}

// escapeError renders an error for the chat without leaking markup.
func escapeError(err error) string {
	s := err.Error()
	s = strings.ReplaceAll(s, "<", "‹")
	s = strings.ReplaceAll(s, ">", "›")
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}
