package bridge

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/engine"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

// fakeAdapter is an in-memory channel driving the full manager path. It
// implements the Ack capability and records sends and acks in arrival order.
type fakeAdapter struct {
	queue   chan *channels.InboundMessage
	running atomic.Bool
	stopped sync.Once

	mu    sync.Mutex
	sends []*channels.OutboundMessage
	acks  []int64
	// ackSnaps captures the send texts present when each ack landed, so
	// tests can assert ack-after-process ordering.
	ackSnaps [][]string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{queue: make(chan *channels.InboundMessage, 16)}
}

func (f *fakeAdapter) Name() string                { return "fake" }
func (f *fakeAdapter) ValidateConfig() error       { return nil }
func (f *fakeAdapter) Authorized(_, _ string) bool { return true }
func (f *fakeAdapter) TextLimit() int              { return 4096 }
func (f *fakeAdapter) Running() bool               { return f.running.Load() }

func (f *fakeAdapter) Start(context.Context) error {
	f.running.Store(true)
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.running.Store(false)
	f.stopped.Do(func() { close(f.queue) })
	return nil
}

func (f *fakeAdapter) ConsumeOne(ctx context.Context) (*channels.InboundMessage, error) {
	select {
	case msg, ok := <-f.queue:
		if !ok {
			return nil, nil
		}
		return msg, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (f *fakeAdapter) Send(_ context.Context, msg *channels.OutboundMessage) channels.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg)
	return channels.SendResult{OK: true, MessageID: "m1"}
}

func (f *fakeAdapter) AcknowledgeUpdate(updateID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, updateID)
	snap := make([]string, 0, len(f.sends))
	for _, s := range f.sends {
		snap = append(snap, s.Text)
	}
	f.ackSnaps = append(f.ackSnaps, snap)
}

func (f *fakeAdapter) lastSendText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return ""
	}
	return f.sends[len(f.sends)-1].Text
}

func (f *fakeAdapter) ackedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.acks...)
}

// scriptStream replays one scripted turn.
type scriptStream struct {
	events []*engine.Event
	pos    int
	delay  time.Duration
}

func (s *scriptStream) Recv(ctx context.Context) (*engine.Event, error) {
	if s.pos == 0 && s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptStream) Close() error { return nil }

type scriptRuntime struct {
	mu     sync.Mutex
	turns  int
	events []*engine.Event
	delay  time.Duration
}

func (r *scriptRuntime) StartTurn(_ context.Context, _ engine.TurnRequest) (engine.Stream, error) {
	r.mu.Lock()
	r.turns++
	r.mu.Unlock()
	return &scriptStream{events: r.events, delay: r.delay}, nil
}

func (r *scriptRuntime) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns
}

func testManager(t *testing.T, rt engine.Runtime) (*Manager, *fakeAdapter, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bridge.db")})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	adapter := newFakeAdapter()
	reg := channels.NewRegistry()
	if err := reg.Register("fake", func(map[string]any, channels.Deps) (channels.Adapter, error) {
		return adapter, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.Channels = map[string]map[string]any{"fake": {"enabled": true}}
	cfg.Defaults.WorkingDirectory = "/work"

	m := NewManager(cfg, reg, st, rt, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m, adapter, st
}

func inboundText(id int64, text string) *channels.InboundMessage {
	return &channels.InboundMessage{
		ID: "msg-1",
		Address: channels.Address{
			Channel: "fake",
			ChatID:  "chat-1",
			UserID:  "user-1",
		},
		Text:      text,
		Timestamp: time.Now(),
		UpdateID:  id,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_TextTurnEndToEnd(t *testing.T) {
	rt := &scriptRuntime{events: []*engine.Event{
		{Type: engine.EventText, Text: "hi there"},
		{Type: engine.EventResult, Result: &engine.TurnCompletion{ResumeID: "resume-1"}},
	}}
	_, adapter, st := testManager(t, rt)

	adapter.queue <- inboundText(1001, "hello")

	waitFor(t, "the reply", func() bool { return adapter.lastSendText() == "hi there" })
	waitFor(t, "the ack", func() bool { return len(adapter.ackedIDs()) == 1 })

	if got := adapter.ackedIDs(); got[0] != 1001 {
		t.Errorf("acked = %v, want [1001]", got)
	}
	adapter.mu.Lock()
	snap := adapter.ackSnaps[0]
	adapter.mu.Unlock()
	if len(snap) < 1 {
		t.Error("update acked before the reply was sent")
	}

	// First contact auto-created the binding and the turn persisted the
	// resume handle on it.
	binding, err := st.GetBinding("fake", "chat-1")
	if err != nil {
		t.Fatalf("GetBinding() error = %v", err)
	}
	if binding.WorkingDirectory != "/work" {
		t.Errorf("WorkingDirectory = %q, want the configured default", binding.WorkingDirectory)
	}
	if binding.ResumeID != "resume-1" {
		t.Errorf("ResumeID = %q, want resume-1", binding.ResumeID)
	}
	if n, _ := st.TurnCount(binding.SessionID); n != 2 {
		t.Errorf("TurnCount = %d, want user + assistant", n)
	}
}

func TestManager_CommandsAckWithoutATurn(t *testing.T) {
	rt := &scriptRuntime{}
	_, adapter, _ := testManager(t, rt)

	adapter.queue <- inboundText(500, "/help")

	waitFor(t, "the help reply", func() bool {
		return strings.Contains(adapter.lastSendText(), "/new")
	})
	waitFor(t, "the ack", func() bool { return len(adapter.ackedIDs()) == 1 })
	if rt.turnCount() != 0 {
		t.Errorf("turns = %d, want 0 for a slash command", rt.turnCount())
	}
}

func TestManager_StopTriggerWithoutTurn(t *testing.T) {
	rt := &scriptRuntime{}
	_, adapter, _ := testManager(t, rt)

	adapter.queue <- inboundText(7, "stop")

	waitFor(t, "the reply", func() bool {
		return strings.Contains(adapter.lastSendText(), "Nothing is running")
	})
	waitFor(t, "the ack", func() bool { return len(adapter.ackedIDs()) == 1 })
	if rt.turnCount() != 0 {
		t.Errorf("turns = %d, want 0 for a stop trigger", rt.turnCount())
	}
}

func TestManager_AckHeldBehindEarlierTurn(t *testing.T) {
	rt := &scriptRuntime{
		delay: 300 * time.Millisecond,
		events: []*engine.Event{
			{Type: engine.EventText, Text: "done"},
		},
	}
	_, adapter, _ := testManager(t, rt)

	// A slow text turn and a command for the same chat arrive back to back.
	// The command finishes inline first, but any ack covering the turn's
	// update must wait for the turn itself.
	adapter.queue <- inboundText(1, "hello")
	adapter.queue <- inboundText(2, "/help")

	waitFor(t, "the watermark to reach 2", func() bool {
		acked := adapter.ackedIDs()
		return len(acked) > 0 && acked[len(acked)-1] == 2
	})

	adapter.mu.Lock()
	acks := append([]int64(nil), adapter.acks...)
	snaps := adapter.ackSnaps
	adapter.mu.Unlock()

	for i, id := range acks {
		if i > 0 && id < acks[i-1] {
			t.Errorf("acks regressed: %v", acks)
		}
		if id < 1 {
			continue
		}
		// Update 1 is covered by this ack, so its turn reply must already
		// have been sent.
		found := false
		for _, text := range snaps[i] {
			if text == "done" {
				found = true
			}
		}
		if !found {
			t.Errorf("ack %d committed before the turn for update 1 finished (sends: %v)", id, snaps[i])
		}
	}
}

func TestManager_StartWithoutAdaptersFails(t *testing.T) {
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bridge.db")})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	m := NewManager(cfg, channels.NewRegistry(), st, &scriptRuntime{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := m.Start(context.Background()); err == nil {
		t.Error("Start() with no adapters = nil, want error")
	}
}
