package router

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jholhewres/clawbridge/pkg/clawbridge/channels"
	"github.com/jholhewres/clawbridge/pkg/clawbridge/store"
)

func testRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	defaults := Defaults{WorkingDirectory: "/default/dir", Model: "m1", Mode: "ask"}
	return New(st, defaults, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func addr() channels.Address {
	return channels.Address{Channel: channels.ChannelTelegram, ChatID: "100"}
}

func TestResolve_CreatesOnFirstContact(t *testing.T) {
	r, st := testRouter(t)

	b, err := r.Resolve(addr())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.SessionID == "" {
		t.Fatal("binding has no session")
	}
	if b.WorkingDirectory != "/default/dir" {
		t.Errorf("WorkingDirectory = %q, want the default", b.WorkingDirectory)
	}
	if b.Mode != "ask" {
		t.Errorf("Mode = %q, want ask", b.Mode)
	}

	sess, err := st.GetSession(b.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Model != "m1" {
		t.Errorf("session Model = %q, want m1", sess.Model)
	}
}

func TestResolve_ReturnsSameBinding(t *testing.T) {
	r, _ := testRouter(t)

	first, err := r.Resolve(addr())
	if err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	second, err := r.Resolve(addr())
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if first.ID != second.ID || first.SessionID != second.SessionID {
		t.Errorf("Resolve() created a new binding: %q vs %q", first.ID, second.ID)
	}
}

func TestResolve_RebuildsMissingSession(t *testing.T) {
	r, st := testRouter(t)

	b, _ := r.Resolve(addr())
	resume := "resume-old"
	st.UpdateBinding(b.ID, store.BindingPatch{ResumeID: &resume})

	// Simulate a session row that disappeared.
	ghost := "00000000-0000-0000-0000-000000000000"
	st.UpdateBinding(b.ID, store.BindingPatch{SessionID: &ghost})

	got, err := r.Resolve(addr())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.SessionID == ghost {
		t.Error("binding still points at the missing session")
	}
	if got.ResumeID != "" {
		t.Error("stale resume id survived session recreation")
	}
	if _, err := st.GetSession(got.SessionID); err != nil {
		t.Errorf("recreated session not found: %v", err)
	}
}

func TestCreateBinding_NewSessionForExistingChat(t *testing.T) {
	r, _ := testRouter(t)

	first, _ := r.Resolve(addr())
	second, err := r.CreateBinding(addr(), "/other/dir")
	if err != nil {
		t.Fatalf("CreateBinding() error = %v", err)
	}

	if second.ID != first.ID {
		t.Error("a fresh session must re-point the existing binding, not add one")
	}
	if second.SessionID == first.SessionID {
		t.Error("CreateBinding() kept the old session")
	}
	if second.WorkingDirectory != "/other/dir" {
		t.Errorf("WorkingDirectory = %q, want /other/dir", second.WorkingDirectory)
	}
	if second.ResumeID != "" {
		t.Error("resume id survived the session swap")
	}
}

func TestBindToSession(t *testing.T) {
	r, st := testRouter(t)

	sess := &store.Session{ID: "11111111-1111-1111-1111-111111111111", WorkingDirectory: "/w"}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	b, err := r.BindToSession(addr(), sess.ID)
	if err != nil {
		t.Fatalf("BindToSession() error = %v", err)
	}
	if b.SessionID != sess.ID {
		t.Errorf("SessionID = %q, want %q", b.SessionID, sess.ID)
	}

	// Re-pointing an existing binding keeps the binding row.
	other := &store.Session{ID: "22222222-2222-2222-2222-222222222222"}
	st.CreateSession(other)
	rebound, err := r.BindToSession(addr(), other.ID)
	if err != nil {
		t.Fatalf("second BindToSession() error = %v", err)
	}
	if rebound.ID != b.ID {
		t.Error("rebinding created a second binding row")
	}
	if rebound.SessionID != other.ID {
		t.Errorf("rebound SessionID = %q, want %q", rebound.SessionID, other.ID)
	}
}

func TestBindToSession_UnknownSession(t *testing.T) {
	r, _ := testRouter(t)
	_, err := r.BindToSession(addr(), "33333333-3333-3333-3333-333333333333")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("BindToSession() error = %v, want ErrSessionNotFound", err)
	}
}
