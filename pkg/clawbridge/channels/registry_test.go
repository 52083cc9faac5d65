package channels

import (
	"context"
	"testing"
)

type nopAdapter struct{ name string }

func (a *nopAdapter) Name() string                { return a.name }
func (a *nopAdapter) Start(context.Context) error { return nil }
func (a *nopAdapter) Stop() error                 { return nil }
func (a *nopAdapter) Running() bool               { return false }
func (a *nopAdapter) ValidateConfig() error       { return nil }
func (a *nopAdapter) Authorized(_, _ string) bool { return true }
func (a *nopAdapter) TextLimit() int              { return 1000 }
func (a *nopAdapter) Send(context.Context, *OutboundMessage) SendResult {
	return SendResult{OK: true}
}
func (a *nopAdapter) ConsumeOne(context.Context) (*InboundMessage, error) {
	return nil, nil
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	err := r.Register("test", func(raw map[string]any, _ Deps) (Adapter, error) {
		return &nopAdapter{name: raw["name"].(string)}, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	a, err := r.Create("test", map[string]any{"name": "built"}, Deps{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if a.Name() != "built" {
		t.Errorf("Name() = %q, want built", a.Name())
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	f := func(map[string]any, Deps) (Adapter, error) { return &nopAdapter{}, nil }
	if err := r.Register("dup", f); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register("dup", f); err == nil {
		t.Error("duplicate Register() = nil, want error")
	}
}

func TestRegistry_NilFactory(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("nil", nil); err == nil {
		t.Error("Register(nil) = nil, want error")
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("ghost", nil, Deps{}); err == nil {
		t.Error("Create(unknown) = nil, want error")
	}
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	f := func(map[string]any, Deps) (Adapter, error) { return &nopAdapter{}, nil }
	for _, name := range []ChannelType{"zeta", "alpha", "mid"} {
		if err := r.Register(name, f); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	types := r.Types()
	want := []ChannelType{"alpha", "mid", "zeta"}
	for i, name := range want {
		if types[i] != name {
			t.Fatalf("Types() = %v, want %v", types, want)
		}
	}
}

func TestAddressString(t *testing.T) {
	a := Address{Channel: ChannelTelegram, ChatID: "123"}
	if a.String() != "telegram:123" {
		t.Errorf("String() = %q, want telegram:123", a.String())
	}
}

func TestInboundMessageIsCallback(t *testing.T) {
	if (&InboundMessage{Text: "hi"}).IsCallback() {
		t.Error("text message reported as callback")
	}
	if !(&InboundMessage{CallbackData: "perm:allow:x"}).IsCallback() {
		t.Error("callback message not reported as callback")
	}
}
