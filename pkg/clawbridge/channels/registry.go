package channels

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// OffsetStore persists per-adapter inbound watermarks. Implemented by the
// store package; adapters receive it through Deps so they never depend on a
// concrete database.
type OffsetStore interface {
	// GetOffset returns the stored value for key and whether it exists.
	GetOffset(key string) (int64, bool, error)

	// SetOffset stores value for key. Implementations never move the value
	// backwards: a smaller value than the stored one is a no-op.
	SetOffset(key string, value int64) error

	// DeleteOffset removes a key (used when migrating legacy keys).
	DeleteOffset(key string) error
}

// AuditSink records message-level audit entries. Implemented by the store.
type AuditSink interface {
	AppendAudit(channel, chatID, direction, messageID, summary string) error
}

// Deps carries the collaborators an adapter factory may wire in.
type Deps struct {
	Logger  *slog.Logger
	Offsets OffsetStore
	Audit   AuditSink
}

// Factory builds an adapter from its raw YAML configuration subtree.
type Factory func(rawConfig map[string]any, deps Deps) (Adapter, error)

// Registry is a named adapter-factory registry. It is created once at the
// composition root and populated with explicit Register calls; adding a new
// platform never requires touching the orchestrator.
type Registry struct {
	mu        sync.RWMutex
	factories map[ChannelType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ChannelType]Factory)}
}

// Register adds a factory under the given channel type. Registering the same
// type twice is an error: it almost always means two packages are fighting
// over one platform name.
func (r *Registry) Register(name ChannelType, f Factory) error {
	if f == nil {
		return fmt.Errorf("channels: nil factory for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("channels: adapter %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Create instantiates an adapter by channel type.
func (r *Registry) Create(name ChannelType, rawConfig map[string]any, deps Deps) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channels: unknown adapter type %q", name)
	}
	return f(rawConfig, deps)
}

// Types returns the registered channel types, sorted for stable iteration.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelType, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
