package emote

import (
	"sort"
	"sync"

	"github.com/onnwee/emote-tender/telemetry"
)

// Blacklist is the set of emote ids that must never take the animated path.
// It is filled at startup and read-only afterwards unless Replace is called.
// A nil *Blacklist contains nothing.
type Blacklist struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewBlacklist returns a blacklist holding ids.
func NewBlacklist(ids ...string) *Blacklist {
	b := &Blacklist{}
	b.Replace(ids)
	return b
}

// Contains reports whether id is blacklisted.
func (b *Blacklist) Contains(id string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[id]
	return ok
}

// Replace swaps the whole set. Emotes already resolved are unaffected.
func (b *Blacklist) Replace(ids []string) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = struct{}{}
		}
	}
	b.mu.Lock()
	b.ids = m
	b.mu.Unlock()
}

// Len returns the number of blacklisted ids.
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

// Registry caches one Emote per identifier for the lifetime of a session, so
// repeated references share a single compositor and atlas.
type Registry struct {
	opts Options

	mu     sync.Mutex
	emotes map[string]*Emote
	closed bool
}

// NewRegistry returns an empty registry whose emotes are created with opts.
// A nil opts.Blacklist is replaced by an empty one so it can be reloaded later.
func NewRegistry(opts Options) *Registry {
	if opts.Blacklist == nil {
		opts.Blacklist = NewBlacklist()
	}
	return &Registry{opts: opts, emotes: make(map[string]*Emote)}
}

// Get returns the cached emote for id, creating it on first reference.
// After Close it returns nil.
func (r *Registry) Get(id string) *Emote {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if e, ok := r.emotes[id]; ok {
		return e
	}
	e := New(id, r.opts)
	r.emotes[id] = e
	telemetry.SetActiveEmotes(len(r.emotes))
	return e
}

// Lookup returns the cached emote for id without creating one.
func (r *Registry) Lookup(id string) (*Emote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emotes[id]
	return e, ok
}

// IDs returns the cached identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.emotes))
	for id := range r.emotes {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached emotes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emotes)
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Blacklist returns the blacklist shared by every emote of this registry.
func (r *Registry) Blacklist() *Blacklist { return r.opts.Blacklist }

// Close disposes every cached emote. The registry hands out nothing afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	emotes := r.emotes
	r.emotes = make(map[string]*Emote)
	r.closed = true
	r.mu.Unlock()
	for _, e := range emotes {
		e.Dispose()
	}
	telemetry.SetActiveEmotes(0)
}
