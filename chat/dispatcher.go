package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/emote-tender/emote"
	"github.com/onnwee/emote-tender/telemetry"
)

// EmoteRef is one emote carried by an Event. Key is the registry identifier
// of Source, usable with the /emotes/{id} endpoints.
type EmoteRef struct {
	Name   string       `json:"name"`
	Kind   Kind         `json:"kind"`
	Key    string       `json:"key"`
	Source *emote.Emote `json:"-"`
}

// Event is published for every chat message containing at least one emote.
// X and Y are a random placement in [0,1); Progress starts at 0 for renderers
// that animate the event.
type Event struct {
	ID       string     `json:"id"`
	Channel  string     `json:"channel"`
	User     string     `json:"user"`
	Color    string     `json:"color"`
	Message  string     `json:"message"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Progress float64    `json:"progress"`
	Emotes   []EmoteRef `json:"emotes"`
	Time     time.Time  `json:"time"`
}

// Dispatcher fans events out to listeners and subscribers.
//
// Listeners run synchronously on the dispatching goroutine, in registration
// order. Subscribers receive on buffered channels; a full subscriber misses
// the event rather than stalling chat.
type Dispatcher struct {
	log *slog.Logger

	mu        sync.RWMutex
	listeners []func(Event)
	subs      map[int]chan Event
	nextID    int
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log.With(slog.String("component", "dispatcher")), subs: make(map[int]chan Event)}
}

// On registers a listener.
func (d *Dispatcher) On(fn func(Event)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Dispatch delivers ev to every listener and subscriber.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	listeners := make([]func(Event), len(d.listeners))
	copy(listeners, d.listeners)
	for id, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			telemetry.IncSinkFailures()
			d.log.Debug("subscriber full; event dropped", slog.Int("subscriber", id), slog.String("event", ev.ID))
		}
	}
	d.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
