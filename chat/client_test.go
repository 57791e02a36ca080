package chat

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/onnwee/emote-tender/emote"
	"github.com/onnwee/emote-tender/gifapi"
)

type fakeCatalogue map[string]map[string]string

func (f fakeCatalogue) ChannelEmotes(_ context.Context, channel string) (map[string]string, error) {
	e, ok := f[channel]
	if !ok {
		return nil, errors.New("unknown channel")
	}
	return e, nil
}

func newTestClient(t *testing.T) (*Client, *Dispatcher) {
	t.Helper()
	reg := emote.NewRegistry(emote.Options{Service: stubService{}})
	t.Cleanup(reg.Close)
	d := NewDispatcher(slog.Default())
	c := &Client{
		Channels:   []string{"moonmoon", "xqc"},
		Catalogue:  fakeCatalogue{"moonmoon": {"monkaS": "5e4"}},
		Matcher:    NewMatcher(Limits{Duplicate: 1, DuplicatePleb: 1, Max: 5, MaxPleb: 1}, "https://cdn.test/{id}", nil),
		Registry:   reg,
		Dispatcher: d,
		Rand:       func() float64 { return 0.25 },
	}
	c.LoadChannelEmotes(context.Background())
	return c, d
}

func TestHandleDispatchesEmoteEvent(t *testing.T) {
	c, d := newTestClient(t)
	var got []Event
	d.On(func(ev Event) { got = append(got, ev) })

	ev, ok := c.Handle(Message{
		Channel:    "#moonmoon",
		User:       "viewer",
		Color:      "#FF0000",
		Text:       "Kappa monkaS",
		Subscriber: true,
		Native:     []NativeEmote{{ID: "25", Start: 0}},
	})
	if !ok {
		t.Fatal("no event for a message with emotes")
	}
	if len(got) != 1 || got[0].ID != ev.ID || ev.ID == "" {
		t.Fatalf("listener saw %d events", len(got))
	}
	if ev.Channel != "moonmoon" || ev.X != 0.25 || ev.Y != 0.25 || ev.Progress != 0 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Color != "#ff0000" {
		t.Errorf("color = %q, want #ff0000", ev.Color)
	}
	if len(ev.Emotes) != 2 {
		t.Fatalf("emotes = %+v", ev.Emotes)
	}
	if ev.Emotes[0].Key != "https://cdn.test/25" || ev.Emotes[1].Key != "5e4" {
		t.Errorf("keys = %q, %q", ev.Emotes[0].Key, ev.Emotes[1].Key)
	}
	for _, ref := range ev.Emotes {
		if ref.Source == nil {
			t.Errorf("%s: no emote source", ref.Name)
		}
	}
	if c.Registry.Len() != 2 {
		t.Errorf("registry holds %d emotes, want 2", c.Registry.Len())
	}
}

func TestHandleSharesSourcesAcrossMessages(t *testing.T) {
	c, _ := newTestClient(t)
	a, _ := c.Handle(Message{Channel: "moonmoon", User: "a", Text: "monkaS"})
	b, _ := c.Handle(Message{Channel: "moonmoon", User: "b", Text: "monkaS"})
	if a.Emotes[0].Source != b.Emotes[0].Source {
		t.Error("same emote resolved to two sources")
	}
}

func TestHandleWithoutEmotes(t *testing.T) {
	c, d := newTestClient(t)
	called := false
	d.On(func(Event) { called = true })
	if _, ok := c.Handle(Message{Channel: "moonmoon", Text: "just words"}); ok || called {
		t.Error("event dispatched for a message without emotes")
	}
}

func TestLoadChannelEmotesSkipsFailures(t *testing.T) {
	c, _ := newTestClient(t)
	if c.Matcher.ChannelEmoteCount("moonmoon") != 1 {
		t.Errorf("moonmoon catalogue = %d", c.Matcher.ChannelEmoteCount("moonmoon"))
	}
	if c.Matcher.ChannelEmoteCount("xqc") != 0 {
		t.Errorf("xqc catalogue = %d, want empty after fetch error", c.Matcher.ChannelEmoteCount("xqc"))
	}
}

func TestDispatcherSubscribers(t *testing.T) {
	d := NewDispatcher(nil)
	ch, unsubscribe := d.Subscribe(1)
	if d.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d", d.Subscribers())
	}

	d.Dispatch(Event{ID: "1"})
	d.Dispatch(Event{ID: "2"}) // buffer full: dropped
	select {
	case ev := <-ch:
		if ev.ID != "1" {
			t.Errorf("got %s, want 1", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %s", ev.ID)
	default:
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel open after unsubscribe")
	}
	if d.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after unsubscribe", d.Subscribers())
	}
	d.Dispatch(Event{ID: "3"})
}

func TestUserColor(t *testing.T) {
	if got := UserColor("#1E90FF", "x"); got != "#1e90ff" {
		t.Errorf("UserColor(#1E90FF) = %q", got)
	}
	a, b := UserColor("", "viewer"), UserColor("", "viewer")
	if a != b || !strings.HasPrefix(a, "#") || len(a) != 7 {
		t.Errorf("fallback colors %q %q, want one stable hex color", a, b)
	}
	if got := UserColor("#000000", "x"); got == "#000000" {
		t.Error("black not lifted")
	}
	if got := UserColor("not-a-color", "x"); got != UserColor("", "x") {
		t.Errorf("invalid color = %q, want name-derived fallback", got)
	}
}

type fakeToken struct {
	mqtt.Token
	err error
}

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []string
	err      error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, string(payload.([]byte)))
	return fakeToken{err: f.err}
}

func TestMQTTSinkPublish(t *testing.T) {
	pub := &fakePublisher{}
	s := newMQTTSink(pub, "emotes/events", slog.Default())
	if err := s.Publish(Event{ID: "abc", Emotes: []EmoteRef{{Name: "monkaS", Key: "5e4"}}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pub.topics[0] != "emotes/events" {
		t.Errorf("topic = %q", pub.topics[0])
	}
	if !strings.Contains(pub.payloads[0], `"id":"abc"`) || !strings.Contains(pub.payloads[0], `"key":"5e4"`) {
		t.Errorf("payload = %s", pub.payloads[0])
	}

	pub.err = errors.New("broker gone")
	if err := s.Publish(Event{ID: "x"}); err == nil {
		t.Error("expected publish error")
	}
}

func TestMQTTSinkRunForwardsUntilCancelled(t *testing.T) {
	pub := &fakePublisher{}
	s := newMQTTSink(pub, "t", slog.Default())
	d := NewDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, d)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sink never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	d.Dispatch(Event{ID: "e1"})
	for {
		pub.mu.Lock()
		n := len(pub.payloads)
		pub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event not forwarded")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d.Subscribers() != 0 {
		t.Error("sink still subscribed after Run returned")
	}
}

// stubService never has frames and serves no images.
type stubService struct{}

func (stubService) Frames(context.Context, string) (*gifapi.FrameSet, error) {
	return nil, gifapi.ErrNotAnimated
}
func (stubService) StaticURL(id string) string       { return "static:" + id }
func (stubService) FrameURL(id string, i int) string { return "frame:" + id }
func (stubService) FetchImage(context.Context, string) (image.Image, error) {
	return nil, errors.New("no images")
}
