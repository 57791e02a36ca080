package chat

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/emote-tender/emote"
	"github.com/onnwee/emote-tender/telemetry"
)

// Catalogue fetches a channel's emote list (code to decoding-service id).
// *gifapi.Client implements it.
type Catalogue interface {
	ChannelEmotes(ctx context.Context, channel string) (map[string]string, error)
}

// Message is a chat message reduced to what emote matching needs.
type Message struct {
	Channel    string
	User       string
	Color      string
	Text       string
	Subscriber bool
	Native     []NativeEmote
}

// Client joins Twitch channels and publishes emote events.
type Client struct {
	Channels   []string
	Username   string
	Token      string
	Catalogue  Catalogue
	Matcher    *Matcher
	Registry   *emote.Registry
	Dispatcher *Dispatcher
	Logger     *slog.Logger

	// Rand returns placement coordinates in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

func (c *Client) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// LoadChannelEmotes fetches the emote catalogue of every configured channel.
// A failing channel is logged and left with an empty catalogue.
func (c *Client) LoadChannelEmotes(ctx context.Context) {
	if c.Catalogue == nil {
		return
	}
	for _, ch := range c.Channels {
		emotes, err := c.Catalogue.ChannelEmotes(ctx, ch)
		if err != nil {
			c.log().Warn("channel emotes fetch failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		c.Matcher.SetChannelEmotes(ch, emotes)
		c.log().Info("channel emotes loaded", slog.String("channel", ch), slog.Int("count", len(emotes)))
	}
}

// Run connects to Twitch IRC and blocks until ctx is cancelled or the
// connection fails for good. Without credentials the client is anonymous
// (read-only).
func (c *Client) Run(ctx context.Context) error {
	c.LoadChannelEmotes(ctx)

	var irc *twitch.Client
	if c.Username == "" || c.Token == "" {
		irc = twitch.NewAnonymousClient()
	} else {
		irc = twitch.NewClient(c.Username, c.Token)
	}
	irc.OnConnect(func() {
		c.log().Info("twitch chat connected", slog.Any("channels", c.Channels))
	})
	irc.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c.Handle(messageFromIRC(msg))
	})

	go func() {
		<-ctx.Done()
		_ = irc.Disconnect()
	}()

	irc.Join(c.Channels...)
	err := irc.Connect()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func messageFromIRC(msg twitch.PrivateMessage) Message {
	m := Message{
		Channel:    msg.Channel,
		User:       msg.User.DisplayName,
		Color:      msg.User.Color,
		Text:       msg.Message,
		Subscriber: msg.User.Badges["subscriber"] > 0 || msg.User.Badges["founder"] > 0,
	}
	if m.User == "" {
		m.User = msg.User.Name
	}
	for _, e := range msg.Emotes {
		for _, p := range e.Positions {
			m.Native = append(m.Native, NativeEmote{ID: e.ID, Start: p.Start})
		}
	}
	return m
}

// Handle matches m and dispatches an event when it carries emotes. It
// reports whether an event was dispatched.
func (c *Client) Handle(m Message) (Event, bool) {
	telemetry.IncChatMessages()
	matches := c.Matcher.Match(m.Channel, m.Text, m.Native, m.Subscriber)
	if len(matches) == 0 {
		return Event{}, false
	}

	refs := make([]EmoteRef, 0, len(matches))
	for _, match := range matches {
		ref := EmoteRef{Name: match.Name, Kind: match.Kind, Key: match.Source}
		if c.Registry != nil {
			ref.Source = c.Registry.Get(match.Source)
		}
		refs = append(refs, ref)
	}

	rnd := c.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	ev := Event{
		ID:      uuid.NewString(),
		Channel: normalizeChannel(m.Channel),
		User:    m.User,
		Color:   UserColor(m.Color, m.User),
		Message: m.Text,
		X:       rnd(),
		Y:       rnd(),
		Emotes:  refs,
		Time:    time.Now().UTC(),
	}
	telemetry.IncEmoteEvents()
	if c.Dispatcher != nil {
		c.Dispatcher.Dispatch(ev)
	}
	return ev, true
}
