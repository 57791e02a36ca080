package chat

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Kind identifies where a matched emote came from.
type Kind string

const (
	KindTwitch  Kind = "twitch"
	KindCustom  Kind = "custom"
	KindChannel Kind = "channel"
)

// Limits bounds the emotes taken from one message. Zero disables a limit.
type Limits struct {
	Duplicate     int
	DuplicatePleb int
	Max           int
	MaxPleb       int
}

func (l Limits) forTier(subscriber bool) (duplicate, most int) {
	if subscriber {
		return l.Duplicate, l.Max
	}
	return l.DuplicatePleb, l.MaxPleb
}

// NativeEmote is a Twitch emote occurrence as reported by IRC tags. Start is
// the character offset of the occurrence in the message.
type NativeEmote struct {
	ID    string
	Start int
}

// Match is one emote found in a message. Source is the identifier handed to
// the emote registry: a decoding-service id or a direct image URL.
type Match struct {
	Name   string
	Kind   Kind
	Source string
}

// Matcher finds emotes in chat messages.
type Matcher struct {
	limits    Limits
	twitchURL string

	mu      sync.RWMutex
	custom  map[string]string
	channel map[string]map[string]string
}

// NewMatcher returns a matcher. twitchURL must contain {id}; custom maps code to image URL.
func NewMatcher(limits Limits, twitchURL string, custom map[string]string) *Matcher {
	m := &Matcher{
		limits:    limits,
		twitchURL: twitchURL,
		custom:    make(map[string]string, len(custom)),
		channel:   make(map[string]map[string]string),
	}
	for code, url := range custom {
		m.custom[code] = url
	}
	return m
}

// SetChannelEmotes replaces the channel emote catalogue (code to decoding-service id) of channel.
func (m *Matcher) SetChannelEmotes(channel string, emotes map[string]string) {
	channel = normalizeChannel(channel)
	cp := make(map[string]string, len(emotes))
	for code, id := range emotes {
		cp[code] = id
	}
	m.mu.Lock()
	m.channel[channel] = cp
	m.mu.Unlock()
}

// ChannelEmoteCount returns the size of channel's catalogue.
func (m *Matcher) ChannelEmoteCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channel[normalizeChannel(channel)])
}

// TwitchEmoteURL returns the CDN URL of a native Twitch emote.
func (m *Matcher) TwitchEmoteURL(id string) string {
	return strings.ReplaceAll(m.twitchURL, "{id}", id)
}

// Match scans text word by word. A word matches at most one emote: a native
// Twitch emote starting at the word's offset wins over a custom emote, which
// wins over a channel emote. Limits are applied per tier in message order.
func (m *Matcher) Match(channel, text string, native []NativeEmote, subscriber bool) []Match {
	dupLimit, maxLimit := m.limits.forTier(subscriber)

	starts := make(map[int]string, len(native))
	for _, n := range native {
		if _, ok := starts[n.Start]; !ok {
			starts[n.Start] = n.ID
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	chanEmotes := m.channel[normalizeChannel(channel)]

	var out []Match
	seen := make(map[string]int)
	offset := 0
	for _, word := range strings.Split(text, " ") {
		start := offset
		offset += utf8.RuneCountInString(word) + 1
		if word == "" {
			continue
		}
		if maxLimit > 0 && len(out) >= maxLimit {
			break
		}
		if dupLimit > 0 && seen[word] >= dupLimit {
			continue
		}

		var match Match
		if id, ok := starts[start]; ok {
			match = Match{Name: word, Kind: KindTwitch, Source: m.TwitchEmoteURL(id)}
		} else if url, ok := m.custom[word]; ok {
			match = Match{Name: word, Kind: KindCustom, Source: url}
		} else if id, ok := chanEmotes[word]; ok {
			match = Match{Name: word, Kind: KindChannel, Source: id}
		} else {
			continue
		}
		seen[word]++
		out = append(out, match)
	}
	return out
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(ch, "#"))
}
