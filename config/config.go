// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup: anonymous
// chat on the default channel, the public decoding service, and no database.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultChannel is joined when TWITCH_CHANNELS is empty.
const DefaultChannel = "moonmoon"

// DefaultTwitchEmoteURL is the CDN template for native Twitch emotes; {id} is replaced by the emote id.
const DefaultTwitchEmoteURL = "https://static-cdn.jtvnw.net/emoticons/v1/{id}/3.0"

type Config struct {
	// Decoding service
	GifAPI       string
	GifStaticExt string
	FrameRetries int

	// Twitch
	TwitchChannels    []string
	TwitchBotUsername string
	TwitchOAuthToken  string
	TwitchEmoteURL    string

	// Limits. A duplicate limit of 0 disables the duplicate check; a max of 0 disables the cap.
	DuplicateEmoteLimit     int
	DuplicateEmoteLimitPleb int
	MaxEmoteLimit           int
	MaxEmoteLimitPleb       int

	// Emote file
	EmotesPath   string
	CustomEmotes map[string]string
	Blacklist    []string

	// HTTP
	HTTPAddr string

	// Database (optional)
	DBDsn string

	// MQTT (optional)
	MQTTURL      string
	MQTTTopic    string
	MQTTClientID string
}

// EmotesFile is the YAML layout of EMOTES_FILE.
type EmotesFile struct {
	Custom    map[string]string `yaml:"custom"`
	Blacklist []string          `yaml:"blacklist"`
}

// Load reads environment variables and applies defaults. Chat credentials are optional;
// without them the chat client connects anonymously.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.GifAPI = strings.TrimRight(getenv("GIF_API", "https://gif-emotes.opl.io"), "/")
	cfg.GifStaticExt = strings.TrimPrefix(getenv("GIF_STATIC_EXT", "gif"), ".")

	var err error
	if cfg.FrameRetries, err = intEnv("FRAME_RETRIES", 3); err != nil {
		return nil, err
	}

	cfg.TwitchChannels = splitChannels(os.Getenv("TWITCH_CHANNELS"))
	if len(cfg.TwitchChannels) == 0 {
		cfg.TwitchChannels = []string{DefaultChannel}
	}
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchEmoteURL = getenv("TWITCH_EMOTE_URL", DefaultTwitchEmoteURL)

	if cfg.DuplicateEmoteLimit, err = intEnv("DUPLICATE_EMOTE_LIMIT", 1); err != nil {
		return nil, err
	}
	if cfg.DuplicateEmoteLimitPleb, err = intEnv("DUPLICATE_EMOTE_LIMIT_PLEB", cfg.DuplicateEmoteLimit); err != nil {
		return nil, err
	}
	if cfg.MaxEmoteLimit, err = intEnv("MAX_EMOTE_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.MaxEmoteLimitPleb, err = intEnv("MAX_EMOTE_LIMIT_PLEB", 1); err != nil {
		return nil, err
	}
	// -1 means subscribers and everyone else share one cap
	if cfg.MaxEmoteLimitPleb == -1 {
		cfg.MaxEmoteLimitPleb = cfg.MaxEmoteLimit
	}

	cfg.EmotesPath = os.Getenv("EMOTES_FILE")
	if cfg.EmotesPath != "" {
		ef, err := LoadEmotesFile(cfg.EmotesPath)
		if err != nil {
			return nil, err
		}
		cfg.CustomEmotes = ef.Custom
		cfg.Blacklist = ef.Blacklist
	}
	if cfg.CustomEmotes == nil {
		cfg.CustomEmotes = map[string]string{}
	}

	cfg.HTTPAddr = getenv("HTTP_ADDR", ":8080")
	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.MQTTURL = os.Getenv("MQTT_URL")
	cfg.MQTTTopic = getenv("MQTT_TOPIC", "emote-tender/events")
	cfg.MQTTClientID = getenv("MQTT_CLIENT_ID", "emote-tender")

	return cfg, nil
}

// LoadEmotesFile parses the YAML emote file at path.
func LoadEmotesFile(path string) (*EmotesFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read emotes file: %w", err)
	}
	var ef EmotesFile
	if err := yaml.Unmarshal(b, &ef); err != nil {
		return nil, fmt.Errorf("parse emotes file %s: %w", path, err)
	}
	return &ef, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.GifAPI, "http://") && !strings.HasPrefix(c.GifAPI, "https://") {
		errs = append(errs, fmt.Errorf("GIF_API must be an http(s) URL, got %q", c.GifAPI))
	}
	for name, v := range map[string]int{
		"FRAME_RETRIES":              c.FrameRetries,
		"DUPLICATE_EMOTE_LIMIT":      c.DuplicateEmoteLimit,
		"DUPLICATE_EMOTE_LIMIT_PLEB": c.DuplicateEmoteLimitPleb,
		"MAX_EMOTE_LIMIT":            c.MaxEmoteLimit,
		"MAX_EMOTE_LIMIT_PLEB":       c.MaxEmoteLimitPleb,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	if (c.TwitchBotUsername == "") != (c.TwitchOAuthToken == "") {
		errs = append(errs, errors.New("TWITCH_BOT_USERNAME and TWITCH_OAUTH_TOKEN must be set together"))
	}
	if !strings.Contains(c.TwitchEmoteURL, "{id}") {
		errs = append(errs, fmt.Errorf("TWITCH_EMOTE_URL must contain {id}, got %q", c.TwitchEmoteURL))
	}
	return errors.Join(errs...)
}

// Anonymous reports whether chat connects without credentials.
func (c *Config) Anonymous() bool {
	return c.TwitchBotUsername == "" || c.TwitchOAuthToken == ""
}

// EmoteHosts returns the lowercased hosts of the Twitch emote CDN and of every
// custom emote URL. These are the only hosts direct-URL emotes may be fetched
// from on request.
func (c *Config) EmoteHosts() []string {
	var hosts []string
	add := func(raw string) {
		u, err := url.Parse(strings.ReplaceAll(raw, "{id}", "0"))
		if err != nil || u.Hostname() == "" {
			return
		}
		if h := strings.ToLower(u.Hostname()); !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	add(c.TwitchEmoteURL)
	for _, raw := range c.CustomEmotes {
		add(raw)
	}
	slices.Sort(hosts)
	return hosts
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitChannels(v string) []string {
	var out []string
	for _, ch := range strings.Split(v, ",") {
		ch = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
		if ch != "" {
			out = append(out, ch)
		}
	}
	return out
}
