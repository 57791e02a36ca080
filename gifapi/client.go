// Package gifapi is a minimal client for the emote decoding service. The service
// splits animated emotes into per-frame PNGs and describes each frame's placement,
// delay and disposal; this package fetches that metadata, the frame images, and the
// per-channel emote catalogue.
package gifapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // static fallback emotes are served as GIF
	_ "image/jpeg" // some custom emotes are JPEG
	_ "image/png"  // per-frame rasters
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	_ "golang.org/x/image/webp" // third-party emote CDNs serve webp

	"github.com/onnwee/emote-tender/telemetry"
)

// DefaultBaseURL is the public decoding service.
const DefaultBaseURL = "https://gif-emotes.opl.io"

// maxImageSide bounds decoded image dimensions. Headers are checked before
// pixels are allocated.
const maxImageSide = 4096

// maxImageBytes caps a single image download.
const maxImageBytes = 16 << 20

// ErrNotAnimated is returned by Frames when the service reports no frames.
var ErrNotAnimated = errors.New("gifapi: emote is not animated")

// ErrImageTooLarge is returned when an image header declares dimensions above maxImageSide.
var ErrImageTooLarge = errors.New("gifapi: image too large")

// StatusError reports a non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gifapi: %s: unexpected status %d", e.URL, e.Code)
}

// Frame is one frame descriptor as returned by the service. Delay is in
// centiseconds and Disposal is the raw GIF disposal code.
type Frame struct {
	X        int `json:"x"`
	Y        int `json:"y"`
	Width    int `json:"width"`
	Height   int `json:"height"`
	Delay    int `json:"delay"`
	Disposal int `json:"disposal"`
}

// FrameSet is the frames endpoint payload.
type FrameSet struct {
	Count  int     `json:"count"`
	Frames []Frame `json:"frames"`
}

// Client talks to the decoding service.
type Client struct {
	BaseURL    string
	StaticExt  string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL with the given static image extension.
func NewClient(baseURL, staticExt string) *Client {
	return &Client{BaseURL: baseURL, StaticExt: staticExt}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	b := c.BaseURL
	if b == "" {
		b = DefaultBaseURL
	}
	return strings.TrimRight(b, "/")
}

func (c *Client) ext() string {
	if c.StaticExt == "" {
		return "gif"
	}
	return strings.TrimPrefix(c.StaticExt, ".")
}

// FramesURL is the metadata endpoint for id.
func (c *Client) FramesURL(id string) string {
	return c.base() + "/frames/" + url.PathEscape(id)
}

// StaticURL is the single-image fallback for id.
func (c *Client) StaticURL(id string) string {
	return c.base() + "/static/" + url.PathEscape(id) + "." + c.ext()
}

// FrameURL is the raster of frame index of id.
func (c *Client) FrameURL(id string, index int) string {
	return c.base() + "/static/" + url.PathEscape(id) + "/" + strconv.Itoa(index) + ".png"
}

// ChannelEmotesURL is the channel emote catalogue endpoint.
func (c *Client) ChannelEmotesURL(channel string) string {
	return c.base() + "/channel/username/" + url.PathEscape(channel) + ".js"
}

// Frames fetches the frame descriptors of id. It returns ErrNotAnimated when the
// service reports a zero or missing count or an empty frame list.
func (c *Client) Frames(ctx context.Context, id string) (*FrameSet, error) {
	ctx, span := telemetry.StartSpan(ctx, "gifapi", "gifapi.frames", attribute.String("emote.id", id))
	defer span.End()

	var fs FrameSet
	start := time.Now()
	err := c.getJSON(ctx, c.FramesURL(id), &fs)
	telemetry.ObserveFetch("frames", time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if fs.Count <= 0 || len(fs.Frames) == 0 {
		return nil, ErrNotAnimated
	}
	if len(fs.Frames) > fs.Count {
		fs.Frames = fs.Frames[:fs.Count]
	}
	span.SetAttributes(attribute.Int("emote.frames", len(fs.Frames)))
	telemetry.SetSpanSuccess(span)
	return &fs, nil
}

// FetchImage downloads and decodes a single raster.
func (c *Client) FetchImage(ctx context.Context, rawURL string) (image.Image, error) {
	ctx, span := telemetry.StartSpan(ctx, "gifapi", "gifapi.image", attribute.String("url", rawURL))
	defer span.End()

	start := time.Now()
	img, err := c.fetchImage(ctx, rawURL)
	telemetry.ObserveFetch("image", time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return img, nil
}

func (c *Client) fetchImage(ctx context.Context, rawURL string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	if cfg.Width > maxImageSide || cfg.Height > maxImageSide {
		return nil, fmt.Errorf("%s is %dx%d: %w", rawURL, cfg.Width, cfg.Height, ErrImageTooLarge)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return img, nil
}

// ChannelEmotes returns the channel's emote catalogue as code → emote id. A
// missing channel or an error payload yields an empty map.
func (c *Client) ChannelEmotes(ctx context.Context, channel string) (map[string]string, error) {
	channel = strings.TrimPrefix(channel, "#")
	out := make(map[string]string)
	if channel == "" {
		return out, nil
	}
	var raw json.RawMessage
	var err error
	telemetry.TimeFunc(telemetry.FetchObserver("channel"), func() {
		err = c.getJSON(ctx, c.ChannelEmotesURL(channel), &raw)
	})
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		// {"error": ...} or the bare 404 sentinel
		return out, nil
	}
	var list []struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode channel emotes: %w", err)
	}
	for _, e := range list {
		if e.Code != "" && e.ID != "" {
			out[e.Code] = e.ID
		}
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}
