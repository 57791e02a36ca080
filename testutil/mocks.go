package testutil

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/emote-tender/gifapi"
)

// MockGifAPI is a test server that mimics the emote decoding service.
type MockGifAPI struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockGifAPI starts a mock decoding service that 404s every unknown path.
func NewMockGifAPI(t *testing.T) *MockGifAPI {
	t.Helper()
	m := &MockGifAPI{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns a gifapi client pointed at the mock.
func (m *MockGifAPI) Client() *gifapi.Client {
	return &gifapi.Client{BaseURL: m.URL, StaticExt: "gif", HTTPClient: m.Server.Client()}
}

// Handle registers a raw handler for path.
func (m *MockGifAPI) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockGifAPI) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// MockFrames serves a frames payload for id.
func (m *MockGifAPI) MockFrames(id string, frames []gifapi.Frame) {
	m.Handle("/frames/"+id, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gifapi.FrameSet{Count: len(frames), Frames: frames}) //nolint:errcheck // test mock response
	})
}

// MockNotAnimated serves the zero-count sentinel for id.
func (m *MockGifAPI) MockNotAnimated(id string) {
	m.Handle("/frames/"+id, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count":0}`))
	})
}

// MockFrameImages serves images[i] at the frame raster path of id.
func (m *MockGifAPI) MockFrameImages(id string, images []image.Image) {
	for i, img := range images {
		m.MockImage(fmt.Sprintf("/static/%s/%d.png", id, i), img)
	}
}

// MockStatic serves img as the static fallback of id.
func (m *MockGifAPI) MockStatic(id string, img image.Image) {
	m.MockImage("/static/"+id+".gif", img)
}

// MockImage serves img PNG-encoded at path.
func (m *MockGifAPI) MockImage(path string, img image.Image) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, img) //nolint:errcheck // test mock response
	})
}

// MockChannelEmotes serves a channel catalogue of code → id.
func (m *MockGifAPI) MockChannelEmotes(channel string, emotes map[string]string) {
	m.Handle("/channel/username/"+strings.TrimPrefix(channel, "#")+".js", func(w http.ResponseWriter, r *http.Request) {
		list := make([]map[string]string, 0, len(emotes))
		for code, id := range emotes {
			list = append(list, map[string]string{"id": id, "code": code})
		}
		w.Header().Set("Content-Type", "application/javascript")
		_ = json.NewEncoder(w).Encode(list) //nolint:errcheck // test mock response
	})
}
