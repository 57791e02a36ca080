package emote

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/emote-tender/gifapi"
)

// manualScheduler records scheduled tasks and runs them only when fired.
type manualScheduler struct {
	mu      sync.Mutex
	seq     int
	pending func()
	pendID  int
	delays  []time.Duration
}

func (s *manualScheduler) Schedule(d time.Duration, fn func()) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	s.pending = fn
	s.pendID = id
	s.delays = append(s.delays, d)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pendID == id {
			s.pending = nil
		}
	}
}

// fire runs the pending task, if any, and reports whether one ran.
func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.pendID = 0
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (s *manualScheduler) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *manualScheduler) lastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delays) == 0 {
		return 0
	}
	return s.delays[len(s.delays)-1]
}

// fakeService is an in-memory decoding service with failure injection.
type fakeService struct {
	mu          sync.Mutex
	frames      map[string]*gifapi.FrameSet
	framesErr   error
	framesCalls int
	images      map[string]image.Image
	failures    map[string]int // url -> remaining failures
	gate        chan struct{}  // when non-nil, image fetches block until closed
}

func newFakeService() *fakeService {
	return &fakeService{
		frames:   make(map[string]*gifapi.FrameSet),
		images:   make(map[string]image.Image),
		failures: make(map[string]int),
	}
}

func (f *fakeService) Frames(ctx context.Context, id string) (*gifapi.FrameSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.framesCalls++
	if f.framesErr != nil {
		return nil, f.framesErr
	}
	fs, ok := f.frames[id]
	if !ok || fs.Count == 0 {
		return nil, gifapi.ErrNotAnimated
	}
	return fs, nil
}

func (f *fakeService) StaticURL(id string) string { return "static:" + id }

func (f *fakeService) FrameURL(id string, index int) string {
	return fmt.Sprintf("frame:%s/%d", id, index)
}

func (f *fakeService) FetchImage(ctx context.Context, url string) (image.Image, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failures[url]; n > 0 {
		f.failures[url] = n - 1
		return nil, errors.New("boom")
	}
	img, ok := f.images[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return img, nil
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.framesCalls
}

// addAnimated registers id with full-box frames of the given disposals and colors.
func (f *fakeService) addAnimated(id string, w, h int, disposals []int, colors []color.RGBA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := &gifapi.FrameSet{Count: len(disposals)}
	for i, d := range disposals {
		fs.Frames = append(fs.Frames, gifapi.Frame{Width: w, Height: h, Delay: 10, Disposal: d})
		f.images[fmt.Sprintf("frame:%s/%d", id, i)] = solid(w, h, colors[i])
	}
	f.frames[id] = fs
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

var (
	red         = color.RGBA{R: 255, A: 255}
	green       = color.RGBA{G: 255, A: 255}
	blue        = color.RGBA{B: 255, A: 255}
	white       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	transparent = color.RGBA{}
)

func waitResolved(t *testing.T, e *Emote) {
	t.Helper()
	select {
	case <-e.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("emote did not resolve")
	}
}

func loadedArena(descs []FrameDescriptor, imgs []image.Image) []frameRecord {
	recs := newArena(descs)
	for i := range recs {
		if imgs[i] != nil {
			recs[i].img = imgs[i]
			recs[i].state = loadLoaded
		}
	}
	return recs
}
