package emote

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/onnwee/emote-tender/telemetry"
)

// DefaultMaxFrameRetries bounds how often a failed frame image is refetched.
const DefaultMaxFrameRetries = 3

// Options configures new emotes.
type Options struct {
	Service   Service
	Blacklist *Blacklist
	Scheduler Scheduler
	Logger    *slog.Logger
	// MaxFrameRetries is the number of refetches after a failed frame load.
	// Zero means DefaultMaxFrameRetries; negative disables refetching.
	MaxFrameRetries int
}

// Status is a read-only summary of an emote's progress.
type Status struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Animated       bool   `json:"animated"`
	Frames         int    `json:"frames"`
	Loaded         int    `json:"loaded"`
	Unavailable    int    `json:"unavailable"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Grid           int    `json:"grid"`
	CellsWritten   int    `json:"cells_written"`
	AtlasComplete  bool   `json:"atlas_complete"`
	CurrentFrame   int    `json:"current_frame"`
	StaticFallback string `json:"static_url,omitempty"`
}

// Emote is a single emote source: it resolves its identifier once, loads
// frame images in the background, plays them through a compositor and packs
// each composited frame into a sprite atlas.
//
// Construction returns immediately. All state is guarded by mu; readers get
// copies of the buffers.
type Emote struct {
	ID string

	svc        Service
	resolver   *Resolver
	log        *slog.Logger
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	ticker *recurring
	loads  sync.WaitGroup

	resolved     chan struct{}
	resolvedOnce sync.Once

	mu          sync.Mutex
	disposed    bool
	animated    bool
	staticURL   string
	frames      []frameRecord
	comp        *compositor
	atlas       *atlas
	loaded      int
	unavailable int
}

// New creates an emote for id and starts resolving it in the background.
func New(id string, opts Options) *Emote {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "emote"), slog.String("emote", id))
	retries := opts.MaxFrameRetries
	if retries == 0 {
		retries = DefaultMaxFrameRetries
	} else if retries < 0 {
		retries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emote{
		ID:         id,
		svc:        opts.Service,
		resolver:   &Resolver{Service: opts.Service, Blacklist: opts.Blacklist, Logger: log},
		log:        log,
		maxRetries: retries,
		ctx:        ctx,
		cancel:     cancel,
		ticker:     newRecurring(opts.Scheduler),
		resolved:   make(chan struct{}),
	}
	telemetry.IncEmotesCreated()
	go e.resolve()
	return e
}

// Resolved is closed once the rendering path has been decided: for the
// animated path when playback is armed, for the static path after its single
// image load finished or failed.
func (e *Emote) Resolved() <-chan struct{} { return e.resolved }

func (e *Emote) markResolved() {
	e.resolvedOnce.Do(func() { close(e.resolved) })
}

func (e *Emote) resolve() {
	res := e.resolver.Resolve(e.ctx, e.ID)
	if res.Animated() {
		e.startAnimated(res.Frames)
		return
	}
	e.startStatic(res.StaticURL)
}

func (e *Emote) startAnimated(frames []FrameDescriptor) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		e.markResolved()
		return
	}
	e.animated = true
	e.frames = newArena(frames)
	e.comp = newCompositor(e.frames, e.log)
	e.atlas = newAtlas(len(e.frames), e.comp.box)
	e.atlas.unavailable = e.isUnavailable
	for i := range e.frames {
		e.fetchFrame(i)
	}
	// first tick shows frame 0 as soon as the timer fires
	e.ticker.rearm(0, e.tick)
	e.mu.Unlock()
	e.log.Debug("animated emote started", slog.Int("frames", len(frames)))
	e.markResolved()
}

func (e *Emote) startStatic(url string) {
	defer e.markResolved()
	e.mu.Lock()
	e.staticURL = url
	e.mu.Unlock()

	img, err := e.svc.FetchImage(e.ctx, url)
	if err != nil {
		telemetry.ObserveFrameLoad("failed")
		e.log.Warn("static emote image load failed", slog.String("url", url), slog.Any("err", err))
		return
	}
	out := renderStatic(img)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	telemetry.ObserveFrameLoad("ok")
	e.frames = []frameRecord{{
		desc:     FrameDescriptor{Width: out.Rect.Dx(), Height: out.Rect.Dy(), Delay: DefaultFrameDelay},
		state:    loadLoaded,
		img:      img,
		snapshot: cloneRGBA(out),
	}}
	e.loaded = 1
	e.comp = &compositor{frames: e.frames, box: out.Rect, out: out, cursor: 0, dirty: true, state: StateComposited, log: e.log}
	e.atlas = newAtlas(1, out.Rect)
	e.atlas.write(0, e.frames[0].snapshot)
}

// fetchFrame starts one asynchronous load of frame i. Caller holds mu.
func (e *Emote) fetchFrame(i int) {
	e.frames[i].state = loadPending
	url := e.svc.FrameURL(e.ID, i)
	e.loads.Add(1)
	go func() {
		defer e.loads.Done()
		img, err := e.svc.FetchImage(e.ctx, url)
		e.frameLoaded(i, img, err)
	}()
}

func (e *Emote) frameLoaded(i int, img image.Image, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	rec := &e.frames[i]
	if err != nil || img == nil {
		if rec.retries >= e.maxRetries {
			rec.state = loadUnavailable
			e.unavailable++
			telemetry.ObserveFrameLoad("unavailable")
			e.log.Warn("frame image unavailable", slog.Int("frame", i), slog.Any("err", err))
			e.atlas.settle()
			return
		}
		rec.state = loadFailed
		telemetry.ObserveFrameLoad("failed")
		e.log.Debug("frame image load failed", slog.Int("frame", i), slog.Int("retries", rec.retries), slog.Any("err", err))
		return
	}
	rec.img = img
	rec.state = loadLoaded
	e.loaded++
	telemetry.ObserveFrameLoad("ok")
}

func (e *Emote) isUnavailable(i int) bool {
	return e.frames[i].state == loadUnavailable
}

func (e *Emote) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickLocked()
}

// tickLocked advances playback by one frame and re-arms the timer with the
// delay of the frame now on screen.
func (e *Emote) tickLocked() {
	if e.disposed || e.comp == nil {
		return
	}
	i := e.comp.advance()
	e.ticker.rearm(e.frames[i].desc.Delay, e.tick)
	telemetry.IncTicks()

	if !e.comp.compose(i) {
		if e.frames[i].state == loadFailed {
			e.frames[i].retries++
			e.fetchFrame(i)
		}
		return
	}
	telemetry.IncDraws()
	e.atlas.write(i, e.frames[i].snapshot)
}

// OutputBuffer returns a copy of the composited output, or nil before the
// canonical box is known.
func (e *Emote) OutputBuffer() *image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.comp == nil {
		return nil
	}
	return cloneRGBA(e.comp.out)
}

// AtlasBuffer returns a copy of the sprite atlas, or nil before the canonical box is known.
func (e *Emote) AtlasBuffer() *image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.atlas == nil {
		return nil
	}
	return cloneRGBA(e.atlas.buf)
}

// IsOutputDirty reports whether a new composite was drawn since the last call, and clears the flag.
func (e *Emote) IsOutputDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.comp == nil {
		return false
	}
	d := e.comp.dirty
	e.comp.dirty = false
	return d
}

// IsAtlasDirty reports whether an atlas cell was written since the last call, and clears the flag.
func (e *Emote) IsAtlasDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.atlas == nil {
		return false
	}
	d := e.atlas.dirty
	e.atlas.dirty = false
	return d
}

// Status returns a snapshot of the emote's progress.
func (e *Emote) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		ID:             e.ID,
		State:          StateUninitialized.String(),
		Animated:       e.animated,
		Frames:         len(e.frames),
		Loaded:         e.loaded,
		Unavailable:    e.unavailable,
		CurrentFrame:   -1,
		StaticFallback: e.staticURL,
	}
	if e.comp != nil {
		s.State = e.comp.state.String()
		s.Width, s.Height = e.comp.box.Dx(), e.comp.box.Dy()
		s.CurrentFrame = e.comp.cursor
	}
	if e.atlas != nil {
		s.Grid = e.atlas.grid
		s.CellsWritten = e.atlas.writtenCount()
		s.AtlasComplete = e.atlas.complete
	}
	if e.disposed {
		s.State = StateDisposed.String()
	}
	return s
}

// Dispose stops playback and drops frame images and snapshots. The output
// and atlas buffers stay readable but are never written again. In-flight
// loads are cancelled and their results discarded.
func (e *Emote) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.ticker.stop()
	if e.comp != nil {
		e.comp.state = StateDisposed
	}
	for i := range e.frames {
		e.frames[i].img = nil
		e.frames[i].snapshot = nil
	}
	e.mu.Unlock()
	e.cancel()
	e.markResolved()
	e.log.Debug("emote disposed")
}
