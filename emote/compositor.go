package emote

import (
	"image"
	"image/color"
	"log/slog"

	"golang.org/x/image/draw"

	"github.com/onnwee/emote-tender/telemetry"
)

// State is the playback state of a compositor.
type State int

const (
	StateUninitialized State = iota
	StateWaiting
	StateComposited
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWaiting:
		return "waiting"
	case StateComposited:
		return "composited"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// compositor owns the output buffer and the frame cursor. All methods must be
// called with the owning Emote's lock held.
type compositor struct {
	frames []frameRecord
	box    image.Rectangle
	out    *image.RGBA
	cursor int
	dirty  bool
	state  State
	log    *slog.Logger
}

func newCompositor(frames []frameRecord, log *slog.Logger) *compositor {
	descs := make([]FrameDescriptor, len(frames))
	for i := range frames {
		descs[i] = frames[i].desc
	}
	box := CanonicalBox(descs)
	return &compositor{
		frames: frames,
		box:    box,
		out:    image.NewRGBA(box),
		cursor: -1,
		state:  StateWaiting,
		log:    log,
	}
}

// advance moves the cursor to the next frame, wrapping to zero.
func (c *compositor) advance() int {
	c.cursor++
	if c.cursor >= len(c.frames) {
		c.cursor = 0
	}
	return c.cursor
}

// compose draws frame i if its image is loaded. It reports whether a draw happened.
func (c *compositor) compose(i int) bool {
	rec := &c.frames[i]
	if rec.state != loadLoaded || rec.img == nil {
		c.state = StateWaiting
		return false
	}
	c.dispose(i)
	src := rec.img
	draw.Draw(c.out, rec.desc.Rect(), src, src.Bounds().Min, draw.Over)
	c.dirty = true
	c.state = StateComposited
	if rec.snapshot == nil {
		rec.snapshot = cloneRGBA(c.out)
	}
	return true
}

// dispose prepares the buffer for frame i according to the previous frame's disposal.
func (c *compositor) dispose(i int) {
	if i == 0 {
		c.clear(c.box)
		return
	}
	p := i - 1
	prev := c.frames[p].desc
	switch prev.Disposal {
	case DisposeBackground:
		c.clear(prev.Rect())
	case DisposePrevious:
		j := restoreTarget(c.frames, p)
		if j < 0 {
			c.clear(c.box)
			return
		}
		snap := c.frames[j].snapshot
		if snap == nil {
			telemetry.IncRestoreFailures()
			c.log.Debug("restore skipped: snapshot not available", slog.Int("frame", i), slog.Int("target", j))
			return
		}
		draw.Draw(c.out, c.box, snap, snap.Bounds().Min, draw.Src)
	}
}

func (c *compositor) clear(r image.Rectangle) {
	draw.Draw(c.out, r.Intersect(c.box), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
}

// restoreTarget finds the frame whose snapshot a DisposePrevious on frame p
// restores to: the nearest earlier frame that kept its pixels, or frame 0.
// It returns -1 when p is the first frame.
func restoreTarget(frames []frameRecord, p int) int {
	for j := p - 1; j >= 0; j-- {
		if j == 0 || frames[j].desc.Disposal == DisposeNone {
			return j
		}
	}
	return -1
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
