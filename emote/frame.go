package emote

import (
	"image"
	"time"
)

// Disposal describes what happens to a frame's pixels before the next frame is drawn.
type Disposal int

const (
	// DisposeNone leaves the frame in place; the next frame draws on top.
	DisposeNone Disposal = iota
	// DisposeBackground clears the frame's rectangle to transparent.
	DisposeBackground
	// DisposePrevious restores the buffer to an earlier composited state.
	DisposePrevious
)

// String returns a human-readable name for the disposal mode.
func (d Disposal) String() string {
	switch d {
	case DisposeNone:
		return "none"
	case DisposeBackground:
		return "background"
	case DisposePrevious:
		return "previous"
	default:
		return "unknown"
	}
}

// DisposalFromCode maps a GIF graphic-control disposal code to a Disposal.
// Codes 0 (unspecified) and 1 (do not dispose) both keep the frame.
func DisposalFromCode(code int) Disposal {
	switch code {
	case 2:
		return DisposeBackground
	case 3:
		return DisposePrevious
	default:
		return DisposeNone
	}
}

const (
	// DefaultFrameDelay replaces zero or near-zero delays reported by the decoding service.
	DefaultFrameDelay = 100 * time.Millisecond
	// MinFrameDelay is the shortest interval the compositor will ever schedule.
	MinFrameDelay = 20 * time.Millisecond
)

// NormalizeDelay converts a GIF delay in centiseconds to a timer interval.
// Values of one centisecond or less get DefaultFrameDelay, matching what browsers do.
func NormalizeDelay(centiseconds int) time.Duration {
	if centiseconds <= 1 {
		return DefaultFrameDelay
	}
	d := time.Duration(centiseconds) * 10 * time.Millisecond
	if d < MinFrameDelay {
		return MinFrameDelay
	}
	return d
}

// FrameDescriptor holds the static attributes of one animation frame.
type FrameDescriptor struct {
	X, Y          int
	Width, Height int
	Delay         time.Duration
	Disposal      Disposal
}

// Rect is the frame's placement rectangle inside the canonical box.
func (f FrameDescriptor) Rect() image.Rectangle {
	return image.Rect(f.X, f.Y, f.X+f.Width, f.Y+f.Height)
}

// CanonicalBox returns the smallest origin-anchored rectangle containing every frame.
func CanonicalBox(frames []FrameDescriptor) image.Rectangle {
	var w, h int
	for _, f := range frames {
		if r := f.X + f.Width; r > w {
			w = r
		}
		if b := f.Y + f.Height; b > h {
			h = b
		}
	}
	return image.Rect(0, 0, w, h)
}

type loadState int

const (
	loadPending loadState = iota
	loadLoaded
	loadFailed
	loadUnavailable
)

// frameRecord is one slot of the per-emote frame arena.
type frameRecord struct {
	desc     FrameDescriptor
	state    loadState
	retries  int
	img      image.Image
	snapshot *image.RGBA
}

func newArena(frames []FrameDescriptor) []frameRecord {
	recs := make([]frameRecord, len(frames))
	for i, f := range frames {
		if f.Delay <= 0 {
			f.Delay = DefaultFrameDelay
		}
		recs[i] = frameRecord{desc: f}
	}
	return recs
}
