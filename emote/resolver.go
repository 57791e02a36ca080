package emote

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/onnwee/emote-tender/gifapi"
	"github.com/onnwee/emote-tender/telemetry"
)

// Service is the decoding service as seen by the engine. *gifapi.Client implements it.
type Service interface {
	Frames(ctx context.Context, id string) (*gifapi.FrameSet, error)
	StaticURL(id string) string
	FrameURL(id string, index int) string
	FetchImage(ctx context.Context, url string) (image.Image, error)
}

// Resolution is the outcome of resolving an identifier: either a static image
// URL or an ordered list of frame descriptors.
type Resolution struct {
	StaticURL string
	Frames    []FrameDescriptor
}

// Animated reports whether the resolution carries frames.
func (r Resolution) Animated() bool { return len(r.Frames) > 0 }

// IsDirectURL reports whether id is itself an image URL rather than a service identifier.
func IsDirectURL(id string) bool {
	lower := strings.ToLower(id)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Resolver decides between the animated and the static rendering path.
type Resolver struct {
	Service   Service
	Blacklist *Blacklist
	Logger    *slog.Logger
}

// Resolve performs at most one metadata fetch. Every failure degrades to the
// static path; Resolve never returns an error.
func (r *Resolver) Resolve(ctx context.Context, id string) Resolution {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	if IsDirectURL(id) {
		telemetry.ObserveResolve("direct")
		return Resolution{StaticURL: id}
	}
	if r.Blacklist.Contains(id) {
		telemetry.ObserveResolve("blacklisted")
		return Resolution{StaticURL: r.Service.StaticURL(id)}
	}
	fs, err := r.Service.Frames(ctx, id)
	if err != nil {
		if errors.Is(err, gifapi.ErrNotAnimated) {
			telemetry.ObserveResolve("static")
		} else {
			telemetry.ObserveResolve("error")
			log.Warn("frame metadata fetch failed; using static image", slog.String("emote", id), slog.Any("err", err))
		}
		return Resolution{StaticURL: r.Service.StaticURL(id)}
	}
	frames, err := describeFrames(fs)
	if err != nil {
		telemetry.ObserveResolve("error")
		log.Warn("unusable frame metadata; using static image", slog.String("emote", id), slog.Any("err", err))
		return Resolution{StaticURL: r.Service.StaticURL(id)}
	}
	telemetry.ObserveResolve("animated")
	return Resolution{Frames: frames}
}

// Limits on decoding service metadata. The atlas holds every frame at the
// canonical box size, so it bounds memory per emote.
const (
	MaxFrames      = 4096
	MaxBoxSide     = 4096
	MaxAtlasPixels = 64 << 20
)

// describeFrames converts service metadata into frame descriptors, rejecting
// sets whose count disagrees with the frame list and geometry that is negative,
// empty or too large to allocate.
func describeFrames(fs *gifapi.FrameSet) ([]FrameDescriptor, error) {
	n := len(fs.Frames)
	switch {
	case fs.Count <= 0 || n == 0:
		return nil, errors.New("no frames")
	case fs.Count > n:
		return nil, fmt.Errorf("count %d exceeds %d listed frames", fs.Count, n)
	case fs.Count > MaxFrames:
		return nil, fmt.Errorf("%d frames exceeds limit %d", fs.Count, MaxFrames)
	}
	frames := make([]FrameDescriptor, 0, fs.Count)
	for i, f := range fs.Frames[:fs.Count] {
		if f.X < 0 || f.Y < 0 || f.Width < 0 || f.Height < 0 {
			return nil, fmt.Errorf("frame %d has negative geometry", i)
		}
		// Checked separately so the sums below cannot overflow.
		if f.X > MaxBoxSide || f.Y > MaxBoxSide || f.Width > MaxBoxSide || f.Height > MaxBoxSide {
			return nil, fmt.Errorf("frame %d exceeds %dpx", i, MaxBoxSide)
		}
		frames = append(frames, FrameDescriptor{
			X:        f.X,
			Y:        f.Y,
			Width:    f.Width,
			Height:   f.Height,
			Delay:    NormalizeDelay(f.Delay),
			Disposal: DisposalFromCode(f.Disposal),
		})
	}
	box := CanonicalBox(frames)
	if box.Empty() {
		return nil, errors.New("empty canonical box")
	}
	if box.Dx() > MaxBoxSide || box.Dy() > MaxBoxSide {
		return nil, fmt.Errorf("canonical box %v exceeds %dpx", box.Size(), MaxBoxSide)
	}
	g := GridDimension(len(frames))
	if int64(g)*int64(box.Dx())*int64(g)*int64(box.Dy()) > MaxAtlasPixels {
		return nil, fmt.Errorf("atlas for %d frames of %v exceeds %d pixels", len(frames), box.Size(), MaxAtlasPixels)
	}
	return frames, nil
}
