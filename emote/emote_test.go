package emote

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/onnwee/emote-tender/gifapi"
	"github.com/onnwee/emote-tender/testutil"
)

func TestAnimatedEmoteAgainstDecodingService(t *testing.T) {
	api := testutil.NewMockGifAPI(t)
	colors := testutil.Palette(4)
	frames := make([]gifapi.Frame, 4)
	imgs := make([]image.Image, 4)
	for i := range frames {
		frames[i] = gifapi.Frame{Width: 8, Height: 8, Delay: 10, Disposal: 1}
		imgs[i] = testutil.Solid(8, 8, colors[i])
	}
	api.MockFrames("pepeD", frames)
	api.MockFrameImages("pepeD", imgs)

	sched := &manualScheduler{}
	e := New("pepeD", Options{Service: api.Client(), Scheduler: sched})
	t.Cleanup(e.Dispose)
	waitResolved(t, e)
	e.loads.Wait()

	if got := sched.lastDelay(); got != 0 {
		t.Errorf("first tick delay = %v, want 0", got)
	}
	for i := 0; i < 4; i++ {
		if !sched.fire() {
			t.Fatalf("tick %d: nothing scheduled", i)
		}
	}
	if got := sched.lastDelay(); got != 100*time.Millisecond {
		t.Errorf("re-armed delay = %v, want 100ms", got)
	}

	out := e.OutputBuffer()
	if out == nil || out.Rect != image.Rect(0, 0, 8, 8) {
		t.Fatalf("output buffer = %v, want 8x8", out)
	}
	if got := out.RGBAAt(4, 4); got != colors[3] {
		t.Errorf("output pixel = %v, want frame 3 %v", got, colors[3])
	}

	st := e.Status()
	if !st.Animated || st.Frames != 4 || st.Loaded != 4 {
		t.Errorf("status = %+v, want 4 loaded animated frames", st)
	}
	if st.CurrentFrame != 3 || st.State != "composited" {
		t.Errorf("status = %+v, want frame 3 composited", st)
	}
	if st.Grid != 2 || !st.AtlasComplete || st.CellsWritten != 4 {
		t.Errorf("status = %+v, want complete 2x2 atlas", st)
	}

	atlas := e.AtlasBuffer()
	if atlas.Rect != image.Rect(0, 0, 16, 16) {
		t.Fatalf("atlas = %v, want 16x16", atlas.Rect)
	}
	for i, at := range []image.Point{{4, 4}, {12, 4}, {4, 12}, {12, 12}} {
		if got := atlas.RGBAAt(at.X, at.Y); got != colors[i] {
			t.Errorf("atlas cell %d = %v, want %v", i, got, colors[i])
		}
	}
	if !e.IsAtlasDirty() || e.IsAtlasDirty() {
		t.Error("atlas dirty flag must be set once and cleared by the read")
	}
	if api.Hits("/frames/pepeD") != 1 {
		t.Errorf("metadata fetched %d times, want 1", api.Hits("/frames/pepeD"))
	}
}

func TestAnimatedEmoteRefetchesFailedFrame(t *testing.T) {
	svc := newFakeService()
	svc.addAnimated("a", 2, 2, []int{1, 1, 1}, []color.RGBA{red, green, blue})
	svc.failures["frame:a/1"] = 1

	sched := &manualScheduler{}
	e := New("a", Options{Service: svc, Scheduler: sched})
	t.Cleanup(e.Dispose)
	waitResolved(t, e)
	e.loads.Wait()

	sched.fire() // frame 0
	sched.fire() // frame 1 failed: refetch
	e.loads.Wait()
	if st := e.Status(); st.State != "waiting" || st.Loaded != 3 {
		t.Fatalf("status = %+v, want waiting with frame 1 reloaded", st)
	}
	sched.fire() // frame 2
	sched.fire() // frame 0
	sched.fire() // frame 1
	if got := e.OutputBuffer().RGBAAt(0, 0); got != green {
		t.Errorf("output pixel = %v, want frame 1", got)
	}
	if !e.Status().AtlasComplete {
		t.Error("atlas not complete after every frame drew")
	}
}

func TestAnimatedEmoteUnavailableFrameCompletesAtlas(t *testing.T) {
	svc := newFakeService()
	svc.addAnimated("u", 2, 2, []int{1, 1, 1, 1}, []color.RGBA{red, green, blue, white})
	svc.failures["frame:u/1"] = 100

	sched := &manualScheduler{}
	e := New("u", Options{Service: svc, Scheduler: sched, MaxFrameRetries: -1})
	t.Cleanup(e.Dispose)
	waitResolved(t, e)
	e.loads.Wait()

	for i := 0; i < 4; i++ {
		sched.fire()
	}
	st := e.Status()
	if st.Unavailable != 1 {
		t.Errorf("unavailable = %d, want 1", st.Unavailable)
	}
	if !st.AtlasComplete {
		t.Errorf("status = %+v, want atlas complete despite unavailable frame", st)
	}
	if got := e.AtlasBuffer().RGBAAt(2, 0); got != transparent {
		t.Errorf("unavailable cell = %v, want transparent", got)
	}
	if !sched.hasPending() {
		t.Error("playback stopped; it must keep looping")
	}
}

func TestStaticEmoteFromDirectURL(t *testing.T) {
	const url = "https://cdn.example.com/emote/kappa.png"
	svc := newFakeService()
	svc.images[url] = solid(28, 28, red)

	e := New(url, Options{Service: svc, Scheduler: &manualScheduler{}})
	t.Cleanup(e.Dispose)
	waitResolved(t, e)

	if svc.calls() != 0 {
		t.Errorf("metadata fetched %d times for a direct URL", svc.calls())
	}
	if !e.IsOutputDirty() {
		t.Fatal("static output not dirty after load")
	}
	if e.IsOutputDirty() {
		t.Error("static output dirty twice")
	}
	out := e.OutputBuffer()
	if out.Rect != image.Rect(0, 0, 32, 32) {
		t.Errorf("static output = %v, want 32x32", out.Rect)
	}
	st := e.Status()
	if st.Animated || !st.AtlasComplete || st.StaticFallback != url {
		t.Errorf("status = %+v", st)
	}
}

func TestStaticFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		setup      func(*fakeService)
		blacklist  *Blacklist
		wantLookup int
	}{
		{
			name:       "zero frame count",
			id:         "plain",
			setup:      func(*fakeService) {},
			wantLookup: 1,
		},
		{
			name:       "metadata error",
			id:         "broken",
			setup:      func(f *fakeService) { f.framesErr = errors.New("service down") },
			wantLookup: 1,
		},
		{
			name: "blacklisted",
			id:   "bl",
			setup: func(f *fakeService) {
				f.addAnimated("bl", 2, 2, []int{1, 1}, []color.RGBA{red, green})
			},
			blacklist:  NewBlacklist("bl"),
			wantLookup: 0,
		},
		{
			name: "huge frame",
			id:   "huge",
			setup: func(f *fakeService) {
				f.frames["huge"] = &gifapi.FrameSet{Count: 1, Frames: []gifapi.Frame{{Width: 1 << 31, Height: 1 << 31, Delay: 10}}}
			},
			wantLookup: 1,
		},
		{
			name: "negative size",
			id:   "neg",
			setup: func(f *fakeService) {
				f.frames["neg"] = &gifapi.FrameSet{Count: 1, Frames: []gifapi.Frame{{Width: -8, Height: 8, Delay: 10}}}
			},
			wantLookup: 1,
		},
		{
			name: "count exceeds frames",
			id:   "short",
			setup: func(f *fakeService) {
				f.frames["short"] = &gifapi.FrameSet{Count: 3, Frames: []gifapi.Frame{{Width: 8, Height: 8, Delay: 10}}}
			},
			wantLookup: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			tt.setup(svc)
			svc.images["static:"+tt.id] = solid(4, 4, blue)

			e := New(tt.id, Options{Service: svc, Blacklist: tt.blacklist, Scheduler: &manualScheduler{}})
			t.Cleanup(e.Dispose)
			waitResolved(t, e)

			if got := svc.calls(); got != tt.wantLookup {
				t.Errorf("metadata lookups = %d, want %d", got, tt.wantLookup)
			}
			st := e.Status()
			if st.Animated {
				t.Error("took the animated path")
			}
			if st.StaticFallback != "static:"+tt.id {
				t.Errorf("static url = %q", st.StaticFallback)
			}
			if got := e.OutputBuffer().RGBAAt(2, 2); got.B < 250 || got.R > 5 || got.A < 250 {
				t.Errorf("output pixel = %v, want static image", got)
			}
		})
	}
}

func TestStaticEmoteLoadFailureLeavesNoBuffers(t *testing.T) {
	svc := newFakeService()
	e := New("missing", Options{Service: svc, Scheduler: &manualScheduler{}})
	t.Cleanup(e.Dispose)
	waitResolved(t, e)

	if e.OutputBuffer() != nil || e.AtlasBuffer() != nil {
		t.Error("buffers allocated without an image")
	}
	if e.IsOutputDirty() {
		t.Error("output dirty without a draw")
	}
}

func TestDisposeFreezesBuffers(t *testing.T) {
	svc := newFakeService()
	svc.addAnimated("d", 2, 2, []int{1, 1}, []color.RGBA{red, green})
	for i := range svc.frames["d"].Frames {
		svc.frames["d"].Frames[i].Delay = 2
	}

	e := New("d", Options{Service: svc, Scheduler: TimerScheduler{}})
	waitResolved(t, e)

	deadline := time.Now().Add(2 * time.Second)
	for e.Status().CellsWritten < 2 {
		if time.Now().After(deadline) {
			t.Fatal("animation never drew both frames")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.Dispose()
	e.Dispose()
	before := e.OutputBuffer()
	cursor := e.Status().CurrentFrame
	e.IsOutputDirty()

	time.Sleep(100 * time.Millisecond)

	if e.IsOutputDirty() {
		t.Error("output written after dispose")
	}
	after := e.OutputBuffer()
	if string(before.Pix) != string(after.Pix) {
		t.Error("output buffer changed after dispose")
	}
	st := e.Status()
	if st.CurrentFrame != cursor || st.State != "disposed" {
		t.Errorf("status = %+v, want frozen at frame %d", st, cursor)
	}
}

func TestLateLoadAfterDisposeIsDiscarded(t *testing.T) {
	svc := newFakeService()
	svc.addAnimated("late", 2, 2, []int{1, 1}, []color.RGBA{red, green})
	svc.gate = make(chan struct{})

	sched := &manualScheduler{}
	e := New("late", Options{Service: svc, Scheduler: sched})
	waitResolved(t, e)

	e.Dispose()
	close(svc.gate)
	e.loads.Wait()

	if sched.hasPending() {
		t.Error("tick still scheduled after dispose")
	}
	if st := e.Status(); st.Loaded != 0 {
		t.Errorf("loaded = %d, want late results discarded", st.Loaded)
	}
}
