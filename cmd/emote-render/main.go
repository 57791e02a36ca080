// Command emote-render resolves one emote offline and writes its composited
// output and sprite atlas as PNG files.
//
// Usage:
//
//	emote-render -id pepeD [-wait 5s] [-out output.png] [-atlas atlas.png]
//
// The decoding service is taken from GIF_API and GIF_STATIC_EXT, as for the
// server. Rendering stops when the atlas is complete or -wait elapses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/emote-tender/config"
	"github.com/onnwee/emote-tender/emote"
	"github.com/onnwee/emote-tender/gifapi"
)

func main() {
	_ = godotenv.Load()

	id := flag.String("id", "", "emote id or image URL (required)")
	wait := flag.Duration("wait", 5*time.Second, "maximum time to wait for frames")
	outPath := flag.String("out", "output.png", "composited output PNG path (empty to skip)")
	atlasPath := flag.String("atlas", "atlas.png", "sprite atlas PNG path (empty to skip)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *id == "" {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	st, err := render(ctx, gifapi.NewClient(cfg.GifAPI, cfg.GifStaticExt), *id, *outPath, *atlasPath)
	if err != nil {
		slog.Error("render failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("emote rendered",
		slog.String("id", st.ID),
		slog.Bool("animated", st.Animated),
		slog.Int("frames", st.Frames),
		slog.Int("loaded", st.Loaded),
		slog.Bool("atlas_complete", st.AtlasComplete))
}

// render resolves id and waits until its atlas is complete or ctx ends, then
// writes whatever the buffers hold.
func render(ctx context.Context, svc emote.Service, id, outPath, atlasPath string) (emote.Status, error) {
	reg := emote.NewRegistry(emote.Options{Service: svc, Logger: slog.Default()})
	defer reg.Close()

	e := reg.Get(id)
	select {
	case <-e.Resolved():
	case <-ctx.Done():
		return e.Status(), fmt.Errorf("emote %s did not resolve: %w", id, ctx.Err())
	}

	// Both rendering paths size the atlas before resolving; none means the load failed.
	if e.AtlasBuffer() == nil {
		return e.Status(), errors.New("no raster available (image load failed)")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
wait:
	for !e.Status().AtlasComplete {
		select {
		case <-ctx.Done():
			slog.Warn("atlas incomplete; writing partial result", slog.String("id", id))
			break wait
		case <-ticker.C:
		}
	}

	st := e.Status()
	if err := writePNG(outPath, e.OutputBuffer()); err != nil {
		return st, err
	}
	if err := writePNG(atlasPath, e.AtlasBuffer()); err != nil {
		return st, err
	}
	return st, nil
}

func writePNG(path string, img image.Image) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
