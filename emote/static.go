package emote

import (
	"image"

	"golang.org/x/image/draw"
)

// PowerOfTwoSide returns the smallest power of two, at least 4, that is >= max(w, h).
func PowerOfTwoSide(w, h int) int {
	m := w
	if h > m {
		m = h
	}
	side := 4
	for side < m {
		side <<= 1
	}
	return side
}

// FitRect scales a w×h image uniformly to fit a side×side box and centers it.
func FitRect(w, h, side int) image.Rectangle {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	ratio := float64(side) / float64(h)
	if rw := float64(side) / float64(w); rw < ratio {
		ratio = rw
	}
	sw := int(float64(w)*ratio + 0.5)
	sh := int(float64(h)*ratio + 0.5)
	x := (side - sw) / 2
	y := (side - sh) / 2
	return image.Rect(x, y, x+sw, y+sh)
}

// renderStatic draws img scaled into a fresh power-of-two square buffer.
func renderStatic(img image.Image) *image.RGBA {
	b := img.Bounds()
	side := PowerOfTwoSide(b.Dx(), b.Dy())
	out := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(out, FitRect(b.Dx(), b.Dy(), side), img, b, draw.Over, nil)
	return out
}
