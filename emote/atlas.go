package emote

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/onnwee/emote-tender/telemetry"
)

// GridDimension returns the side length, in cells, of the square atlas grid for n frames.
func GridDimension(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Ceil(math.Sqrt(float64(n))))
}

// CellOf returns the row-major (column, row) cell of frame i in a grid of side g.
func CellOf(i, g int) (col, row int) {
	return i % g, i / g
}

// atlas packs one composited snapshot per frame into a grid. Guarded by the Emote lock.
type atlas struct {
	cell     image.Rectangle
	grid     int
	buf      *image.RGBA
	written  []bool
	complete bool
	dirty    bool
	// unavailable reports frames that will never load. May be nil.
	unavailable func(i int) bool
}

func newAtlas(frames int, cell image.Rectangle) *atlas {
	g := GridDimension(frames)
	w, h := cell.Dx(), cell.Dy()
	return &atlas{
		cell:    cell,
		grid:    g,
		buf:     image.NewRGBA(image.Rect(0, 0, g*w, g*h)),
		written: make([]bool, frames),
	}
}

// cellRect is the destination rectangle of frame i inside the atlas buffer.
func (a *atlas) cellRect(i int) image.Rectangle {
	col, row := CellOf(i, a.grid)
	w, h := a.cell.Dx(), a.cell.Dy()
	return image.Rect(col*w, row*h, col*w+w, row*h+h)
}

// write copies snap into frame i's cell unless the cell was already written.
func (a *atlas) write(i int, snap *image.RGBA) bool {
	if a.complete || i < 0 || i >= len(a.written) || a.written[i] || snap == nil {
		return false
	}
	draw.Draw(a.buf, a.cellRect(i), snap, snap.Bounds().Min, draw.Src)
	a.written[i] = true
	a.dirty = true
	a.settle()
	return true
}

// settle marks the atlas complete once every frame is written or known to
// never load.
func (a *atlas) settle() {
	if a.complete {
		return
	}
	for i, w := range a.written {
		if w {
			continue
		}
		if a.unavailable == nil || !a.unavailable(i) {
			return
		}
	}
	for i := range a.written {
		a.written[i] = true
	}
	a.complete = true
	telemetry.IncAtlasCompleted()
}

func (a *atlas) writtenCount() int {
	n := 0
	for _, w := range a.written {
		if w {
			n++
		}
	}
	return n
}
