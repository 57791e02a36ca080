package chat

import (
	"hash/fnv"

	"github.com/lucasb-eyer/go-colorful"
)

// minLightness keeps user colors readable on dark overlays (CIE L*, 0..1).
const minLightness = 0.45

var white = colorful.Color{R: 1, G: 1, B: 1}

// UserColor normalizes a chat color to #rrggbb. Users without a valid color
// get a stable hue derived from their name; very dark colors are lifted
// toward white.
func UserColor(hex, user string) string {
	c, err := colorful.Hex(hex)
	if hex == "" || err != nil {
		h := fnv.New32a()
		_, _ = h.Write([]byte(user))
		c = colorful.Hsv(float64(h.Sum32()%360), 0.65, 0.95)
	}
	if l, _, _ := c.Lab(); l < minLightness {
		c = c.BlendLab(white, minLightness-l+0.15)
	}
	return c.Clamped().Hex()
}
