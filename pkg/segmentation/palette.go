package segmentation

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	paletteSaturation = 0.9
	paletteValue      = 0.9
)

// Palette returns one color per class, spreading hues evenly around the color wheel.
func Palette(n int) []color.RGBA {
	colors := make([]color.RGBA, n)
	for i := 0; i < n; i++ {
		c := colorful.Hsv(360.*float64(i)/float64(n), paletteSaturation, paletteValue)
		colors[i] = color.RGBA{
			R: uint8(c.R * 255),
			G: uint8(c.G * 255),
			B: uint8(c.B * 255),
			A: 255,
		}
	}
	return colors
}
