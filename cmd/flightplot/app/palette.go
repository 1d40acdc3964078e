package app

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	hueOffset = 20.0
	chroma    = 0.7
	lightness = 0.5
)

var (
	backgroundColor = color.White
	axisColor       = color.Black
	gridColor       = colorful.Hsv(0, 0, 0.92)
	eventColor      = colorful.Hsv(0, 0, 0.55)
	faultColor      = colorful.Hsv(0, 1, 0.9)
	lostColor       = colorful.Hsv(38, 1, 0.95)
)

// seriesPalette returns n colours evenly spaced in hue with the same perceived lightness, so
// no series stands out over the others.
func seriesPalette(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := range colors {
		hue := hueOffset + float64(i)*360/float64(n)
		colors[i] = colorful.Hcl(hue, chroma, lightness).Clamped()
	}
	return colors
}
