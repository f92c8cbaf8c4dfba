package yolo

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// DefaultInputSize is the square input resolution of exported YOLO segmentation models.
const DefaultInputSize = 640

var padColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox records how a frame was scaled and padded into the square model input.
type Letterbox struct {
	Scale float64
	PadX  int
	PadY  int
	Size  int
}

// ToFrame maps a point from model input space back to frame space.
func (l Letterbox) ToFrame(x, y float64) (float64, float64) {
	return (x - float64(l.PadX)) / l.Scale, (y - float64(l.PadY)) / l.Scale
}

// NewLetterbox resizes img to fit a size×size square, keeping its aspect ratio, and pads
// the remaining border with gray.
func NewLetterbox(img image.Image, size int) (*image.NRGBA, Letterbox) {
	b := img.Bounds()
	scale := math.Min(float64(size)/float64(b.Dx()), float64(size)/float64(b.Dy()))
	w := int(math.Round(float64(b.Dx()) * scale))
	h := int(math.Round(float64(b.Dy()) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	lb := Letterbox{
		Scale: scale,
		PadX:  (size - w) / 2,
		PadY:  (size - h) / 2,
		Size:  size,
	}
	resized := imaging.Resize(img, w, h, imaging.Linear)
	canvas := imaging.New(size, size, padColor)
	return imaging.Paste(canvas, resized, image.Pt(lb.PadX, lb.PadY)), lb
}

// ToCHW converts img into planar RGB float32 values in [0,1].
func ToCHW(img *image.NRGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(row[x*4]) / 255.
			data[plane+i] = float32(row[x*4+1]) / 255.
			data[2*plane+i] = float32(row[x*4+2]) / 255.
		}
	}
	return data
}
