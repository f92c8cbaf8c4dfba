package simulator

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

func LoadWheel(path string) (*Wheel, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load steering wheel image %v: %w", path, err)
	}
	return NewWheel(img), nil
}

func NewWheel(img image.Image) *Wheel {
	gray := imaging.Grayscale(img)
	return &Wheel{
		img:    gray,
		width:  gray.Bounds().Dx(),
		height: gray.Bounds().Dy(),
	}
}

// Wheel is the grayscale steering wheel shown next to the frames.
type Wheel struct {
	img    *image.NRGBA
	width  int
	height int
}

func (w *Wheel) Size() (int, int) {
	return w.width, w.height
}

// Rotate returns a copy of the wheel turned clockwise by angle degrees about its center,
// with the same dimensions as the source image.
func (w *Wheel) Rotate(angle float64) image.Image {
	rotated := imaging.Rotate(w.img, -angle, color.Black)
	return imaging.PasteCenter(imaging.New(w.width, w.height, color.Black), rotated)
}
