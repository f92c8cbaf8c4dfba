package steering

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// InputWidth and InputHeight are the dimensions expected by the regression model.
	InputWidth  = 200
	InputHeight = 66
	channels    = 3
)

// Tensor is a single preprocessed frame, row-major HWC, values in [0,1].
type Tensor struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// Shape returns the batched NHWC shape of the tensor.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), int64(t.Channels)}
}

// Model runs the steering regression network and returns its raw output in radians.
type Model interface {
	Predict(ctx context.Context, input *Tensor) (float64, error)
}

// Preprocess resizes img to the model input size and normalizes pixel values to [0,1].
// Channels are written in BGR order, the layout the network was trained on.
func Preprocess(img image.Image) *Tensor {
	resized := imaging.Resize(img, InputWidth, InputHeight, imaging.Linear)

	t := Tensor{
		Height:   InputHeight,
		Width:    InputWidth,
		Channels: channels,
		Data:     make([]float32, InputHeight*InputWidth*channels),
	}
	idx := 0
	for y := 0; y < InputHeight; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+InputWidth*4]
		for x := 0; x < InputWidth; x++ {
			px := row[x*4 : x*4+4]
			t.Data[idx] = float32(px[2]) / 255.
			t.Data[idx+1] = float32(px[1]) / 255.
			t.Data[idx+2] = float32(px[0]) / 255.
			idx += channels
		}
	}
	return &t
}

// RadiansToDegrees converts the network output to degrees.
func RadiansToDegrees(rad float64) float64 {
	return rad * 180. / math.Pi
}

func NewPredictor(model Model) *Predictor {
	return &Predictor{model: model}
}

// Predictor wraps a loaded regression model. It holds no mutable state and may be used
// from several goroutines.
type Predictor struct {
	model Model
}

// PredictAngle preprocesses img and returns the predicted steering angle in degrees.
func (p *Predictor) PredictAngle(ctx context.Context, img image.Image) (float64, error) {
	return p.PredictPreprocessed(ctx, Preprocess(img))
}

// PredictPreprocessed returns the steering angle in degrees for an already preprocessed frame.
func (p *Predictor) PredictPreprocessed(ctx context.Context, input *Tensor) (float64, error) {
	rad, err := p.model.Predict(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("unable to predict steering angle: %w", err)
	}
	return RadiansToDegrees(rad), nil
}
