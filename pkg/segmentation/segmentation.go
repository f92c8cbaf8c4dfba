package segmentation

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultAlpha is the overlay weight used when blending annotations with the frame.
	DefaultAlpha  = 0.5
	// MinConfidence is the default detection threshold applied to both models.
	MinConfidence = 0.5

	boxLineWidth  = 2.
	labelHeight   = 20.
	labelBaseline = 5.
)

// LaneColor fills detected lane regions.
var LaneColor = color.RGBA{R: 144, G: 238, B: 144, A: 255}

// Detection is a single instance found by a segmentation model, in frame pixel coordinates.
type Detection struct {
	ClassID    int
	Confidence float32
	Box        image.Rectangle
	Polygon    []image.Point
}

// Detector runs a detection/segmentation model on a frame and returns instances with a
// confidence of at least minConfidence.
type Detector interface {
	Detect(ctx context.Context, img image.Image, minConfidence float32) ([]Detection, error)
}

type Option func(s *Segmentation)

// WithMinConfidence sets the detection threshold applied to both models.
func WithMinConfidence(c float32) Option {
	return func(s *Segmentation) {
		s.minConfidence = c
	}
}

func New(lane, object Detector, classNames []string, opts ...Option) *Segmentation {
	s := Segmentation{
		lane:          lane,
		object:        object,
		classNames:    classNames,
		palette:       Palette(len(classNames)),
		minConfidence: MinConfidence,
		log:           zap.S().With("component", "segmentation"),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &s
}

// Segmentation annotates frames with lane and object overlays.
type Segmentation struct {
	lane          Detector
	object        Detector
	classNames    []string
	palette       []color.RGBA
	minConfidence float32
	log           *zap.SugaredLogger
}

// ClassColor returns the overlay color of classID.
func (s *Segmentation) ClassColor(classID int) color.RGBA {
	if len(s.palette) == 0 {
		return color.RGBA{R: 255, A: 255}
	}
	if classID < 0 {
		classID = -classID
	}
	return s.palette[classID%len(s.palette)]
}

// ClassName returns the label of classID.
func (s *Segmentation) ClassName(classID int) string {
	if classID >= 0 && classID < len(s.classNames) {
		return s.classNames[classID]
	}
	return fmt.Sprintf("class %d", classID)
}

// Process runs lane and object detection concurrently and returns a new frame with both
// overlays blended over img with weight alpha. img is left untouched.
func (s *Segmentation) Process(ctx context.Context, img image.Image, alpha float64) (image.Image, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("invalid alpha %v, must be in [0,1]", alpha)
	}

	var lanes, objects []Detection
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.lane.Detect(gctx, img, s.minConfidence)
		if err != nil {
			return fmt.Errorf("unable to detect lanes: %w", err)
		}
		lanes = d
		return nil
	})
	g.Go(func() error {
		d, err := s.object.Detect(gctx, img, s.minConfidence)
		if err != nil {
			return fmt.Errorf("unable to detect objects: %w", err)
		}
		objects = d
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log.Debugf("%d lanes, %d objects", len(lanes), len(objects))

	bounds := img.Bounds()
	overlay := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(overlay, overlay.Bounds(), img, bounds.Min, draw.Src)

	dc := gg.NewContextForRGBA(overlay)
	offset := bounds.Min
	for _, lane := range lanes {
		fillPolygon(dc, lane.Polygon, offset, LaneColor)
	}
	for _, obj := range objects {
		s.drawObject(dc, obj, offset)
	}

	return imaging.Overlay(img, overlay, bounds.Min, alpha), nil
}

func (s *Segmentation) drawObject(dc *gg.Context, obj Detection, offset image.Point) {
	c := s.ClassColor(obj.ClassID)
	fillPolygon(dc, obj.Polygon, offset, c)

	box := obj.Box.Sub(offset)
	x1, y1 := float64(box.Min.X), float64(box.Min.Y)
	dc.SetColor(c)
	dc.SetLineWidth(boxLineWidth)
	dc.DrawRectangle(x1, y1, float64(box.Dx()), float64(box.Dy()))
	dc.Stroke()

	label := fmt.Sprintf("%s: %.2f", s.ClassName(obj.ClassID), obj.Confidence)
	labelWidth, _ := dc.MeasureString(label)
	dc.DrawRectangle(x1, y1-labelHeight, labelWidth, labelHeight)
	dc.Fill()
	dc.SetColor(color.White)
	dc.DrawString(label, x1, y1-labelBaseline)
}

func fillPolygon(dc *gg.Context, points []image.Point, offset image.Point, c color.Color) {
	if len(points) < 3 {
		return
	}
	p := points[0].Sub(offset)
	dc.MoveTo(float64(p.X), float64(p.Y))
	for _, pt := range points[1:] {
		p = pt.Sub(offset)
		dc.LineTo(float64(p.X), float64(p.Y))
	}
	dc.ClosePath()
	dc.SetColor(c)
	dc.Fill()
}
