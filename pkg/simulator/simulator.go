package simulator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cyrilix/robocar-steering-sim/pkg/segmentation"
	"github.com/cyrilix/robocar-steering-sim/pkg/steering"
	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultFrameInterval = time.Second / 30
	// DefaultCropRows keeps the bottom of the frame, where the road is.
	DefaultCropRows = 150
	QuitKey         = 'q'

	WindowOriginal  = "Original Frame"
	WindowSegmented = "Segmented Frame"
	WindowWheel     = "Steering Wheel"

	resultsBufferSize = 10
)

// SteeringPredictor returns the steering angle in degrees of a preprocessed frame.
type SteeringPredictor interface {
	PredictPreprocessed(ctx context.Context, input *steering.Tensor) (float64, error)
}

// Segmenter returns an annotated copy of a frame.
type Segmenter interface {
	Process(ctx context.Context, img image.Image, alpha float64) (image.Image, error)
}

// Display shows named views and reports key presses.
type Display interface {
	Show(name string, img image.Image) error
	PollKey() int
	Close() error
}

// Result is emitted once a frame has been displayed.
type Result struct {
	Index     int
	Degrees   float64
	Smoothed  float64
	Segmented image.Image
	CreatedAt time.Time
}

type Option func(s *Simulator)

func WithFrameInterval(d time.Duration) Option {
	return func(s *Simulator) {
		s.frameInterval = d
	}
}

// WithCropRows sets how many bottom rows of the frame feed the steering model. Zero or a
// value larger than the frame keeps the whole frame.
func WithCropRows(rows int) Option {
	return func(s *Simulator) {
		s.cropRows = rows
	}
}

func WithAlpha(alpha float64) Option {
	return func(s *Simulator) {
		s.alpha = alpha
	}
}

// WithOutput sets where predicted angles are printed, os.Stdout by default.
func WithOutput(w io.Writer) Option {
	return func(s *Simulator) {
		s.out = w
	}
}

func WithStartIndex(index int) Option {
	return func(s *Simulator) {
		s.index = index
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Simulator) {
		s.log = l
	}
}

func New(predictor SteeringPredictor, segmenter Segmenter, display Display, datasetDir, wheelPath string, opts ...Option) (*Simulator, error) {
	wheel, err := LoadWheel(wheelPath)
	if err != nil {
		return nil, err
	}

	s := Simulator{
		predictor:     predictor,
		segmenter:     segmenter,
		display:       display,
		dataset:       NewDataset(datasetDir),
		wheel:         wheel,
		frameInterval: DefaultFrameInterval,
		cropRows:      DefaultCropRows,
		alpha:         segmentation.DefaultAlpha,
		out:           os.Stdout,
		sleep:         time.Sleep,
		cancel:        make(chan struct{}),
		done:          make(chan struct{}),
		log:           zap.S().With("dataset", datasetDir),
	}
	for _, opt := range opts {
		opt(&s)
	}
	w, h := wheel.Size()
	s.log.Debugf("steering wheel %vx%v loaded from %v", w, h, wheelPath)

	s.pool = newWorkerPool(2)
	return &s, nil
}

// Simulator replays a dataset through the steering and segmentation models and displays the
// results frame by frame.
type Simulator struct {
	predictor SteeringPredictor
	segmenter Segmenter
	display   Display
	dataset   *Dataset
	wheel     *Wheel

	muSmoother sync.Mutex
	smoother   steering.Smoother

	index         int
	frameInterval time.Duration
	cropRows      int
	alpha         float64
	out           io.Writer
	sleep         func(time.Duration)

	pool *workerPool

	muResults sync.Mutex
	results   chan *Result

	muRun    sync.Mutex
	running  bool
	stopOnce sync.Once
	cancel   chan struct{}
	done     chan struct{}

	log *zap.SugaredLogger
}

// SubscribeResults returns a channel receiving every displayed frame. Results are dropped
// when the channel is full. The channel is closed when Start returns.
func (s *Simulator) SubscribeResults() <-chan *Result {
	s.muResults.Lock()
	defer s.muResults.Unlock()
	if s.results == nil {
		s.results = make(chan *Result, resultsBufferSize)
	}
	return s.results
}

// SmoothedAngle returns the angle currently shown on the steering wheel. It may be called
// while Start is running.
func (s *Simulator) SmoothedAngle() float64 {
	s.muSmoother.Lock()
	defer s.muSmoother.Unlock()
	return s.smoother.Angle()
}

// Start runs the frame loop until the dataset is exhausted, the quit key is pressed or Stop
// is called. It must be called once, from the goroutine owning the display.
func (s *Simulator) Start() (err error) {
	s.muRun.Lock()
	s.running = true
	s.muRun.Unlock()
	defer close(s.done)
	defer func() {
		err = multierr.Append(err, s.shutdown())
	}()

	ctx := context.Background()
	s.log.Info("start simulation")
	for {
		start := time.Now()

		frame, err := s.dataset.Frame(s.index)
		if errors.Is(err, ErrFrameNotFound) {
			s.log.Infof("image %v not found, ending simulation", s.dataset.Path(s.index))
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.processFrame(ctx, frame); err != nil {
			return err
		}
		s.index++

		if elapsed := time.Since(start); elapsed < s.frameInterval {
			s.sleep(s.frameInterval - elapsed)
		}

		if s.display.PollKey() == QuitKey {
			s.log.Info("quit key pressed, ending simulation")
			return nil
		}
		select {
		case <-s.cancel:
			s.log.Info("simulation stopped")
			return nil
		default:
		}
	}
}

// Stop ends the loop after the frame in progress. When Start is running, Stop returns once
// the simulation has reached its terminal state and the display is closed.
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() {
		close(s.cancel)
	})

	s.muRun.Lock()
	running := s.running
	s.muRun.Unlock()
	if running {
		<-s.done
	}
}

func (s *Simulator) processFrame(ctx context.Context, frame image.Image) error {
	input := steering.Preprocess(cropBottom(frame, s.cropRows))

	var degrees float64
	var segmented image.Image
	var steeringErr, segmentationErr error
	s.pool.run(
		func() {
			degrees, steeringErr = s.predictor.PredictPreprocessed(ctx, input)
		},
		func() {
			segmented, segmentationErr = s.segmenter.Process(ctx, frame, s.alpha)
		},
	)
	if err := multierr.Combine(steeringErr, segmentationErr); err != nil {
		return fmt.Errorf("unable to process frame %d: %w", s.index, err)
	}

	return s.updateDisplay(frame, degrees, segmented)
}

func (s *Simulator) updateDisplay(frame image.Image, degrees float64, segmented image.Image) error {
	if _, err := fmt.Fprintf(s.out, "Predicted steering angle: %.2f degrees\n", degrees); err != nil {
		s.log.Warnf("unable to print steering angle: %v", err)
	}
	s.muSmoother.Lock()
	smoothed := s.smoother.Update(degrees)
	s.muSmoother.Unlock()
	s.log.Debugf("frame %d: predicted %.2f, smoothed %.2f", s.index, degrees, smoothed)

	err := multierr.Combine(
		s.display.Show(WindowOriginal, frame),
		s.display.Show(WindowSegmented, segmented),
		s.display.Show(WindowWheel, s.wheel.Rotate(smoothed)),
	)
	if err != nil {
		return fmt.Errorf("unable to display frame %d: %w", s.index, err)
	}

	s.publish(&Result{
		Index:     s.index,
		Degrees:   degrees,
		Smoothed:  smoothed,
		Segmented: segmented,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *Simulator) publish(r *Result) {
	s.muResults.Lock()
	defer s.muResults.Unlock()
	if s.results == nil {
		return
	}
	select {
	case s.results <- r:
	default:
		s.log.Debugf("result of frame %d dropped, subscriber too slow", r.Index)
	}
}

func (s *Simulator) shutdown() error {
	s.pool.close()

	s.muResults.Lock()
	if s.results != nil {
		close(s.results)
		s.results = nil
	}
	s.muResults.Unlock()

	if err := s.display.Close(); err != nil {
		return fmt.Errorf("unable to close display: %w", err)
	}
	return nil
}

func cropBottom(img image.Image, rows int) image.Image {
	b := img.Bounds()
	if rows <= 0 || rows >= b.Dy() {
		return img
	}
	return imaging.Crop(img, image.Rect(b.Min.X, b.Max.Y-rows, b.Max.X, b.Max.Y))
}
