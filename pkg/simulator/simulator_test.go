package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyrilix/robocar-steering-sim/pkg/steering"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// frameGray is the gray level of frame i; frameWidth its width. Both identify a frame after
// a JPEG round trip.
func frameGray(i int) uint8 { return uint8(10 + 40*i) }
func frameWidth(i int) int { return 64 + i }

func writeDataset(t *testing.T, nbFrames int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < nbFrames; i++ {
		g := frameGray(i)
		img := imaging.New(frameWidth(i), 160, color.NRGBA{R: g, G: g, B: g, A: 255})
		if err := imaging.Save(img, filepath.Join(dir, fmt.Sprintf("%d.jpg", i))); err != nil {
			t.Fatalf("unable to write frame %d: %v", i, err)
		}
	}
	return dir
}

func writeWheel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wheel.png")
	img := imaging.New(21, 21, color.Black)
	img.SetNRGBA(10, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("unable to write wheel: %v", err)
	}
	return path
}

// predictorMock returns the gray level of the frame it received as angle, snapped to the
// closest dataset level to absorb JPEG rounding.
type predictorMock struct {
	delay  time.Duration
	failAt int
	err    error

	mu    sync.Mutex
	calls int
}

func (p *predictorMock) PredictPreprocessed(_ context.Context, input *steering.Tensor) (float64, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	time.Sleep(p.delay)
	if p.err != nil && call == p.failAt {
		return 0, p.err
	}
	level := math.Round((float64(input.Data[0])*255 - 10) / 40)
	return 10 + 40*level, nil
}

// segmenterMock returns a blank image with the input frame dimensions.
type segmenterMock struct {
	mu     sync.Mutex
	widths []int
}

func (s *segmenterMock) Process(_ context.Context, img image.Image, alpha float64) (image.Image, error) {
	s.mu.Lock()
	s.widths = append(s.widths, img.Bounds().Dx())
	s.mu.Unlock()
	return image.NewRGBA(img.Bounds()), nil
}

type shown struct {
	name string
	img  image.Image
}

type displayMock struct {
	shown  []shown
	keys   []int
	polls  int
	closed bool
}

func (d *displayMock) Show(name string, img image.Image) error {
	d.shown = append(d.shown, shown{name: name, img: img})
	return nil
}

func (d *displayMock) PollKey() int {
	defer func() { d.polls++ }()
	if d.polls < len(d.keys) {
		return d.keys[d.polls]
	}
	return -1
}

func (d *displayMock) Close() error {
	d.closed = true
	return nil
}

func newTestSimulator(t *testing.T, nbFrames int, p *predictorMock, seg *segmenterMock, d *displayMock, opts ...Option) (*Simulator, *bytes.Buffer, *observer.ObservedLogs) {
	t.Helper()
	out := bytes.Buffer{}
	core, logs := observer.New(zapcore.DebugLevel)
	opts = append([]Option{
		WithOutput(&out),
		WithFrameInterval(time.Millisecond),
		WithLogger(zap.New(core).Sugar()),
	}, opts...)

	s, err := New(p, seg, d, writeDataset(t, nbFrames), writeWheel(t), opts...)
	if err != nil {
		t.Fatalf("unable to init simulator: %v", err)
	}
	return s, &out, logs
}

func TestSimulator_ProcessesEveryFrameInOrder(t *testing.T) {
	p := predictorMock{delay: 2 * time.Millisecond}
	seg := segmenterMock{}
	d := displayMock{}
	s, out, logs := newTestSimulator(t, 5, &p, &seg, &d)

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("invalid number of printed angles: %v, wants 5\n%v", len(lines), out.String())
	}
	for i, line := range lines {
		expected := fmt.Sprintf("Predicted steering angle: %d.00 degrees", frameGray(i))
		if line != expected {
			t.Errorf("[frame %d] invalid line %q, wants %q", i, line, expected)
		}
	}

	for i, w := range seg.widths {
		if w != frameWidth(i) {
			t.Errorf("segmentation call %d got frame width %d, wants %d", i, w, frameWidth(i))
		}
	}

	if logs.FilterMessageSnippet("ending simulation").Len() != 1 {
		t.Errorf("end of simulation not logged: %v", logs.All())
	}
	if !d.closed {
		t.Errorf("display should be closed at the end of the simulation")
	}
}

func TestSimulator_DisplaysResultsOfSameFrame(t *testing.T) {
	p := predictorMock{delay: 3 * time.Millisecond}
	seg := segmenterMock{}
	d := displayMock{}
	s, _, _ := newTestSimulator(t, 4, &p, &seg, &d)

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(d.shown) != 3*4 {
		t.Fatalf("invalid number of views: %v, wants 12", len(d.shown))
	}
	for i := 0; i < 4; i++ {
		views := d.shown[3*i : 3*i+3]
		names := []string{views[0].name, views[1].name, views[2].name}
		if names[0] != WindowOriginal || names[1] != WindowSegmented || names[2] != WindowWheel {
			t.Errorf("[frame %d] invalid views order: %v", i, names)
		}
		if w := views[0].img.Bounds().Dx(); w != frameWidth(i) {
			t.Errorf("[frame %d] original frame width %d, wants %d", i, w, frameWidth(i))
		}
		if w := views[1].img.Bounds().Dx(); w != frameWidth(i) {
			t.Errorf("[frame %d] segmented frame from another frame: width %d, wants %d", i, w, frameWidth(i))
		}
		if b := views[2].img.Bounds(); b.Dx() != 21 || b.Dy() != 21 {
			t.Errorf("[frame %d] wheel size changed: %v", i, b)
		}
	}
}

func TestSimulator_QuitKey(t *testing.T) {
	d := displayMock{keys: []int{'a', QuitKey}}
	s, out, logs := newTestSimulator(t, 5, &predictorMock{}, &segmenterMock{}, &d)

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 2 {
		t.Errorf("quit key should stop after 2 frames, got %d", n)
	}
	if logs.FilterMessageSnippet("quit key pressed").Len() != 1 {
		t.Errorf("quit not logged")
	}
	if !d.closed {
		t.Errorf("display should be closed on quit")
	}
}

func TestSimulator_Stop(t *testing.T) {
	s, out, _ := newTestSimulator(t, 5, &predictorMock{}, &segmenterMock{}, &displayMock{})

	s.Stop()
	s.Stop()
	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 1 {
		t.Errorf("stop is checked after display, 1 frame expected, got %d", n)
	}
}

func TestSimulator_StopWaitsForTerminalState(t *testing.T) {
	d := displayMock{}
	s, _, logs := newTestSimulator(t, 20, &predictorMock{delay: 20 * time.Millisecond}, &segmenterMock{}, &d)
	results := s.SubscribeResults()

	startErr := make(chan error, 1)
	go func() { startErr <- s.Start() }()

	select {
	case <-results:
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame displayed")
	}
	if a := s.SmoothedAngle(); a < 0 || a > 255 {
		t.Errorf("invalid smoothed angle read during simulation: %v", a)
	}

	s.Stop()
	if !d.closed {
		t.Errorf("display should be closed when Stop returns")
	}
	if logs.FilterMessage("simulation stopped").Len() != 1 {
		t.Errorf("stop not logged before Stop returns: %v", logs.All())
	}

	select {
	case err := <-startErr:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Start should return after Stop")
	}
	s.Stop()
}

func TestSimulator_InferenceError(t *testing.T) {
	modelErr := errors.New("malformed input")
	d := displayMock{}
	s, out, _ := newTestSimulator(t, 5, &predictorMock{err: modelErr, failAt: 1}, &segmenterMock{}, &d)

	err := s.Start()
	if !errors.Is(err, modelErr) {
		t.Fatalf("inference error should be returned, got %v", err)
	}
	if !strings.Contains(err.Error(), "frame 1") {
		t.Errorf("error should name the frame: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 1 {
		t.Errorf("only frame 0 should be printed, got %d lines", n)
	}
}

func TestSimulator_StartIndex(t *testing.T) {
	seg := segmenterMock{}
	s, out, _ := newTestSimulator(t, 5, &predictorMock{}, &seg, &displayMock{}, WithStartIndex(3))

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 2 {
		t.Errorf("frames 3 and 4 expected, got %d lines", n)
	}
	if len(seg.widths) != 2 || seg.widths[0] != frameWidth(3) {
		t.Errorf("invalid frames processed: %v", seg.widths)
	}
}

func TestSimulator_FramePacing(t *testing.T) {
	interval := 500 * time.Millisecond
	s, _, _ := newTestSimulator(t, 3, &predictorMock{}, &segmenterMock{}, &displayMock{}, WithFrameInterval(interval))

	var sleeps []time.Duration
	s.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeps) != 3 {
		t.Fatalf("one sleep per frame expected, got %v", sleeps)
	}
	for _, d := range sleeps {
		if d <= 0 || d > interval {
			t.Errorf("invalid sleep duration %v, must be in (0, %v]", d, interval)
		}
	}
}

func TestSimulator_NoSleepWhenLate(t *testing.T) {
	s, _, _ := newTestSimulator(t, 2, &predictorMock{delay: 5 * time.Millisecond}, &segmenterMock{}, &displayMock{}, WithFrameInterval(time.Nanosecond))

	s.sleep = func(d time.Duration) { t.Errorf("unexpected sleep of %v", d) }
	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSimulator_SmoothsPredictedAngles(t *testing.T) {
	s, _, _ := newTestSimulator(t, 2, &predictorMock{}, &segmenterMock{}, &displayMock{})

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := steering.Smoother{}
	expected.Update(float64(frameGray(0)))
	expected.Update(float64(frameGray(1)))
	if math.Abs(s.SmoothedAngle()-expected.Angle()) > 1e-9 {
		t.Errorf("invalid smoothed angle %v, wants %v", s.SmoothedAngle(), expected.Angle())
	}
}

func TestSimulator_SubscribeResults(t *testing.T) {
	s, _, _ := newTestSimulator(t, 5, &predictorMock{}, &segmenterMock{}, &displayMock{})
	results := s.SubscribeResults()

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := 0
	for r := range results {
		if r.Index != idx {
			t.Errorf("invalid result index %d, wants %d", r.Index, idx)
		}
		if r.Degrees != float64(frameGray(idx)) {
			t.Errorf("[frame %d] invalid degrees %v", idx, r.Degrees)
		}
		if r.Segmented == nil {
			t.Errorf("[frame %d] missing segmented frame", idx)
		}
		idx++
	}
	if idx != 5 {
		t.Errorf("invalid number of results %d, wants 5", idx)
	}
}

func TestNew_MissingWheel(t *testing.T) {
	_, err := New(&predictorMock{}, &segmenterMock{}, &displayMock{}, t.TempDir(), filepath.Join(t.TempDir(), "none.jpg"))
	if err == nil {
		t.Errorf("missing wheel image should fail")
	}
}

func TestCropBottom(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 256))
	img.Set(0, 255, color.White)

	cropped := cropBottom(img, DefaultCropRows)
	if b := cropped.Bounds(); b.Dx() != 100 || b.Dy() != DefaultCropRows {
		t.Errorf("invalid crop %v", b)
	}
	if r, _, _, _ := cropped.At(0, DefaultCropRows-1).RGBA(); r != 0xffff {
		t.Errorf("crop should keep the bottom rows")
	}

	small := image.NewRGBA(image.Rect(0, 0, 100, 100))
	if cropBottom(small, DefaultCropRows) != image.Image(small) {
		t.Errorf("frame shorter than crop should be kept whole")
	}
}
