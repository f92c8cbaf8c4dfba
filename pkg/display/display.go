package display

import (
	"fmt"
	"image"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// NoKey is returned by PollKey when no key was pressed.
const NoKey = -1

func New() *Windows {
	return &Windows{
		windows: make(map[string]*gocv.Window),
		log:     zap.S().With("component", "display"),
	}
}

// Windows shows frames in named OpenCV windows, created on first use. It must be driven
// from the goroutine locked to the main OS thread.
type Windows struct {
	windows map[string]*gocv.Window
	order   []string
	log     *zap.SugaredLogger
}

func (w *Windows) Show(name string, img image.Image) error {
	win, ok := w.windows[name]
	if !ok {
		w.log.Debugf("open window %q", name)
		win = gocv.NewWindow(name)
		w.windows[name] = win
		w.order = append(w.order, name)
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("unable to convert image for window %q: %w", name, err)
	}
	defer mat.Close()

	win.IMShow(mat)
	return nil
}

// PollKey processes pending window events, waiting at most 1ms, and returns the pressed key
// or NoKey.
func (w *Windows) PollKey() int {
	if len(w.order) == 0 {
		return NoKey
	}
	key := w.windows[w.order[0]].WaitKey(1)
	if key < 0 {
		return NoKey
	}
	return key & 0xFF
}

func (w *Windows) Close() error {
	var err error
	for _, name := range w.order {
		if e := w.windows[name].Close(); e != nil {
			err = multierr.Append(err, fmt.Errorf("unable to close window %q: %w", name, e))
		}
	}
	w.windows = make(map[string]*gocv.Window)
	w.order = nil
	return err
}
