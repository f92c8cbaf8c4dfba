package simulator

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
)

// ErrFrameNotFound marks the end of a dataset.
var ErrFrameNotFound = errors.New("frame not found")

func NewDataset(dir string) *Dataset {
	return &Dataset{dir: dir}
}

// Dataset reads frames named 0.jpg, 1.jpg, ... from a directory.
type Dataset struct {
	dir string
}

func (d *Dataset) Path(index int) string {
	return filepath.Join(d.dir, strconv.Itoa(index)+".jpg")
}

// Frame decodes frame index. It returns an error wrapping ErrFrameNotFound when the file
// does not exist.
func (d *Dataset) Frame(index int) (image.Image, error) {
	path := d.Path(index)
	img, err := imaging.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrFrameNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read frame %v: %w", path, err)
	}
	return img, nil
}
