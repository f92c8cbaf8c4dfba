package onnx

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// largestContour returns the outer boundary of the biggest blob of a binary mask.
func largestContour(mask []uint8, rows, cols int) ([]image.Point, error) {
	mat, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, mask)
	if err != nil {
		return nil, fmt.Errorf("unable to wrap mask: %w", err)
	}
	defer mat.Close()

	contours := gocv.FindContours(mat, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	best, bestArea := -1, 0.
	for i := 0; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); best < 0 || area > bestArea {
			best, bestArea = i, area
		}
	}
	if best < 0 {
		return nil, nil
	}
	return contours.At(best).ToPoints(), nil
}
