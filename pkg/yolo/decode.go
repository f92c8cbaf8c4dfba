package yolo

import (
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultIoU is the overlap above which lower-scored boxes of the same class are dropped.
	DefaultIoU = 0.7
	// NumMasks is the number of mask prototypes produced by YOLO segmentation heads.
	NumMasks = 32
)

// Box is an axis-aligned rectangle in model input space.
type Box struct {
	X1, Y1, X2, Y2 float64
}

func (b Box) area() float64 {
	return math.Max(0, b.X2-b.X1) * math.Max(0, b.Y2-b.Y1)
}

// IoU returns the intersection over union of two boxes.
func (b Box) IoU(o Box) float64 {
	inter := Box{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}.area()
	union := b.area() + o.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Candidate is a raw detection decoded from the model head.
type Candidate struct {
	ClassID    int
	Confidence float32
	Box        Box
	Coeffs     []float32
}

// Decode reads the detection head output, laid out as [4+numClasses+numMasks][numAnchors],
// and returns the anchors whose best class score reaches minConfidence.
func Decode(output []float32, numAnchors, numClasses, numMasks int, minConfidence float32) ([]Candidate, error) {
	rows := 4 + numClasses + numMasks
	if len(output) != rows*numAnchors {
		return nil, fmt.Errorf("unexpected output size %d, wants %d*%d", len(output), rows, numAnchors)
	}

	var candidates []Candidate
	for a := 0; a < numAnchors; a++ {
		best, score := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			if v := output[(4+c)*numAnchors+a]; best < 0 || v > score {
				best, score = c, v
			}
		}
		if best < 0 || score < minConfidence {
			continue
		}

		cx := float64(output[a])
		cy := float64(output[numAnchors+a])
		w := float64(output[2*numAnchors+a])
		h := float64(output[3*numAnchors+a])

		coeffs := make([]float32, numMasks)
		for m := 0; m < numMasks; m++ {
			coeffs[m] = output[(4+numClasses+m)*numAnchors+a]
		}
		candidates = append(candidates, Candidate{
			ClassID:    best,
			Confidence: score,
			Box:        Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2},
			Coeffs:     coeffs,
		})
	}
	return candidates, nil
}

// NMS applies per-class non-maximum suppression. The result is sorted by decreasing
// confidence.
func NMS(candidates []Candidate, iouThreshold float64) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == c.ClassID && k.Box.IoU(c.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

// Mask combines the prototypes ([numMasks][protoH][protoW]) with the candidate coefficients
// and returns a binary mask (0 or 255) at prototype resolution, cropped to the candidate box.
func Mask(c Candidate, protos []float32, protoH, protoW, inputSize int) []uint8 {
	plane := protoH * protoW
	mask := make([]uint8, plane)

	sx := float64(protoW) / float64(inputSize)
	sy := float64(protoH) / float64(inputSize)
	x1 := int(math.Max(0, math.Floor(c.Box.X1*sx)))
	y1 := int(math.Max(0, math.Floor(c.Box.Y1*sy)))
	x2 := int(math.Min(float64(protoW), math.Ceil(c.Box.X2*sx)))
	y2 := int(math.Min(float64(protoH), math.Ceil(c.Box.Y2*sy)))

	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			p := y*protoW + x
			var sum float32
			for m, coef := range c.Coeffs {
				sum += coef * protos[m*plane+p]
			}
			// sigmoid(sum) > 0.5
			if sum > 0 {
				mask[p] = 255
			}
		}
	}
	return mask
}
