package onnx

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/cyrilix/robocar-steering-sim/pkg/segmentation"
	"github.com/cyrilix/robocar-steering-sim/pkg/yolo"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const namesMetadataKey = "names"

// NewSegmentationModel loads a YOLO segmentation network exported to ONNX. The network must
// expose two outputs: the detection head [1, 4+classes+masks, anchors] and the mask
// prototypes [1, masks, h, w].
func NewSegmentationModel(path string) (*SegmentationModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read model info from %v: %w", path, err)
	}
	if len(inputs) != 1 || len(outputs) < 2 {
		return nil, fmt.Errorf("segmentation model %v must have one input and two outputs, got %d/%d", path, len(inputs), len(outputs))
	}

	inShape, err := staticShape(inputs[0].Name, inputs[0].Dimensions)
	if err != nil {
		return nil, err
	}
	detShape, err := staticShape(outputs[0].Name, outputs[0].Dimensions)
	if err != nil {
		return nil, err
	}
	protoShape, err := staticShape(outputs[1].Name, outputs[1].Dimensions)
	if err != nil {
		return nil, err
	}
	if len(inShape) != 4 || inShape[2] != inShape[3] || len(detShape) != 3 || len(protoShape) != 4 {
		return nil, fmt.Errorf("unexpected tensor shapes in %v: input %v, outputs %v %v", path, inShape, detShape, protoShape)
	}

	numMasks := int(protoShape[1])
	numClasses := int(detShape[1]) - 4 - numMasks
	if numClasses < 1 {
		return nil, fmt.Errorf("segmentation model %v has no class scores: %v", path, detShape)
	}

	names, err := readClassNames(path, numClasses)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name, outputs[1].Name},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load segmentation model %v: %w", path, err)
	}

	m := SegmentationModel{
		session:    session,
		inShape:    inShape,
		detShape:   detShape,
		protoShape: protoShape,
		inputSize:  int(inShape[2]),
		numClasses: numClasses,
		numMasks:   numMasks,
		names:      names,
		iou:        yolo.DefaultIoU,
		log:        zap.S().With("model", path),
	}
	m.log.Infof("segmentation model loaded, %d classes, input %dx%d", numClasses, m.inputSize, m.inputSize)
	return &m, nil
}

// SegmentationModel implements segmentation.Detector with a YOLO segmentation network.
type SegmentationModel struct {
	session    *ort.DynamicAdvancedSession
	inShape    ort.Shape
	detShape   ort.Shape
	protoShape ort.Shape
	inputSize  int
	numClasses int
	numMasks   int
	names      []string
	iou        float64
	log        *zap.SugaredLogger
}

// ClassNames returns one label per class index. Classes absent from the model metadata are
// named after their index.
func (m *SegmentationModel) ClassNames() []string {
	names := make([]string, m.numClasses)
	for i := range names {
		if i < len(m.names) && m.names[i] != "" {
			names[i] = m.names[i]
		} else {
			names[i] = fmt.Sprintf("class %d", i)
		}
	}
	return names
}

func (m *SegmentationModel) Detect(ctx context.Context, img image.Image, minConfidence float32) ([]segmentation.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	boxed, lb := yolo.NewLetterbox(img, m.inputSize)
	in, err := ort.NewTensor(m.inShape, yolo.ToCHW(boxed))
	if err != nil {
		return nil, fmt.Errorf("unable to create input tensor: %w", err)
	}
	defer in.Destroy()

	det, err := ort.NewEmptyTensor[float32](m.detShape)
	if err != nil {
		return nil, fmt.Errorf("unable to create detection tensor: %w", err)
	}
	defer det.Destroy()

	protos, err := ort.NewEmptyTensor[float32](m.protoShape)
	if err != nil {
		return nil, fmt.Errorf("unable to create prototype tensor: %w", err)
	}
	defer protos.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{det, protos}); err != nil {
		return nil, fmt.Errorf("unable to run segmentation model: %w", err)
	}

	candidates, err := yolo.Decode(det.GetData(), int(m.detShape[2]), m.numClasses, m.numMasks, minConfidence)
	if err != nil {
		return nil, err
	}
	candidates = yolo.NMS(candidates, m.iou)

	protoH, protoW := int(m.protoShape[2]), int(m.protoShape[3])
	protoScale := float64(m.inputSize) / float64(protoW)
	bounds := img.Bounds()

	detections := make([]segmentation.Detection, 0, len(candidates))
	for _, c := range candidates {
		contour, err := largestContour(yolo.Mask(c, protos.GetData(), protoH, protoW, m.inputSize), protoH, protoW)
		if err != nil {
			return nil, err
		}
		polygon := make([]image.Point, 0, len(contour))
		for _, p := range contour {
			x, y := lb.ToFrame(float64(p.X)*protoScale, float64(p.Y)*protoScale)
			polygon = append(polygon, toFramePoint(x, y, bounds))
		}

		x1, y1 := lb.ToFrame(c.Box.X1, c.Box.Y1)
		x2, y2 := lb.ToFrame(c.Box.X2, c.Box.Y2)
		detections = append(detections, segmentation.Detection{
			ClassID:    c.ClassID,
			Confidence: c.Confidence,
			Box:        image.Rectangle{Min: toFramePoint(x1, y1, bounds), Max: toFramePoint(x2, y2, bounds)},
			Polygon:    polygon,
		})
	}
	m.log.Debugf("%d detections", len(detections))
	return detections, nil
}

func (m *SegmentationModel) Close() error {
	if err := m.session.Destroy(); err != nil {
		return fmt.Errorf("unable to close segmentation model: %w", err)
	}
	return nil
}

func toFramePoint(x, y float64, bounds image.Rectangle) image.Point {
	px := int(math.Round(x)) + bounds.Min.X
	py := int(math.Round(y)) + bounds.Min.Y
	return image.Point{
		X: min(max(px, bounds.Min.X), bounds.Max.X),
		Y: min(max(py, bounds.Min.Y), bounds.Max.Y),
	}
}

func readClassNames(path string, numClasses int) ([]string, error) {
	meta, err := ort.GetModelMetadata(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read metadata from %v: %w", path, err)
	}
	defer meta.Destroy()

	raw, ok, err := meta.LookupCustomMetadataMap(namesMetadataKey)
	if err != nil {
		return nil, fmt.Errorf("unable to read class names from %v: %w", path, err)
	}
	if !ok {
		zap.S().Warnf("no class names in %v metadata", path)
		return nil, nil
	}
	return yolo.ParseNames(raw, numClasses), nil
}
