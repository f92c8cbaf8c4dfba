package onnx

import (
	"context"
	"fmt"

	"github.com/cyrilix/robocar-steering-sim/pkg/steering"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// NewRegressionModel loads a single-input, single-output steering network. The network is
// expected to take a 1×66×200×3 frame and return the steering angle in radians.
func NewRegressionModel(path string) (*RegressionModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read model info from %v: %w", path, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("regression model %v must have one input and one output, got %d/%d", path, len(inputs), len(outputs))
	}
	outShape, err := staticShape(outputs[0].Name, outputs[0].Dimensions)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, []string{outputs[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to load regression model %v: %w", path, err)
	}
	zap.S().Infof("regression model loaded from %v (input %v %v)", path, inputs[0].Name, inputs[0].Dimensions)

	return &RegressionModel{
		session:  session,
		outShape: outShape,
	}, nil
}

type RegressionModel struct {
	session  *ort.DynamicAdvancedSession
	outShape ort.Shape
}

func (m *RegressionModel) Predict(ctx context.Context, input *steering.Tensor) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	in, err := ort.NewTensor(ort.NewShape(input.Shape()...), input.Data)
	if err != nil {
		return 0, fmt.Errorf("unable to create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](m.outShape)
	if err != nil {
		return 0, fmt.Errorf("unable to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return 0, fmt.Errorf("unable to run regression model: %w", err)
	}
	data := out.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("regression model returned an empty output")
	}
	return float64(data[0]), nil
}

func (m *RegressionModel) Close() error {
	if err := m.session.Destroy(); err != nil {
		return fmt.Errorf("unable to close regression model: %w", err)
	}
	return nil
}
