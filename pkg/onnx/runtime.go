// Package onnx runs the steering and segmentation networks with onnxruntime.
//
// The runtime environment must be initialized with InitRuntime before any model is loaded,
// and released with DestroyRuntime once every model is closed. Loaded models are immutable
// and safe for concurrent use: each call allocates its own input and output tensors.
package onnx

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// InitRuntime loads the onnxruntime shared library found at libPath, or the platform default
// when libPath is empty.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("unable to initialize onnxruntime: %w", err)
	}
	zap.S().Infof("onnxruntime %v initialized", ort.GetVersion())
	return nil
}

func DestroyRuntime() error {
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("unable to release onnxruntime: %w", err)
	}
	return nil
}

// staticShape returns dims with a dynamic batch dimension pinned to 1, and fails on any other
// dynamic dimension.
func staticShape(name string, dims ort.Shape) (ort.Shape, error) {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			shape[i] = d
		case i == 0:
			shape[i] = 1
		default:
			return nil, fmt.Errorf("tensor %v has dynamic dimension %d: %v", name, i, dims)
		}
	}
	return shape, nil
}
