//go:build integration
// +build integration

package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-detect"
	"github.com/swdee/go-detect/pipeline"
	"github.com/swdee/go-detect/postprocess"
	"github.com/swdee/go-detect/sink"
	"github.com/swdee/go-detect/source"
	"go.uber.org/zap/zaptest"

	_ "github.com/swdee/go-detect/backend/onnx"
	_ "github.com/swdee/go-detect/backend/opencv"
	_ "github.com/swdee/go-detect/backend/tensorflow"
	_ "github.com/swdee/go-detect/backend/tflite"
)

// TestDetectImage runs the model in DETECT_MODEL over the image in
// DETECT_IMAGE, eg: the yolov5s export and bus.jpg
func TestDetectImage(t *testing.T) {

	modelFile := os.Getenv("DETECT_MODEL")

	if modelFile == "" {
		t.Fatalf("No model file provided in DETECT_MODEL")
	}

	imgFile := os.Getenv("DETECT_IMAGE")

	if imgFile == "" {
		t.Fatalf("No image file provided in DETECT_IMAGE")
	}

	log := zaptest.NewLogger(t)

	model, err := detect.LoadModel(modelFile, detect.ModelConfig{
		Backend: detect.Options{
			InputSize:     640,
			SharedLibrary: os.Getenv("ONNXRUNTIME_LIB"),
			Logger:        log,
		},
	})

	require.NoError(t, err)
	defer model.Close()

	require.NoError(t, model.WarmUp())

	src, err := source.Open(imgFile)
	require.NoError(t, err)
	defer src.Close()

	out := filepath.Join(t.TempDir(), "output")
	require.NoError(t, sink.PrepareOutputDir(out))

	mux := sink.New(sink.Options{
		Dir:     out,
		SaveTxt: true,
		SaveImg: true,
		Names:   model.Metadata().Names,
		Logger:  log,
	})

	ctrl := pipeline.NewController(pipeline.Options{RunID: "integration", Logger: log})

	sum, err := ctrl.Run(context.Background(), src, model, postprocess.DefaultNMSParams(), mux)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.FramesProcessed)
	assert.Greater(t, sum.Detections, 0)

	base := filepath.Base(imgFile)
	stem := base[:len(base)-len(filepath.Ext(base))]

	assert.FileExists(t, filepath.Join(out, base))
	assert.FileExists(t, filepath.Join(out, stem+".txt"))
}
