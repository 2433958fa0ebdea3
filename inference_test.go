package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend returns a canned prediction and records the inputs it was given
type fakeBackend struct {
	kind   Kind
	pred   func(in *Tensor) (*RawPrediction, error)
	inputs []*Tensor
	closed int
}

func (f *fakeBackend) Kind() Kind {
	return f.kind
}

func (f *fakeBackend) Infer(in *Tensor) (*RawPrediction, error) {
	f.inputs = append(f.inputs, in)
	return f.pred(in)
}

func (f *fakeBackend) Close() error {
	f.closed++
	return nil
}

// onePrediction builds a single anchor prediction with two classes
func onePrediction(cx, cy, w, h float32) (*RawPrediction, error) {
	return NewRawPrediction([]int{1, 1, 7}, []float32{cx, cy, w, h, 0.9, 1, 0})
}

func TestInferValidatesOutputShape(t *testing.T) {

	fb := &fakeBackend{
		kind: NativeGraph,
		pred: func(in *Tensor) (*RawPrediction, error) {
			// three classes when the model has two names
			return NewRawPrediction([]int{1, 1, 8}, make([]float32, 8))
		},
	}

	m := NewModelHandle(fb, Metadata{InputSize: 64, Names: []string{"a", "b"}})

	_, err := m.Infer(Zeros(1, 3, 64, 64))
	require.Error(t, err)

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "output shape", be.Op)
	assert.Equal(t, NativeGraph, be.Kind)
}

func TestInferRejectsBadInput(t *testing.T) {

	fb := &fakeBackend{kind: MobileInterpreter}
	m := NewModelHandle(fb, Metadata{InputSize: 64, Names: []string{"a", "b"}})

	_, err := m.Infer(Zeros(1, 1, 64, 64))
	assert.True(t, IsBackendError(err))
	assert.Empty(t, fb.inputs)
}

func TestInferWrapsNativeFailure(t *testing.T) {

	fb := &fakeBackend{
		kind: FrozenGraph,
		pred: func(in *Tensor) (*RawPrediction, error) {
			return nil, errors.New("session run failed")
		},
	}

	m := NewModelHandle(fb, Metadata{InputSize: 64, Names: []string{"a", "b"}})

	_, err := m.Infer(Zeros(1, 3, 64, 64))
	assert.True(t, IsBackendError(err))
	assert.Contains(t, err.Error(), "session run failed")
}

func TestInferScalesNormalizedBoxes(t *testing.T) {

	fb := &fakeBackend{
		kind: MobileInterpreter,
		pred: func(in *Tensor) (*RawPrediction, error) {
			return onePrediction(0.5, 0.5, 0.25, 0.125)
		},
	}

	m := NewModelHandle(fb, Metadata{InputSize: 64, Names: []string{"a", "b"}})
	m.normalized = true

	pred, err := m.Infer(Zeros(1, 3, 64, 128))
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float32{64, 32, 32, 8}, pred.Row(0, 0)[:4], 1e-4)
}

func TestWarmUpFailureIsModelLoadError(t *testing.T) {

	fb := &fakeBackend{
		kind: SavedModel,
		pred: func(in *Tensor) (*RawPrediction, error) {
			return nil, errors.New("tensors not allocated")
		},
	}

	m := NewModelHandle(fb, Metadata{InputSize: 32, Names: []string{"a", "b"}})

	err := m.WarmUp()
	require.Error(t, err)

	var le *ModelLoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, SavedModel, le.Kind)

	require.Len(t, fb.inputs, 1)
	assert.Equal(t, []int{1, 3, 32, 32}, fb.inputs[0].Shape)
}

func TestAugmentedInferMergesPasses(t *testing.T) {

	fb := &fakeBackend{
		kind: NativeGraph,
		pred: func(in *Tensor) (*RawPrediction, error) {
			// report a box at the centre of whatever input was given
			h, w := in.ImageSize()
			return onePrediction(float32(w)/4, float32(h)/2, 10, 10)
		},
	}

	m := NewModelHandle(fb, Metadata{InputSize: 64, Names: []string{"a", "b"}})
	m.augment = true

	pred, err := m.Infer(Zeros(1, 3, 64, 64))
	require.NoError(t, err)

	require.Len(t, fb.inputs, 3)
	assert.Equal(t, []int{1, 3, 64, 64}, fb.inputs[0].Shape)
	// 64*0.83 = 53.12 padded up to the stride of 32
	assert.Equal(t, []int{1, 3, 64, 64}, fb.inputs[1].Shape)
	// 64*0.67 = 42.88 padded up to the stride of 32
	assert.Equal(t, []int{1, 3, 64, 64}, fb.inputs[2].Shape)

	assert.Equal(t, 3, pred.Anchors)

	// the mirrored pass is flipped back around the input width
	assert.InDelta(t, 64-16/0.83, pred.Row(0, 1)[0], 1e-3)
	assert.InDelta(t, 10/0.67, pred.Row(0, 2)[2], 1e-3)
}

func TestScaleImagePadsToStride(t *testing.T) {

	in := Zeros(1, 3, 100, 60)

	for i := range in.Data {
		in.Data[i] = 1
	}

	out, err := ScaleImage(in, 0.5, 32)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 64, 32}, out.Shape)

	// inside the resized area
	assert.InDelta(t, 1, out.Data[0], 1e-4)
	// bottom right corner is padding
	assert.InDelta(t, augmentPadValue, out.Data[64*32-1], 1e-4)
}

func TestLoadModelErrors(t *testing.T) {

	dir := t.TempDir()

	// missing model file
	_, err := LoadModel(filepath.Join(dir, "missing.onnx"), ModelConfig{})

	var le *ModelLoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, NativeGraph, le.Kind)

	// saved model must be a directory
	file := filepath.Join(dir, "model.bin")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err = LoadModel(file, ModelConfig{})
	require.True(t, errors.As(err, &le))
	assert.Equal(t, SavedModel, le.Kind)
}

func TestLoadModelUsesRegisteredBackend(t *testing.T) {

	const testKind = Kind(100)

	fb := &fakeBackend{kind: testKind}
	var gotOpts Options

	Register(testKind, func(path string, opts Options) (Backend, error) {
		gotOpts = opts
		return fb, nil
	})

	file := filepath.Join(t.TempDir(), "model.test")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	m, err := LoadModel(file, ModelConfig{
		Kind:    testKind,
		Backend: Options{InputSize: 630},
	})
	require.NoError(t, err)

	// rounded up to a multiple of the default stride
	assert.Equal(t, 640, gotOpts.InputSize)
	assert.Equal(t, 640, m.Metadata().InputSize)
	assert.Len(t, m.Metadata().Names, 80)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, fb.closed)

	assert.Panics(t, func() {
		Register(testKind, func(string, Options) (Backend, error) { return nil, nil })
	})
}
