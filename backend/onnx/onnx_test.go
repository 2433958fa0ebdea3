package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestCheckInputDims(t *testing.T) {

	tests := []struct {
		name    string
		dims    ort.Shape
		size    int
		wantErr bool
	}{
		{"fixed match", ort.NewShape(1, 3, 640, 640), 640, false},
		{"dynamic", ort.NewShape(-1, 3, -1, -1), 320, false},
		{"size mismatch", ort.NewShape(1, 3, 640, 640), 320, true},
		{"wrong channels", ort.NewShape(1, 1, 640, 640), 640, true},
		{"wrong rank", ort.NewShape(3, 640, 640), 640, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkInputDims(tt.dims, tt.size)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSelectInfo(t *testing.T) {

	infos := []ort.InputOutputInfo{{Name: "images"}, {Name: "output0"}}

	got, err := selectInfo(infos, "")
	assert.NoError(t, err)
	assert.Equal(t, "images", got.Name)

	got, err = selectInfo(infos, "output0")
	assert.NoError(t, err)
	assert.Equal(t, "output0", got.Name)

	_, err = selectInfo(infos, "missing")
	assert.Error(t, err)
}

func TestHalfRoundTrip(t *testing.T) {

	in := []float32{0, 1, -2.5, 0.25, 640}
	out := halfBytesToFloat32(float32ToHalfBytes(in))

	assert.Equal(t, in, out)
}

func TestPutHalfReusesBuffer(t *testing.T) {

	buf := make([]byte, 6)
	first := &buf[0]

	require.NoError(t, putHalf(buf, []float32{1, -2.5, 0.25}))
	assert.Equal(t, []float32{1, -2.5, 0.25}, halfBytesToFloat32(buf))

	require.NoError(t, putHalf(buf, []float32{640, 0, 3}))
	assert.Equal(t, []float32{640, 0, 3}, halfBytesToFloat32(buf))
	assert.Same(t, first, &buf[0])

	assert.Error(t, putHalf(buf, []float32{1, 2}))
}

func TestStaticShape(t *testing.T) {

	tests := []struct {
		name string
		dims ort.Shape
		want bool
	}{
		{"fixed", ort.NewShape(1, 25200, 85), true},
		{"dynamic batch", ort.NewShape(-1, 25200, 85), false},
		{"dynamic anchors", ort.NewShape(1, -1, 85), false},
		{"empty", ort.Shape{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, staticShape(tt.dims))
		})
	}
}

func TestBindingFits(t *testing.T) {

	b := &binding{shape: ort.NewShape(1, 3, 640, 640)}

	tests := []struct {
		name  string
		shape []int
		want  bool
	}{
		{"model size", []int{1, 3, 640, 640}, true},
		{"augmented scale", []int{1, 3, 544, 544}, false},
		{"wrong rank", []int{3, 640, 640}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.fits(tt.shape))
		})
	}
}

func TestBindingLoadWithoutTensor(t *testing.T) {

	b := &binding{shape: ort.NewShape(1, 3, 2, 2)}

	assert.Error(t, b.load(make([]float32, 12)))
	assert.NoError(t, b.destroy())
}

func TestCheckDataType(t *testing.T) {
	assert.NoError(t, checkDataType(ort.TensorElementDataTypeFloat))
	assert.NoError(t, checkDataType(ort.TensorElementDataTypeFloat16))
	assert.Error(t, checkDataType(ort.TensorElementDataTypeInt64))
}
