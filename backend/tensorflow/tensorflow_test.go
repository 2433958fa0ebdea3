package tensorflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-detect"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"
)

func TestParseTensorName(t *testing.T) {

	tests := []struct {
		name    string
		op      string
		idx     int
		wantErr bool
	}{
		{"x:0", "x", 0, false},
		{"Identity:2", "Identity", 2, false},
		{"serving_default_input_1:0", "serving_default_input_1", 0, false},
		{"plain", "plain", 0, false},
		{"bad:index", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, idx, err := parseTensorName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.op, op)
			assert.Equal(t, tt.idx, idx)
		})
	}
}

func TestSignatureNames(t *testing.T) {

	sigs := map[string]tf.Signature{
		SignatureKey: {
			Inputs: map[string]tf.TensorInfo{
				SignatureInput: {Name: "serving_default_input_1:0"},
			},
			Outputs: map[string]tf.TensorInfo{
				SignatureOutput: {Name: "StatefulPartitionedCall:0"},
				"other":         {Name: "StatefulPartitionedCall:1"},
			},
		},
	}

	in, out, err := signatureNames(sigs, detect.Options{})
	assert.NoError(t, err)
	assert.Equal(t, "serving_default_input_1:0", in)
	assert.Equal(t, "StatefulPartitionedCall:0", out)

	// explicit names override the signature
	in, out, err = signatureNames(sigs, detect.Options{OutputName: "custom:0"})
	assert.NoError(t, err)
	assert.Equal(t, "serving_default_input_1:0", in)
	assert.Equal(t, "custom:0", out)

	_, _, err = signatureNames(map[string]tf.Signature{}, detect.Options{})
	assert.Error(t, err)
}

func TestSignatureTensorSingleFallback(t *testing.T) {

	infos := map[string]tf.TensorInfo{"images": {Name: "serving_default_images:0"}}

	info, err := signatureTensor(infos, SignatureInput)
	assert.NoError(t, err)
	assert.Equal(t, "serving_default_images:0", info.Name)

	infos["second"] = tf.TensorInfo{Name: "b:0"}
	_, err = signatureTensor(infos, SignatureInput)
	assert.Error(t, err)
}

func TestStagingRoundTrip(t *testing.T) {

	tests := []struct {
		name  string
		shape []int
	}{
		{"model size", []int{1, 3, 4, 4}},
		{"smaller augmented pass", []int{1, 3, 2, 2}},
		{"model size again", []int{1, 3, 4, 4}},
	}

	var s staging

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			in := detect.Zeros(tt.shape...)

			for i := range in.Data {
				in.Data[i] = float32(i) / 4
			}

			want, err := in.ToNHWC()
			require.NoError(t, err)

			require.NoError(t, in.ToNHWCInto(&s.nhwc))

			ten, err := s.feed()
			require.NoError(t, err)

			shape, data, err := s.fetch(ten)
			require.NoError(t, err)
			assert.Equal(t, want.Shape, shape)
			assert.Equal(t, want.Data, data)
		})
	}

	// the largest frame sized the buffers, later frames reuse them
	raw, nhwc := &s.raw[0], &s.nhwc.Data[0]

	in := detect.Zeros(1, 3, 4, 4)
	require.NoError(t, in.ToNHWCInto(&s.nhwc))
	_, err := s.feed()
	require.NoError(t, err)

	assert.Same(t, raw, &s.raw[0])
	assert.Same(t, nhwc, &s.nhwc.Data[0])
}
