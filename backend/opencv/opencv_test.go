package opencv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-detect"
)

func TestBlobFromTensor(t *testing.T) {

	in := &detect.Tensor{
		Shape: []int{1, 3, 2, 2},
		Data:  []float32{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0, 1.1},
	}

	blob, err := blobFromTensor(in)
	require.NoError(t, err)
	defer blob.Close()

	assert.Equal(t, in.Shape, blob.Size())

	data, err := blob.DataPtrFloat32()
	require.NoError(t, err)
	assert.Equal(t, in.Data, data)
}

func TestRegistered(t *testing.T) {
	assert.True(t, detect.Registered(detect.Reference))
}
