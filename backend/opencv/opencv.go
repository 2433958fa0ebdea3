// Package opencv runs ONNX models through the OpenCV DNN module.  It needs no
// runtime beyond the OpenCV libraries gocv already links and serves as a
// reference to compare the other backends against.  Importing the package
// registers the detect.Reference backend.
package opencv

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func init() {
	detect.Register(detect.Reference, Open)
}

// Net is an OpenCV DNN network
type Net struct {
	net gocv.Net
	// outputName is the layer output fetched, empty for the last layer
	outputName string
	log        *zap.Logger
}

// Open reads the ONNX model at path
func Open(path string, opts detect.Options) (detect.Backend, error) {

	log := opts.Logger

	if log == nil {
		log = zap.NewNop()
	}

	net := gocv.ReadNetFromONNX(path)

	if net.Empty() {
		net.Close()
		return nil, errors.Errorf("opencv failed to read network from %s", path)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "failed to set backend")
	}

	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "failed to set target")
	}

	log.Debug("opencv dnn network loaded", zap.String("path", path))

	return &Net{
		net:        net,
		outputName: opts.OutputName,
		log:        log,
	}, nil
}

// Kind returns detect.Reference
func (n *Net) Kind() detect.Kind {
	return detect.Reference
}

// Infer runs a forward pass on the NCHW input blob
func (n *Net) Infer(input *detect.Tensor) (*detect.RawPrediction, error) {

	blob, err := blobFromTensor(input)

	if err != nil {
		return nil, detect.NewBackendError(detect.Reference, "input blob", err)
	}

	defer blob.Close()

	n.net.SetInput(blob, "")

	out := n.net.Forward(n.outputName)
	defer out.Close()

	if out.Empty() {
		return nil, detect.NewBackendError(detect.Reference, "forward",
			errors.New("network produced no output"))
	}

	data, err := out.DataPtrFloat32()

	if err != nil {
		return nil, detect.NewBackendError(detect.Reference, "output", err)
	}

	// the Mat memory is released on Close so the values are copied
	values := make([]float32, len(data))
	copy(values, data)

	pred, err := detect.NewRawPrediction(out.Size(), values)

	if err != nil {
		return nil, detect.NewBackendError(detect.Reference, "output shape", err)
	}

	return pred, nil
}

// Close releases the network
func (n *Net) Close() error {
	return n.net.Close()
}

// blobFromTensor copies a tensor into an N dimensional CV32F Mat
func blobFromTensor(t *detect.Tensor) (gocv.Mat, error) {

	buf := new(bytes.Buffer)
	buf.Grow(len(t.Data) * 4)

	if err := binary.Write(buf, binary.LittleEndian, t.Data); err != nil {
		return gocv.Mat{}, err
	}

	return gocv.NewMatWithSizesFromBytes(t.Shape, gocv.MatTypeCV32F, buf.Bytes())
}
