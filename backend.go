package detect

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind identifies the inference runtime a model is executed with
type Kind int

const (
	KindUnknown Kind = iota
	// NativeGraph runs an ONNX export of the model directly
	NativeGraph
	// FrozenGraph runs a frozen TensorFlow GraphDef protobuf
	FrozenGraph
	// SavedModel runs a TensorFlow SavedModel directory
	SavedModel
	// MobileInterpreter runs a TensorFlow Lite flatbuffer
	MobileInterpreter
	// Reference runs an ONNX export through the OpenCV DNN module
	Reference
)

// String returns the name of the backend kind
func (k Kind) String() string {
	switch k {
	case NativeGraph:
		return "native-graph"
	case FrozenGraph:
		return "frozen-graph"
	case SavedModel:
		return "saved-model"
	case MobileInterpreter:
		return "mobile-interpreter"
	case Reference:
		return "reference"
	default:
		return "unknown"
	}
}

// ParseKind converts a backend name as used in configuration files back to
// a Kind.  The short aliases onnx, pb, tflite, saved_model and opencv are
// also accepted
func ParseKind(name string) (Kind, error) {

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return KindUnknown, nil
	case "native-graph", "onnx", "onnxruntime":
		return NativeGraph, nil
	case "frozen-graph", "pb", "graph_def":
		return FrozenGraph, nil
	case "saved-model", "saved_model":
		return SavedModel, nil
	case "mobile-interpreter", "tflite":
		return MobileInterpreter, nil
	case "reference", "opencv":
		return Reference, nil
	}

	return KindUnknown, errors.Errorf("unknown backend %q", name)
}

// KindFromPath selects the backend kind from the model file extension.  Any
// path that is not a recognised model file is treated as a SavedModel
// directory
func KindFromPath(path string) Kind {

	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return NativeGraph
	case ".pb":
		return FrozenGraph
	case ".tflite":
		return MobileInterpreter
	default:
		return SavedModel
	}
}

// Backend is implemented by each inference runtime.  Infer always receives
// an NCHW tensor and must return a RawPrediction shaped [batch, anchors, 5+nc],
// any layout conversion is the backend's own concern
type Backend interface {
	// Kind returns the backend kind
	Kind() Kind
	// Infer runs a single forward pass
	Infer(input *Tensor) (*RawPrediction, error)
	// Close releases all runtime resources
	Close() error
}

// Options are passed to a backend Opener when a model is loaded
type Options struct {
	// InputSize is the square model input resolution in pixels
	InputSize int
	// NumThreads limits intra op threads used by the runtime, zero lets the
	// runtime decide
	NumThreads int
	// SharedLibrary is the path to the runtime shared library for backends
	// that load one at runtime (ONNX Runtime)
	SharedLibrary string
	// InputName is the graph input tensor or operation name
	InputName string
	// OutputName is the graph output tensor or operation name
	OutputName string
	// Tags are the SavedModel meta graph tags to load
	Tags []string
	// NormalizedBoxes indicates the model emits box coordinates in the range
	// [0,1] instead of input pixels
	NormalizedBoxes bool
	// Logger receives backend diagnostics
	Logger *zap.Logger
}

// Opener constructs a Backend for the model found at path
type Opener func(path string, opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]Opener)
)

// Register makes a backend available to LoadModel.  It is intended to be
// called from the init function of a backend package and panics if the same
// kind is registered twice
func Register(kind Kind, open Opener) {

	registryMu.Lock()
	defer registryMu.Unlock()

	if open == nil {
		panic("detect: Register opener is nil")
	}

	if _, dup := registry[kind]; dup {
		panic("detect: Register called twice for backend " + kind.String())
	}

	registry[kind] = open
}

// Registered returns true if a backend for kind has been registered
func Registered(kind Kind) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[kind]
	return ok
}

func opener(kind Kind) (Opener, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	open, ok := registry[kind]
	return open, ok
}

// checkModelPath verifies the model exists and has the expected shape on disk,
// a file for all kinds except SavedModel which must be a directory
func checkModelPath(path string, kind Kind) error {

	info, err := os.Stat(path)

	if err != nil {
		return errors.Wrapf(err, "model does not exist at %s", path)
	}

	if kind == SavedModel && !info.IsDir() {
		return errors.Errorf("saved model %s is not a directory", path)
	}

	if kind != SavedModel && info.IsDir() {
		return errors.Errorf("model file %s is a directory", path)
	}

	return nil
}
