package detect

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultStride is the largest feature map stride of YOLOv5 models, the input
// size must be a multiple of it
const DefaultStride = 32

// Metadata describes a loaded model
type Metadata struct {
	// InputSize is the square input resolution in pixels
	InputSize int
	// Stride is the largest stride of the model's detection layers
	Stride int
	// Names are the class names indexed by class ID
	Names []string
	// NumClasses is the number of classes the model predicts
	NumClasses int
}

// ModelConfig defines how a model is loaded
type ModelConfig struct {
	// Kind forces the backend to use, KindUnknown selects it from the model
	// path extension
	Kind Kind
	// Names are the class names, nil defaults to the 80 COCO classes
	Names []string
	// Stride overrides DefaultStride
	Stride int
	// Augment enables test time augmentation, only supported by NativeGraph
	Augment bool
	// Backend are options passed through to the backend opener
	Backend Options
}

// ModelHandle is a loaded model bound to its backend.  It is read only once
// loaded and released with Close
type ModelHandle struct {
	// path is the model file or directory loaded
	path string
	// backend is the runtime executing the model
	backend Backend
	// meta is the model description
	meta Metadata
	// augment enables augmented inference passes
	augment bool
	// normalized indicates backend outputs must be scaled to input pixels
	normalized bool
	// log is the logger for backend diagnostics
	log *zap.Logger
	// closeOnce guards the backend from being released twice
	closeOnce sync.Once
	closeErr  error
}

// LoadModel opens the model at path with the backend selected by cfg.Kind or
// the path extension.  All failures are returned as *ModelLoadError
func LoadModel(path string, cfg ModelConfig) (*ModelHandle, error) {

	kind := cfg.Kind

	if kind == KindUnknown {
		kind = KindFromPath(path)
	}

	loadErr := func(err error) error {
		return &ModelLoadError{Path: path, Kind: kind, Err: err}
	}

	log := cfg.Backend.Logger

	if log == nil {
		log = zap.NewNop()
		cfg.Backend.Logger = log
	}

	if err := checkModelPath(path, kind); err != nil {
		return nil, loadErr(err)
	}

	open, ok := opener(kind)

	if !ok {
		return nil, loadErr(errors.Errorf("no %s backend registered, import its backend package", kind))
	}

	stride := cfg.Stride

	if stride <= 0 {
		stride = DefaultStride
	}

	size := CheckImageSize(cfg.Backend.InputSize, stride)

	if size != cfg.Backend.InputSize {
		log.Warn("input size must be a multiple of the model stride, updating",
			zap.Int("requested", cfg.Backend.InputSize),
			zap.Int("size", size),
			zap.Int("stride", stride))
	}

	cfg.Backend.InputSize = size

	names := cfg.Names

	if len(names) == 0 {
		names = COCOLabels()
	}

	augment := cfg.Augment

	if augment && kind != NativeGraph {
		log.Warn("augmented inference is only supported by the native-graph backend, disabling",
			zap.Stringer("backend", kind))
		augment = false
	}

	backend, err := open(path, cfg.Backend)

	if err != nil {
		return nil, loadErr(err)
	}

	log.Info("model loaded",
		zap.String("path", path),
		zap.Stringer("backend", kind),
		zap.Int("input_size", size),
		zap.Int("classes", len(names)))

	return &ModelHandle{
		path:    path,
		backend: backend,
		meta: Metadata{
			InputSize:  size,
			Stride:     stride,
			Names:      names,
			NumClasses: len(names),
		},
		augment:    augment,
		normalized: cfg.Backend.NormalizedBoxes,
		log:        log,
	}, nil
}

// NewModelHandle binds an already constructed backend, it is used by tests and
// callers that manage backend construction themselves
func NewModelHandle(backend Backend, meta Metadata) *ModelHandle {

	if meta.Stride <= 0 {
		meta.Stride = DefaultStride
	}

	if meta.NumClasses == 0 {
		meta.NumClasses = len(meta.Names)
	}

	return &ModelHandle{
		path:    "",
		backend: backend,
		meta:    meta,
		log:     zap.NewNop(),
	}
}

// Kind returns the backend kind executing the model
func (m *ModelHandle) Kind() Kind {
	return m.backend.Kind()
}

// Path returns the model location
func (m *ModelHandle) Path() string {
	return m.path
}

// Metadata returns the model description
func (m *ModelHandle) Metadata() Metadata {
	return m.meta
}

// Close releases the backend, subsequent calls are no-ops
func (m *ModelHandle) Close() error {

	m.closeOnce.Do(func() {
		m.closeErr = m.backend.Close()
	})

	return m.closeErr
}

// CheckImageSize rounds size up to the nearest multiple of stride
func CheckImageSize(size, stride int) int {

	if stride <= 0 {
		return size
	}

	if size <= 0 {
		size = 640
	}

	return ((size + stride - 1) / stride) * stride
}
