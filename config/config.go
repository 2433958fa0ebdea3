// Package config loads the detect run configuration from YAML.  Every key
// has a command line flag of the same meaning that overrides it.
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	"github.com/swdee/go-detect/postprocess"
	"gopkg.in/yaml.v3"
)

// Log configures logging output
type Log struct {
	// Level is the minimum level logged
	Level string `yaml:"level"`
	// File is an optional rotated log file
	File string `yaml:"file"`
	// Development switches to console output
	Development bool `yaml:"development"`
}

// Config is a detect run
type Config struct {
	// Weights is the model file or SavedModel directory
	Weights string `yaml:"weights"`
	// Source is a file, directory, glob, webcam index, URL or stream list
	Source string `yaml:"source"`
	// ImgSize is the model input size in pixels
	ImgSize int `yaml:"img_size"`
	// ConfThres is the minimum detection confidence
	ConfThres float32 `yaml:"conf_thres"`
	// IOUThres is the NMS overlap threshold
	IOUThres float32 `yaml:"iou_thres"`
	// Device is "cpu" or a CPU core list, eg: "cpu:4-7"
	Device string `yaml:"device"`
	// ViewImg shows the live view
	ViewImg bool `yaml:"view_img"`
	// SaveTxt writes label files
	SaveTxt bool `yaml:"save_txt"`
	// SaveConf adds confidences to label files
	SaveConf bool `yaml:"save_conf"`
	// SaveImg writes annotated images and videos, forced on for file sources
	SaveImg bool `yaml:"save_img"`
	// SaveDir is the output directory, recreated each run
	SaveDir string `yaml:"save_dir"`
	// Classes keeps only these class IDs
	Classes []int `yaml:"classes"`
	// AgnosticNMS suppresses overlapping boxes across classes
	AgnosticNMS bool `yaml:"agnostic_nms"`
	// Augment enables augmented inference
	Augment bool `yaml:"augment"`
	// MultiLabel keeps every class above threshold per box
	MultiLabel bool `yaml:"multi_label"`
	// MaxDet caps detections per image
	MaxDet int `yaml:"max_det"`
	// Backend forces a backend instead of choosing one by file extension
	Backend string `yaml:"backend"`
	// Labels is a file of class names, one per line
	Labels string `yaml:"labels"`
	// Font is an optional TTF font for box labels
	Font string `yaml:"font"`
	// NumThreads limits runtime threads
	NumThreads int `yaml:"num_threads"`
	// OnnxRuntimeLib is the path to the onnxruntime shared library
	OnnxRuntimeLib string `yaml:"onnxruntime_lib"`
	// TFInput overrides the TensorFlow input tensor name
	TFInput string `yaml:"tf_input"`
	// TFOutput overrides the TensorFlow output tensor name
	TFOutput string `yaml:"tf_output"`
	// TFTags are the SavedModel tags to load
	TFTags []string `yaml:"tf_tags"`
	// NormalizedBoxes is set for exports that emit boxes in [0,1] instead of
	// input pixels
	NormalizedBoxes bool `yaml:"normalized_boxes"`
	// Log configures logging
	Log Log `yaml:"log"`
	// MetricsAddr serves Prometheus metrics when set, eg: ":9090"
	MetricsAddr string `yaml:"metrics_addr"`
	// StreamAddr serves the annotated frames as MJPEG when set
	StreamAddr string `yaml:"stream_addr"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Weights:   "yolov5s.onnx",
		Source:    "inference/images",
		ImgSize:   640,
		ConfThres: 0.25,
		IOUThres:  0.45,
		Device:    "cpu",
		SaveDir:   "inference/output",
		MaxDet:    postprocess.DefaultNMSParams().MaxDetections,
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults
func Load(path string) (*Config, error) {

	data, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	return cfg, nil
}

// Validate checks the values are usable
func (c *Config) Validate() error {

	if c.Weights == "" {
		return errors.New("weights must be set")
	}

	if c.Source == "" {
		return errors.New("source must be set")
	}

	if c.ImgSize <= 0 {
		return errors.Errorf("img_size must be positive, got %d", c.ImgSize)
	}

	if c.ConfThres < 0 || c.ConfThres > 1 {
		return errors.Errorf("conf_thres must be between 0 and 1, got %g", c.ConfThres)
	}

	if c.IOUThres < 0 || c.IOUThres > 1 {
		return errors.Errorf("iou_thres must be between 0 and 1, got %g", c.IOUThres)
	}

	if c.MaxDet < 0 {
		return errors.Errorf("max_det must not be negative, got %d", c.MaxDet)
	}

	for _, cls := range c.Classes {
		if cls < 0 {
			return errors.Errorf("class filter has negative class %d", cls)
		}
	}

	if (c.SaveTxt || c.SaveImg) && c.SaveDir == "" {
		return errors.New("save_dir must be set when saving results")
	}

	if _, err := detect.ParseKind(c.Backend); err != nil {
		return err
	}

	if _, err := detect.ParseDevice(c.Device); err != nil {
		return err
	}

	return nil
}

// NMSParams returns the suppression settings
func (c *Config) NMSParams() postprocess.NMSParams {

	p := postprocess.DefaultNMSParams()

	p.ConfThreshold = c.ConfThres
	p.IOUThreshold = c.IOUThres
	p.Classes = c.Classes
	p.Agnostic = c.AgnosticNMS
	p.MultiLabel = c.MultiLabel

	if c.MaxDet > 0 {
		p.MaxDetections = c.MaxDet
	}

	return p
}

// ModelConfig returns the settings LoadModel needs
func (c *Config) ModelConfig(names []string) (detect.ModelConfig, error) {

	kind, err := detect.ParseKind(c.Backend)

	if err != nil {
		return detect.ModelConfig{}, err
	}

	return detect.ModelConfig{
		Kind:    kind,
		Names:   names,
		Augment: c.Augment,
		Backend: detect.Options{
			InputSize:       c.ImgSize,
			NumThreads:      c.NumThreads,
			SharedLibrary:   c.OnnxRuntimeLib,
			InputName:       c.TFInput,
			OutputName:      c.TFOutput,
			Tags:            c.TFTags,
			NormalizedBoxes: c.NormalizedBoxes,
		},
	}, nil
}
