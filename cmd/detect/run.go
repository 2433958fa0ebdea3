package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hybridgroup/mjpeg"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/swdee/go-detect"
	"github.com/swdee/go-detect/config"
	"github.com/swdee/go-detect/logging"
	"github.com/swdee/go-detect/pipeline"
	"github.com/swdee/go-detect/render"
	"github.com/swdee/go-detect/sink"
	"github.com/swdee/go-detect/source"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// errNoFrames is returned when the source yielded nothing that could be
// processed
var errNoFrames = errors.New("no frames were processed")

// run is the app action, every error it returns is fatal
func run(c *cli.Context) error {

	cfg, err := loadConfig(c)

	if err != nil {
		return err
	}

	err = logging.Init(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        logging.FileOptions{Path: cfg.Log.File},
	})

	if err != nil {
		return errors.Wrap(err, "failed to initialise logging")
	}

	defer logging.Sync()

	runID := uuid.NewString()
	log := logging.L().With(zap.String("run_id", runID))

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()

	sum, err := detectRun(ctx, cfg, runID, log)

	if err = exitStatus(sum, err); err != nil {
		log.Error("detect failed", zap.Error(err))
		return err
	}


	log.Sugar().Infof("Done. (%.3fs)", time.Since(start).Seconds())

	return nil
}

// detectRun loads the model, opens the source and sinks and runs the frame
// loop alongside the optional HTTP servers
func detectRun(ctx context.Context, cfg *config.Config, runID string,
	log *zap.Logger) (pipeline.Summary, error) {

	var sum pipeline.Summary

	dev, err := detect.ParseDevice(cfg.Device)

	if err != nil {
		return sum, err
	}

	if err := dev.Pin(); err != nil {
		return sum, err
	}

	if cores, err := detect.GetCPUAffinity(); err == nil {
		log.Debug("cpu affinity", zap.String("device", dev.Name), zap.Ints("cores", cores))
	}

	var names []string

	if cfg.Labels != "" {
		if names, err = detect.LoadLabels(cfg.Labels); err != nil {
			return sum, err
		}
	}

	mc, err := cfg.ModelConfig(names)

	if err != nil {
		return sum, err
	}

	mc.Backend.Logger = log

	model, err := detect.LoadModel(cfg.Weights, mc)

	if err != nil {
		return sum, err
	}

	defer model.Close()

	warm := time.Now()

	if err := model.WarmUp(); err != nil {
		return sum, err
	}

	log.Info("model first run", zap.Duration("took", time.Since(warm)))

	src, err := source.Open(cfg.Source)

	if err != nil {
		return sum, errors.Wrapf(err, "failed to open source %s", cfg.Source)
	}

	defer src.Close()

	log.Info("source opened", sourceFields(src)...)

	// live sources are always shown and file sources always saved
	if src.Mode() == source.ModeStream {
		cfg.ViewImg = true
	} else {
		cfg.SaveImg = true
	}

	if err := sink.PrepareOutputDir(cfg.SaveDir); err != nil {
		return sum, err
	}

	var labeler *render.TTFLabeler

	if cfg.Font != "" {
		if labeler, err = render.NewTTFLabeler(cfg.Font, render.DefaultFont()); err != nil {
			return sum, err
		}

		defer labeler.Close()
	}

	var stream *mjpeg.Stream

	if cfg.StreamAddr != "" {
		stream = mjpeg.NewStream()
	}

	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)

	mux := sink.New(sink.Options{
		Dir:      cfg.SaveDir,
		SaveTxt:  cfg.SaveTxt,
		SaveConf: cfg.SaveConf,
		SaveImg:  cfg.SaveImg,
		View:     cfg.ViewImg,
		Names:    model.Metadata().Names,
		Labeler:  labeler,
		Stream:   stream,
		Logger:   log,
	})

	ctrl := pipeline.NewController(pipeline.Options{
		RunID:   runID,
		Metrics: metrics,
		Logger:  logging.L(),
	})

	servers := newServers(cfg.MetricsAddr, cfg.StreamAddr, reg, stream)

	sum, err = runWithServers(ctx, func(ctx context.Context) (pipeline.Summary, error) {
		return ctrl.Run(ctx, src, model, cfg.NMSParams(), mux)
	}, servers, log)

	log.Info("run summary",
		zap.Int("frames", sum.FramesProcessed),
		zap.Int("failed", sum.FramesFailed),
		zap.Int("detections", sum.Detections),
		zap.Duration("mean_inference", sum.MeanInference),
		zap.Duration("std_inference", sum.StdInference),
		zap.Duration("total", sum.TotalTime))

	if mux.SavesFiles() && exitStatus(sum, err) == nil {
		log.Info("Results saved to " + cfg.SaveDir)
	}

	return sum, err
}

// sourceFields describes an opened source for logging
func sourceFields(src source.Source) []zap.Field {

	fields := []zap.Field{zap.Stringer("mode", src.Mode())}

	switch s := src.(type) {
	case *source.Images:
		fields = append(fields, zap.Int("files", len(s.Files())))
	case *source.Streams:
		fields = append(fields, zap.Int("streams", s.Len()))
	}

	return fields
}

// exitStatus maps the run result to the error returned from the app.  A user
// cancel is a clean exit, otherwise at least one frame must have completed
func exitStatus(sum pipeline.Summary, err error) error {

	if errors.Is(err, detect.ErrCancelledByUser) {
		return nil
	}

	if err != nil {
		return err
	}

	if sum.FramesProcessed == 0 && !sum.Cancelled {
		return errNoFrames
	}

	return nil
}
