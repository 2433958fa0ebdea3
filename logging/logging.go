// Package logging holds the process wide zap logger used by the detect
// command.  Library packages accept a *zap.Logger instead of using it.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// FileOptions configure rotation of the optional log file
type FileOptions struct {
	// Path of the log file, empty disables file output
	Path string
	// MaxSizeMB is the size a file is rotated at
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept
	MaxBackups int
	// MaxAgeDays is how long rotated files are kept
	MaxAgeDays int
}

// Options configure the logger
type Options struct {
	// Level is the minimum level logged, eg: "debug", "info"
	Level string
	// Development switches to the human friendly console encoder
	Development bool
	// File optionally tees JSON output to a rotated file
	File FileOptions
}

// Init builds the logger described by opts and installs it as the zap
// global
func Init(opts Options) error {

	level := zap.NewAtomicLevelAt(zap.InfoLevel)

	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return err
		}
	}

	var cfg zap.Config

	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()

	if err != nil {
		return err
	}

	if opts.File.Path != "" {
		l = l.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore(opts.File, level))
		}))
	}

	setLogger(l)

	return nil
}

// InitProduction installs a JSON logger at info level
func InitProduction() error {
	return Init(Options{})
}

// InitDevelopment installs a console logger at debug level
func InitDevelopment() error {
	return Init(Options{Development: true, Level: "debug"})
}

// fileCore writes JSON encoded entries to a lumberjack rotated file
func fileCore(opts FileOptions, level zap.AtomicLevel) zapcore.Core {

	maxSize := opts.MaxSizeMB

	if maxSize <= 0 {
		maxSize = 100
	}

	writer := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), level)
}

// setLogger replaces the package and zap global loggers
func setLogger(l *zap.Logger) {

	logMu.Lock()
	defer logMu.Unlock()

	zap.ReplaceGlobals(l)

	if log != nil {
		_ = log.Sync()
	}

	log = l
	sugar = l.Sugar()
}

// L returns the logger, the zap global until Init is called
func L() *zap.Logger {

	logMu.RLock()
	defer logMu.RUnlock()

	if log != nil {
		return log
	}

	return zap.L()
}

// S returns the sugared logger
func S() *zap.SugaredLogger {

	logMu.RLock()
	defer logMu.RUnlock()

	if sugar != nil {
		return sugar
	}

	return zap.S()
}

// Sync flushes buffered entries.  Sync errors from stderr attached to a
// terminal are expected and ignored
func Sync() {

	logMu.RLock()
	defer logMu.RUnlock()

	if log != nil {
		_ = log.Sync()
	}
}
