package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the process-wide log sink.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is either "json" or "console".
	Format string `yaml:"format"`

	// OutputPaths lists zap sinks; defaults to stderr.
	OutputPaths []string `yaml:"output_paths"`
}

// Logger provides leveled, component-scoped logging for geoprobe.
// Loggers created before Configure is called write to stderr at info level.
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
	closeOnce sync.Once
}

var (
	// base is the root zap logger every component logger derives from
	base   *zap.Logger
	baseMu sync.RWMutex

	// initOnce lazily builds the default root logger
	initOnce sync.Once
)

// Configure replaces the root logger. Component loggers created afterwards
// use the new sink; existing ones keep writing to the previous one.
func Configure(opts Options) error {
	logger, err := build(opts)
	if err != nil {
		return err
	}

	// Mark lazy init as done so root() never overwrites a configured logger.
	initOnce.Do(func() {})

	baseMu.Lock()
	defer baseMu.Unlock()
	base = logger
	return nil
}

func build(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (must be 'json' or 'console')", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func root() *zap.Logger {
	initOnce.Do(func() {
		logger, err := build(Options{})
		if err != nil {
			logger = zap.NewNop()
		}
		baseMu.Lock()
		base = logger
		baseMu.Unlock()
	})

	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// NewLogger creates a logger for a specific component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		sugar:     root().Sugar().With("component", component),
	}
}

// FromZap wraps an existing zap logger. Tests use it with zaptest/observer cores.
func FromZap(component string, z *zap.Logger) *Logger {
	return &Logger{
		component: component,
		sugar:     z.Sugar().With("component", component),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{component: "nop", sugar: zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		component: l.component,
		sugar:     l.sugar.With(keysAndValues...),
	}
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Close flushes buffered entries. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.sugar.Sync()
	})
	return err
}
