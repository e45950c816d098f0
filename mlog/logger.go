package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if len(lc.Level) > 0 {
		var err error
		lvl, err = zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	out := zapcore.Lock(os.Stderr)
	if len(lc.File) > 0 {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = zapcore.Lock(f)
	}

	if lc.Production {
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), out, lvl)), nil
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), out, lvl)), nil
}

var l atomic.Pointer[zap.Logger]

func init() {
	lg, err := NewLogger(&LogConfig{})
	if err != nil {
		panic(fmt.Sprintf("mlog: failed to init default logger: %v", err))
	}
	l.Store(lg)
}

// L returns the package-level default logger.
func L() *zap.Logger {
	return l.Load()
}

// SetLogger sets the package-level default logger.
func SetLogger(lg *zap.Logger) {
	if lg == nil {
		lg = zap.NewNop()
	}
	l.Store(lg)
}

// S returns the sugared package-level default logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}
