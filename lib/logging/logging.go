// Package logging builds the zap backed logr.Logger of the binary.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr. Debug enables V(1)
// lines and colours the level.
func New(debug bool) (logr.Logger, func(), error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-2))
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	zap.ReplaceGlobals(l)
	return zapr.NewLogger(l), func() { _ = l.Sync() }, nil
}

// Worker returns the logger of a worker process. It writes one JSON object
// per line that the supervisor decodes and logs again, so lines carry no
// time or caller and the level is the zap level as a number.
func Worker(debug bool) (logr.Logger, func(), error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-2))
	}
	cfg.Encoding = "json"
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = NumericLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil

	l, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(l), func() { _ = l.Sync() }, nil
}

// NumericLevelEncoder writes the zap level as an integer, so V levels
// below debug survive the round trip through a worker's stderr.
func NumericLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendInt8(int8(l))
}
