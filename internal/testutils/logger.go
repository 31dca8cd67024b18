package testutils

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// tbWriter forwards every encoded entry to the test log, so output is only
// shown for failing or verbose tests.
type tbWriter struct {
	tb testing.TB
}

func (w tbWriter) Write(p []byte) (int, error) {
	w.tb.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

func NewTestLogger(tb testing.TB) *zap.Logger {
	tb.Helper()

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = ""
	encoderCfg.CallerKey = zapcore.OmitKey
	encoderCfg.ConsoleSeparator = "  "
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(tbWriter{tb: tb}),
		zap.DebugLevel,
	)

	return zap.New(core).Named(tb.Name())
}
