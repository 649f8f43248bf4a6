package flows

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.WarnLevel)
	defaultLogger.Store(zap.New(core).With(zap.String("component", "flows")))
}

// Logger returns the engine's default logger. Graph-building warnings (edge
// overwrites) always go here; runs use it unless WithLogger is given.
func Logger() *zap.Logger {
	return defaultLogger.Load()
}

// SetLogger replaces the default logger and returns the previous one.
func SetLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return defaultLogger.Swap(l)
}
