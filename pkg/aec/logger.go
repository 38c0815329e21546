package aec

import "go.uber.org/zap"

// Logger is the logging surface the stream writes to. Arguments are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger to Logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *zapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *zapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }
