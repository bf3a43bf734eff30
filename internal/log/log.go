// Package log is a thin printf-style layer over zap.
package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

// Logger wraps a sugared zap logger. The zero value is not usable; use New
// or Default.
type Logger struct {
	s *zap.SugaredLogger
}

var (
	std *Logger
	// level gates every Logger, including ones built on injected cores, and
	// drives the process-wide core.
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
	std = New(logger)
}

// New returns a Logger writing to z.
func New(z *zap.Logger) *Logger {
	return &Logger{s: z.Sugar()}
}

// Default returns the process-wide logger.
func Default() *Logger {
	return std
}

// Named returns a child logger tagged with the component name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{s: l.s.Named(name)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if level.Enabled(zapcore.DebugLevel) {
		l.s.Debugf(format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if level.Enabled(zapcore.InfoLevel) {
		l.s.Infof(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if level.Enabled(zapcore.WarnLevel) {
		l.s.Warnf(format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if level.Enabled(zapcore.ErrorLevel) {
		l.s.Errorf(format, args...)
	}
}

func (l *Logger) Sync() error {
	return l.s.Sync()
}

func Debug(format string, args ...interface{}) { std.Debug(format, args...) }

func Info(format string, args ...interface{}) { std.Info(format, args...) }

func Warn(format string, args ...interface{}) { std.Warn(format, args...) }

func Error(format string, args ...interface{}) { std.Error(format, args...) }

func Fatal(format string, args ...interface{}) {
	std.s.Fatalf(format, args...)
}

// SetLevel filters messages below lvl for every Logger. It is safe to call
// while other goroutines log.
func SetLevel(lvl Level) {
	level.SetLevel(lvl.zapLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.InfoLevel:
		return INFO
	case zapcore.WarnLevel:
		return WARNING
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return FATAL
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARNING:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a config string onto a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "fatal":
		return FATAL
	case "error":
		return ERROR
	case "warn", "warning":
		return WARNING
	case "debug":
		return DEBUG
	default:
		return INFO
	}
}
