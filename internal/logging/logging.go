// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging is the structured-logging façade used by every
// component of the engine. It wraps charmbracelet/log so that
// per-component loggers share one sink and one set of key/value
// conventions.
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

// Config controls how a Logger is constructed.
type Config struct {
	Output     io.Writer
	Level      charmlog.Level
	ReportTime bool
	TimeFormat string
}

// DefaultConfig returns the configuration used by every binary unless
// overridden on the command line.
func DefaultConfig() Config {
	return Config{
		Output:     os.Stderr,
		Level:      charmlog.InfoLevel,
		ReportTime: true,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	inner     *charmlog.Logger
	component string
}

// New builds a Logger from cfg. The returned Logger has no component
// set; call WithComponent before using it so log lines are
// attributable to a subsystem.
func New(cfg Config) *Logger {
	inner := charmlog.NewWithOptions(cfg.Output, charmlog.Options{
		Level:           cfg.Level,
		ReportTimestamp: cfg.ReportTime,
		TimeFormat:      cfg.TimeFormat,
	})
	return &Logger{inner: inner}
}

// WithComponent returns a derived Logger tagging every line with the
// given subsystem name (e.g. "worker", "ager", "ctlchan").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.With("component", name), component: name}
}

// With returns a derived Logger with additional static key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...), component: l.component}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

var (
	defaultMu  sync.RWMutex
	defaultLog atomic.Pointer[Logger]
)

func init() {
	defaultLog.Store(New(DefaultConfig()).WithComponent("root"))
}

// SetDefault installs l as the package-level logger used by the
// free functions below. Call once at process start, after flags are
// parsed.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLog.Store(l)
}

// Default returns the current package-level logger.
func Default() *Logger {
	return defaultLog.Load()
}

func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
