// Package logging defines the small printf-style logging interface the
// rest of the cockpit depends on, plus a zap-backed implementation.
package logging

// Logger is the logging surface passed around the cockpit. Components
// never depend on a concrete backend.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type prefixLogger struct {
	prefix string
	inner  Logger
}

// WithPrefix returns a logger that prepends a fixed prefix to every
// message, used to tag per-service lines ("service: vllm , ...").
func WithPrefix(prefix string, inner Logger) Logger {
	return &prefixLogger{prefix: prefix, inner: inner}
}

func (l *prefixLogger) Debugf(format string, args ...interface{}) {
	l.inner.Debugf(l.prefix+format, args...)
}

func (l *prefixLogger) Infof(format string, args ...interface{}) {
	l.inner.Infof(l.prefix+format, args...)
}

func (l *prefixLogger) Warnf(format string, args ...interface{}) {
	l.inner.Warnf(l.prefix+format, args...)
}

func (l *prefixLogger) Errorf(format string, args ...interface{}) {
	l.inner.Errorf(l.prefix+format, args...)
}

// NopLogger discards everything. Handy default for optional loggers.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}
