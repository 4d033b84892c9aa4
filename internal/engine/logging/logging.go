package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs used by fluxpipe.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by the engine. It
// maps directly onto Watermill's logging needs so applications can adapt
// their existing loggers without depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies the ServiceLogger
// interface.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("fluxpipe: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: s.inner.With(toSlogArgs(fields)...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.inner.Debug(msg, toSlogArgs(fields)...)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.inner.Info(msg, toSlogArgs(fields)...)
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.inner.Warn(msg, toSlogArgs(fields)...)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	args := toSlogArgs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.inner.Error(msg, args...)
}

// Trace maps onto slog's debug level, which is the closest standard level.
func (s *slogServiceLogger) Trace(msg string, fields LogFields) {
	s.inner.Debug(msg, toSlogArgs(fields)...)
}

func toSlogArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, slog.Any(k, v))
	}
	return args
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter so it
// can be supplied wherever the engine expects a ServiceLogger.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("fluxpipe: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

// Warn maps onto the adapter's info level; watermill has no warn level.
func (w *watermillServiceLogger) Warn(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// so Watermill components (for example the gochannel Pub/Sub used as an event
// source) reuse the same logger abstraction.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("fluxpipe: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

// Nop returns a ServiceLogger that discards everything. Useful as a default
// in tests and optional components.
func Nop() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}
