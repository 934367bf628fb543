package log

import (
	"log/slog"
)

// TraceSink receives worker process output and relayed worker log frames.
type TraceSink interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// SlogSink writes trace output through a slog.Logger.
type SlogSink struct {
	logger *slog.Logger
	attrs  []any
}

// NewTraceSink wraps logger as a TraceSink. A nil logger uses the global one.
func NewTraceSink(logger *slog.Logger, attrs ...any) *SlogSink {
	if logger == nil {
		logger = Get()
	}
	return &SlogSink{logger: logger, attrs: attrs}
}

func (s *SlogSink) Info(msg string) {
	s.logger.Info(msg, s.attrs...)
}

func (s *SlogSink) Warn(msg string) {
	s.logger.Warn(msg, s.attrs...)
}

func (s *SlogSink) Error(msg string, err error) {
	if err == nil {
		s.logger.Error(msg, s.attrs...)
		return
	}
	args := append([]any{"error", err.Error()}, s.attrs...)
	s.logger.Error(msg, args...)
}

// With returns a sink that adds attrs to every record.
func (s *SlogSink) With(attrs ...any) *SlogSink {
	merged := make([]any, 0, len(s.attrs)+len(attrs))
	merged = append(merged, s.attrs...)
	merged = append(merged, attrs...)
	return &SlogSink{logger: s.logger, attrs: merged}
}
