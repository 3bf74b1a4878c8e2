package events

import (
	"github.com/sirupsen/logrus"
)

// LogSink writes every event as one structured log line.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink returns a sink logging to the given logger.
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	fields := logrus.Fields{
		"event":  e.Type,
		"run_id": e.RunID,
	}
	if e.UnitID != "" {
		fields["unit"] = e.UnitID
	}
	if e.ExecutedAs != "" && e.ExecutedAs != e.UnitID {
		fields["executed_as"] = e.ExecutedAs
	}
	if e.Attempt > 0 {
		fields["attempt"] = e.Attempt
	}
	if e.Wave > 0 {
		fields["wave"] = e.Wave
	}
	if e.ErrorKind != "" {
		fields["error_kind"] = e.ErrorKind
	}
	if e.InputTokens > 0 {
		fields["input_tokens"] = e.InputTokens
	}
	if e.OutputTokens > 0 {
		fields["output_tokens"] = e.OutputTokens
	}
	if e.Omissions > 0 {
		fields["omissions"] = e.Omissions
	}
	if e.Duration > 0 {
		fields["duration"] = e.Duration.String()
	}

	msg := e.ErrorMsg
	if msg == "" {
		msg = string(e.Type)
	}
	entry := s.logger.WithFields(fields)
	switch e.Type {
	case UnitFailed, RunFailed:
		entry.Error(msg)
	case UnitRetrying, ContextDegraded, RunCancelled:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}
