package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes events to a zap logger. Flags are logged at warn level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("session", e.SessionID),
	}
	if e.ChainID != "" {
		fields = append(fields, zap.String("chain", e.ChainID))
	}
	if e.AgentID != "" {
		fields = append(fields, zap.String("agent", e.AgentID))
	}
	if e.DirectiveID != "" {
		fields = append(fields, zap.String("directive", e.DirectiveID))
	}
	if e.State != "" {
		fields = append(fields, zap.String("state", e.State))
	}
	switch e.Type {
	case AssessmentCreated, ChainFlagged:
		fields = append(fields, zap.Float64("score", e.Score))
	}
	for k, v := range e.Payload {
		fields = append(fields, zap.Any(k, v))
	}
	if e.Type == ChainFlagged {
		s.logger.Warn(string(e.Type), fields...)
		return nil
	}
	s.logger.Info(string(e.Type), fields...)
	return nil
}
