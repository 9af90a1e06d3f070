package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
)

// LogSink writes every progress event as a structured log line at a level
// matching the event's own.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", string(evt.Status)),
			zap.String("state", string(evt.State)),
			zap.Time("ts", evt.Timestamp),
		}
		if evt.Stats.Category != "" {
			fields = append(fields, zap.String("category", evt.Stats.Category))
		}
		if evt.Stats.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Stats.Page))
		}
		fields = append(fields,
			zap.Int("shops_found", evt.Stats.ShopsFound),
			zap.Int("captcha_count", evt.Stats.CaptchaCount),
			zap.Int("skipped_pages", evt.Stats.SkippedPages),
		)
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if ce := s.logger.Check(levelOf(evt.Level), evt.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func levelOf(level string) zapcore.Level {
	switch level {
	case crawler.LevelWarning:
		return zapcore.WarnLevel
	case crawler.LevelError:
		return zapcore.ErrorLevel
	}
	return zapcore.DebugLevel
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
