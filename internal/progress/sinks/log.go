package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/KennyJian/red-book/internal/progress"
)

// LogSink writes each run event as a structured log line. Merge events are
// logged at debug level since there is one per comment.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs every event in batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageMerge, progress.StageItemDone:
			level = zapcore.DebugLevel
		case progress.StageItemSkipped:
			level = zapcore.WarnLevel
		case progress.StageRunError:
			level = zapcore.ErrorLevel
		}
		ce := s.logger.Check(level, "run event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("keyword", evt.Keyword),
			zap.String("item_id", evt.ItemID),
			zap.String("user_id", evt.UserID),
			zap.Int64("comments", evt.Comments),
			zap.Bool("created", evt.Created),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
