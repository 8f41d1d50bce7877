package presentation

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-sense/internal/prediction"
	"github.com/loqalabs/loqa-sense/internal/session"
)

// LogSink writes session output to the structured log. Batches are logged at debug.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "presentation"))}
}

func (s *LogSink) DisplayPredictions(target session.Modality, batch prediction.Batch) {
	attrs := []any{
		slog.String("modality", string(target)),
		slog.Uint64("seq", batch.Seq),
		slog.Int("count", len(batch.Predictions)),
	}
	if top, ok := batch.Top(); ok {
		attrs = append(attrs, slog.String("top", top.Label), slog.Float64("confidence", top.Confidence))
	} else {
		attrs = append(attrs, slog.String("top", "no results"))
	}
	if batch.LowConfidence {
		attrs = append(attrs, slog.Bool("low_confidence", true))
	}
	s.log.Debug("predictions", attrs...)
}

func (s *LogSink) UpdateState(control session.Modality, state session.State, label string) {
	s.log.Info("session state",
		slog.String("modality", string(control)),
		slog.String("state", state.String()),
		slog.String("label", label),
	)
}

func (s *LogSink) Notify(source session.Modality, message string, severity session.Severity) {
	level := slog.LevelInfo
	switch severity {
	case session.SeverityWarning:
		level = slog.LevelWarn
	case session.SeverityError:
		level = slog.LevelError
	}
	s.log.Log(context.Background(), level, message,
		slog.String("modality", string(source)),
		slog.String("severity", string(severity)),
	)
}
