// Package observers turns metric events into log lines.
package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/callpilot/pkg/metrics"
)

// warnEvents are logged at warn level; everything else is debug.
var warnEvents = map[string]bool{
	metrics.EventGuardTripped:     true,
	metrics.EventSTTError:         true,
	metrics.EventStoreWriteFailed: true,
	metrics.EventArchiveFailed:    true,
	metrics.EventBreakerOpen:      true,
	metrics.EventRateLimit:        true,
}

type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if warnEvents[ev.Name] {
		level = slog.LevelWarn
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, "metric", attrs...)
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
