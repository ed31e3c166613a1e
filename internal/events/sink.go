package events

import (
	"context"
	"log/slog"

	"github.com/shaiso/agentrun/internal/domain"
)

// Sink получает события run после их записи в хранилище.
//
// Реализации: Hub (подписчики внутри процесса), RedisSink,
// mq.Publisher (RabbitMQ).
type Sink interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// Multi рассылает событие во все sinks. Ошибка одного sink
// логируется и не мешает остальным.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti создаёт Multi. nil-элементы пропускаются.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add добавляет sink.
func (m *Multi) Add(s Sink) {
	if s != nil {
		m.sinks = append(m.sinks, s)
	}
}

// PublishEvent реализует Sink.
func (m *Multi) PublishEvent(ctx context.Context, ev domain.Event) error {
	for _, s := range m.sinks {
		if err := s.PublishEvent(ctx, ev); err != nil {
			m.logger.Warn("publish event failed",
				"run_id", ev.RunID,
				"type", ev.Type,
				"error", err,
			)
		}
	}
	return nil
}

// Discard — Sink, который ничего не делает.
type Discard struct{}

// PublishEvent реализует Sink.
func (Discard) PublishEvent(context.Context, domain.Event) error { return nil }
