package etl

import (
	"context"
	"log/slog"
	"time"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EventType tells emitters what an Event describes.
type EventType string

const (
	EventRunState    EventType = "run_state"
	EventStageStart  EventType = "stage_start"
	EventStageFinish EventType = "stage_finish"
	EventRetry       EventType = "retry_scheduled"
)

// Event is a structured record emitted at every state transition and stage
// boundary.
type Event struct {
	RunID    string
	Pipeline string
	Time     time.Time
	Level    slog.Level
	Type     EventType
	State    State
	Stage    string
	Kind     Kind
	Attempt  int
	Status   string
	Duration time.Duration
	Delay    time.Duration
	Err      *Error
}

// Emitter receives run events. Emit must not block the run for long and has
// no way to fail it.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiEmitter fans an event out to every non-nil emitter in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}

// SlogEmitter writes events to a slog.Logger.
type SlogEmitter struct {
	Logger *slog.Logger
}

func (e SlogEmitter) Emit(ctx context.Context, ev Event) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("run_id", ev.RunID),
		slog.String("pipeline", ev.Pipeline),
	}
	if ev.Stage != "" {
		attrs = append(attrs,
			slog.String("stage", ev.Stage),
			slog.Int("attempt", ev.Attempt),
		)
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", ev.Status))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", ev.Duration.Milliseconds()))
	}
	if ev.Delay > 0 {
		attrs = append(attrs, slog.Duration("delay", ev.Delay))
	}
	if ev.Err != nil {
		attrs = append(attrs,
			slog.String("error_kind", ev.Err.Kind.String()),
			slog.String("error", ev.Err.Error()),
		)
	}
	logger.LogAttrs(ctx, ev.Level, ev.Message(), attrs...)
}

// Message is a short human-readable summary of the event.
func (ev Event) Message() string {
	switch ev.Type {
	case EventStageStart:
		return "Stage started"
	case EventStageFinish:
		return "Stage finished"
	case EventRetry:
		return "Stage retry scheduled"
	default:
		return "Pipeline " + string(ev.State)
	}
}
