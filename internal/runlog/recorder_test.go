package runlog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/etlrunner/internal/etl"
)

type finished struct {
	id      int64
	status  string
	message string
}

type fakeWriter struct {
	starts   []Run
	events   []EventRow
	finishes []finished
	startErr error
}

func (f *fakeWriter) StartRun(_ context.Context, run Run) (int64, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.starts = append(f.starts, run)
	return int64(len(f.starts)), nil
}

func (f *fakeWriter) FinishRun(_ context.Context, id int64, status string, _ time.Time, message string) error {
	f.finishes = append(f.finishes, finished{id, status, message})
	return nil
}

func (f *fakeWriter) AddEvent(_ context.Context, ev EventRow) error {
	f.events = append(f.events, ev)
	return nil
}

func TestBuffer_DropsOldestLines(t *testing.T) {
	b := NewBuffer(2)
	b.Append("one")
	b.Append("two")
	b.Append("three")
	assert.Equal(t, "two\nthree", b.Compact(0))
}

func TestBuffer_CompactKeepsTail(t *testing.T) {
	b := NewBuffer(0)
	b.Append(strings.Repeat("a", 50))
	b.Append("last line")

	out := b.Compact(40)
	assert.Len(t, out, 40)
	assert.True(t, strings.HasPrefix(out, truncatedHead))
	assert.True(t, strings.HasSuffix(out, "last line"))

	assert.Equal(t, "short", func() string { s := NewBuffer(1); s.Append("short"); return s.Compact(40) }())
}

func TestBuffer_CompactKeepsValidUTF8(t *testing.T) {
	b := NewBuffer(10)
	b.Append("carga inválida: ação ção ção ção ção")

	for n := len(truncatedHead); n <= 60; n++ {
		out := b.Compact(n)
		assert.True(t, utf8.ValidString(out), "maxChars=%d gave %q", n, out)
		assert.LessOrEqual(t, len(out), n)
	}
}

func TestRecorder_FailedRun(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, "ana")
	ctx := context.Background()

	s := etl.NewStage("extract", etl.KindExtract, func(context.Context, *etl.RunContext) (any, error) {
		return nil, etl.NewError(etl.Validation, "bad header")
	})
	p, err := etl.NewPipeline("orders", []etl.Stage{s}, etl.Options{Emitter: r})
	require.NoError(t, err)
	out := p.Run(ctx)
	require.Equal(t, etl.StateFailed, out.State)

	require.Len(t, w.starts, 1)
	assert.Equal(t, out.RunID, w.starts[0].RunID)
	assert.Equal(t, "orders", w.starts[0].Pipeline)
	assert.Equal(t, "ana", w.starts[0].Operator)

	require.NotEmpty(t, w.events)
	for _, ev := range w.events {
		assert.Equal(t, int64(1), ev.RunRef)
		assert.Contains(t, []string{"WARN", "ERROR"}, ev.Level)
	}
	last := w.events[len(w.events)-1]
	assert.Equal(t, "RUN_STATE", last.Code)
	assert.Equal(t, "validation", last.Detail["error_kind"])
	assert.Equal(t, "bad header", last.Message)

	require.Len(t, w.finishes, 1)
	assert.Equal(t, int64(1), w.finishes[0].id)
	assert.Equal(t, StatusError, w.finishes[0].status)
	assert.Contains(t, w.finishes[0].message, "Stage started")
	assert.Contains(t, w.finishes[0].message, `error="bad header"`)
	assert.Empty(t, r.runs)
}

func TestRecorder_SuccessfulRunOnlyFinishes(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, "ana")
	ctx := context.Background()
	now := time.Now()

	r.Emit(ctx, etl.Event{RunID: "r1", Pipeline: "p", Time: now, Level: slog.LevelInfo, Type: etl.EventRunState, State: etl.StateRunning})
	r.Emit(ctx, etl.Event{RunID: "r1", Pipeline: "p", Time: now, Level: slog.LevelInfo, Type: etl.EventStageFinish, Stage: "a", Attempt: 1, Status: "success"})
	r.Emit(ctx, etl.Event{RunID: "r1", Pipeline: "p", Time: now, Level: slog.LevelInfo, Type: etl.EventRunState, State: etl.StateCompleted})

	assert.Empty(t, w.events)
	require.Len(t, w.finishes, 1)
	assert.Equal(t, StatusSuccess, w.finishes[0].status)
	assert.Equal(t, 3, strings.Count(w.finishes[0].message, "\n")+1)
}

func TestRecorder_StartFailureDisablesRun(t *testing.T) {
	w := &fakeWriter{startErr: errors.New("connection refused")}
	r := NewRecorder(w, "ana")
	ctx := context.Background()

	r.Emit(ctx, etl.Event{RunID: "r1", Type: etl.EventRunState, State: etl.StateRunning})
	r.Emit(ctx, etl.Event{RunID: "r1", Level: slog.LevelError, Type: etl.EventRunState, State: etl.StateFailed})

	assert.Empty(t, w.events)
	assert.Empty(t, w.finishes)
	assert.Empty(t, r.runs)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusSuccess, statusFor(etl.StateCompleted))
	assert.Equal(t, StatusError, statusFor(etl.StateFailed))
	assert.Equal(t, StatusCancelled, statusFor(etl.StateCancelled))
	assert.Equal(t, StatusRunning, statusFor(etl.StateRunning))
}
