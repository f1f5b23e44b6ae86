package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/BartekS5/etlrunner/internal/etl"
)

const (
	DefaultMaxMessageChars = 4000
	maxBufferedLines       = 5000
	truncatedHead          = "... (truncated) ...\n"
)

// Buffer keeps the most recent log lines of a run.
type Buffer struct {
	lines []string
	max   int
}

func NewBuffer(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = maxBufferedLines
	}
	return &Buffer{max: maxLines}
}

func (b *Buffer) Append(line string) {
	if len(b.lines) == b.max {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

// Compact joins the lines and, when the result is longer than maxChars,
// keeps its tail behind a truncation marker.
func (b *Buffer) Compact(maxChars int) string {
	full := strings.Join(b.lines, "\n")
	if maxChars <= 0 || len(full) <= maxChars {
		return full
	}
	keep := max(maxChars-len(truncatedHead), 0)
	// Cut on a rune boundary; Postgres rejects invalid UTF-8 in text columns.
	for keep > 0 && !utf8.RuneStart(full[len(full)-keep]) {
		keep--
	}
	return truncatedHead + full[len(full)-keep:]
}

// Recorder is an etl.Emitter that mirrors runs into a Writer. Write
// failures are logged and never affect the run.
type Recorder struct {
	w               Writer
	operator        string
	MaxMessageChars int
	MinLevel        slog.Level

	mu   sync.Mutex
	runs map[string]*recordedRun
}

type recordedRun struct {
	ref int64
	buf *Buffer
}

func NewRecorder(w Writer, operator string) *Recorder {
	return &Recorder{
		w:               w,
		operator:        operator,
		MaxMessageChars: DefaultMaxMessageChars,
		MinLevel:        slog.LevelWarn,
		runs:            make(map[string]*recordedRun),
	}
}

func (r *Recorder) Emit(ctx context.Context, ev etl.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.runs[ev.RunID]
	if run == nil {
		run = &recordedRun{buf: NewBuffer(maxBufferedLines)}
		r.runs[ev.RunID] = run
	}
	run.buf.Append(formatLine(ev))

	if ev.Type == etl.EventRunState && ev.State == etl.StateRunning {
		ref, err := r.w.StartRun(ctx, Run{
			RunID:     ev.RunID,
			Pipeline:  ev.Pipeline,
			Operator:  r.operator,
			StartedAt: ev.Time,
		})
		if err != nil {
			slog.Error("Failed to record run start", "run_id", ev.RunID, "error", err)
		}
		run.ref = ref
		return
	}

	if run.ref != 0 && ev.Level >= r.MinLevel {
		if err := r.w.AddEvent(ctx, eventRow(run.ref, ev)); err != nil {
			slog.Error("Failed to record run event", "run_id", ev.RunID, "error", err)
		}
	}

	if ev.Type == etl.EventRunState && ev.State.Terminal() {
		if run.ref != 0 {
			msg := run.buf.Compact(r.MaxMessageChars)
			if err := r.w.FinishRun(ctx, run.ref, statusFor(ev.State), ev.Time, msg); err != nil {
				slog.Error("Failed to record run finish", "run_id", ev.RunID, "error", err)
			}
		}
		delete(r.runs, ev.RunID)
	}
}

func statusFor(s etl.State) string {
	switch s {
	case etl.StateCompleted:
		return StatusSuccess
	case etl.StateCancelled:
		return StatusCancelled
	case etl.StateFailed:
		return StatusError
	}
	return StatusRunning
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}

func formatLine(ev etl.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s - %s", ev.Time.Format("2006-01-02 15:04:05"), levelName(ev.Level), ev.Message())
	if ev.Stage != "" {
		fmt.Fprintf(&b, " stage=%s attempt=%d", ev.Stage, ev.Attempt)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, " status=%s", ev.Status)
	}
	if ev.Err != nil {
		fmt.Fprintf(&b, " error=%q", ev.Err.Error())
	}
	return b.String()
}

func eventRow(ref int64, ev etl.Event) EventRow {
	detail := map[string]any{}
	if ev.State != "" {
		detail["state"] = string(ev.State)
	}
	if ev.Duration > 0 {
		detail["duration_ms"] = ev.Duration.Milliseconds()
	}
	if ev.Delay > 0 {
		detail["delay_ms"] = ev.Delay.Milliseconds()
	}
	msg := ev.Message()
	if ev.Err != nil {
		detail["error_kind"] = ev.Err.Kind.String()
		msg = ev.Err.Error()
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	return EventRow{
		RunRef:  ref,
		Level:   levelName(ev.Level),
		Stage:   ev.Stage,
		Code:    strings.ToUpper(string(ev.Type)),
		Message: msg,
		Detail:  detail,
		Attempt: ev.Attempt,
		At:      at,
	}
}
