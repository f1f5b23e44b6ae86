package etl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newCounter() *counter { return &counter{calls: map[string]int{}} }

func (c *counter) hit(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
	c.order = append(c.order, name)
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// stub returns a stage that records its invocations and delegates to fn.
func stub(c *counter, name string, kind Kind, fn func(attempt int) (any, error)) Stage {
	return NewStage(name, kind, func(ctx context.Context, rc *RunContext) (any, error) {
		c.hit(name)
		return fn(c.get(name))
	})
}

func ok(payload any) func(int) (any, error) {
	return func(int) (any, error) { return payload, nil }
}

func failWith(kind ErrorKind) func(int) (any, error) {
	return func(int) (any, error) { return nil, NewError(kind, "boom") }
}

// instantAfter fires immediately and records the requested delays.
func instantAfter(delays *[]time.Duration) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		*delays = append(*delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
}

func quiet() Emitter { return EmitterFunc(func(context.Context, Event) {}) }

func statuses(results []NamedResult) []Status {
	out := make([]Status, len(results))
	for i, r := range results {
		out[i] = r.Result.Status()
	}
	return out
}

func TestRun_AllStagesSucceed(t *testing.T) {
	c := newCounter()
	stages := []Stage{
		stub(c, "s1", KindExtract, ok(1)),
		stub(c, "s2", KindTransform, ok(2)),
		stub(c, "s3", KindTransform, ok(3)),
		stub(c, "s4", KindLoad, ok(4)),
	}
	p, err := NewPipeline("all-ok", stages, Options{Emitter: quiet()})
	require.NoError(t, err)

	out := p.Run(context.Background())

	assert.Equal(t, StateCompleted, out.State)
	assert.NoError(t, out.Error())
	require.Len(t, out.Results, 4)
	for i, name := range []string{"s1", "s2", "s3", "s4"} {
		assert.Equal(t, name, out.Results[i].Stage)
		assert.True(t, out.Results[i].Result.OK())
	}
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, c.order)
	assert.Equal(t, 4, out.Payload())
}

func TestRun_ValidationFailureStopsImmediately(t *testing.T) {
	for k := 1; k <= 3; k++ {
		c := newCounter()
		var stages []Stage
		for i := 1; i <= 3; i++ {
			fn := ok(i)
			if i == k {
				fn = failWith(Validation)
			}
			stages = append(stages, stub(c, string(rune('a'+i-1)), KindTransform, fn))
		}
		var delays []time.Duration
		p, err := NewPipeline("validation", stages, Options{Emitter: quiet(), MaxAttempts: 5})
		require.NoError(t, err)
		p.after = instantAfter(&delays)

		out := p.Run(context.Background())

		assert.Equal(t, StateFailed, out.State)
		assert.Len(t, c.order, k, "k=%d", k)
		assert.Len(t, out.Results, k)
		assert.Empty(t, delays)
		require.NotNil(t, out.Err)
		assert.Equal(t, Validation, out.Err.Kind)
	}
}

func TestRun_TransientRetriesWithBackoff(t *testing.T) {
	c := newCounter()
	stages := []Stage{
		stub(c, "extract", KindExtract, ok("rows")),
		stub(c, "flaky", KindLoad, failWith(Transient)),
	}
	var delays []time.Duration
	p, err := NewPipeline("transient", stages, Options{
		Emitter:     quiet(),
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	})
	require.NoError(t, err)
	p.after = instantAfter(&delays)

	out := p.Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 4, c.get("flaky"))
	assert.Equal(t, 1, c.get("extract"))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, delays)
	require.NotNil(t, out.Err)
	assert.Equal(t, Transient, out.Err.Kind)
	assert.Len(t, out.Results, 2)
}

func TestRun_TransientRecovers(t *testing.T) {
	c := newCounter()
	stages := []Stage{
		stub(c, "flaky", KindExtract, func(attempt int) (any, error) {
			if attempt < 3 {
				return nil, NewError(Transient, "connection reset")
			}
			return "ok", nil
		}),
	}
	var delays []time.Duration
	p, err := NewPipeline("recovers", stages, Options{Emitter: quiet(), MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	require.NoError(t, err)
	p.after = instantAfter(&delays)

	out := p.Run(context.Background())

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 3, c.get("flaky"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "ok", out.Payload())
}

func TestRun_MaxAttemptsCapsCustomPolicy(t *testing.T) {
	c := newCounter()
	always := RetryPolicyFunc(func(*Error, int) Decision { return RetryAfter(time.Millisecond) })
	stages := []Stage{stub(c, "s", KindExtract, failWith(Fatal))}
	var delays []time.Duration
	p, err := NewPipeline("capped", stages, Options{Emitter: quiet(), Policy: always, MaxAttempts: 2})
	require.NoError(t, err)
	p.after = instantAfter(&delays)

	out := p.Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 2, c.get("s"))
}

func TestRun_Idempotent(t *testing.T) {
	build := func() *Pipeline {
		c := newCounter()
		stages := []Stage{
			stub(c, "a", KindExtract, ok(1)),
			stub(c, "b", KindTransform, ok(2)),
			stub(c, "c", KindLoad, failWith(Validation)),
		}
		p, err := NewPipeline("same", stages, Options{Emitter: quiet()})
		require.NoError(t, err)
		return p
	}

	first := build().Run(context.Background())
	second := build().Run(context.Background())

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, statuses(first.Results), statuses(second.Results))
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	c := newCounter()
	stages := []Stage{
		stub(c, "flaky", KindExtract, failWith(Transient)),
		stub(c, "next", KindLoad, ok(nil)),
	}
	p, err := NewPipeline("cancel", stages, Options{Emitter: quiet(), MaxAttempts: 5})
	require.NoError(t, err)

	rc := p.NewRun()
	p.after = func(time.Duration) <-chan time.Time {
		go rc.Cancel()
		return make(chan time.Time)
	}

	out := p.Execute(context.Background(), rc)

	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, 1, c.get("flaky"))
	assert.Zero(t, c.get("next"))
	assert.True(t, rc.Cancelled())
	assert.True(t, errors.Is(out.Error(), ErrCancelled))
}

func TestRun_ContextCancelDuringBackoff(t *testing.T) {
	c := newCounter()
	stages := []Stage{stub(c, "flaky", KindExtract, failWith(Transient))}
	p, err := NewPipeline("ctx-cancel", stages, Options{Emitter: quiet(), MaxAttempts: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p.after = func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	}

	out := p.Run(ctx)

	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, 1, c.get("flaky"))
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	c := newCounter()
	p, err := NewPipeline("pre-cancel", []Stage{stub(c, "a", KindExtract, ok(1))}, Options{Emitter: quiet()})
	require.NoError(t, err)

	rc := p.NewRun()
	rc.Cancel()
	out := p.Execute(context.Background(), rc)

	assert.Equal(t, StateCancelled, out.State)
	assert.Zero(t, c.get("a"))
	assert.Empty(t, out.Results)
}

func TestRun_OrdersScenario(t *testing.T) {
	var transformCalls, loadCalls int
	stages := []Stage{
		NewStage("orders", KindExtract, func(context.Context, *RunContext) (any, error) {
			return map[string]any{"rows": 10}, nil
		}),
		NewStage("normalize", KindTransform, func(_ context.Context, rc *RunContext) (any, error) {
			transformCalls++
			in, ok := rc.Payload("orders")
			require.True(t, ok)
			return map[string]any{"rows": in.(map[string]any)["rows"], "normalized": true}, nil
		}),
		NewStage("warehouse", KindLoad, func(_ context.Context, rc *RunContext) (any, error) {
			loadCalls++
			in, _ := rc.Payload("normalize")
			return map[string]any{"written": in.(map[string]any)["rows"]}, nil
		}),
	}
	p, err := NewPipeline("orders", stages, Options{Emitter: quiet()})
	require.NoError(t, err)

	out := p.Run(context.Background())

	assert.Equal(t, StateCompleted, out.State)
	assert.Len(t, out.Results, 3)
	assert.Equal(t, map[string]any{"written": 10}, out.Payload())
	assert.Equal(t, 1, transformCalls)
	assert.Equal(t, 1, loadCalls)
}

func TestRun_FatalExtractScenario(t *testing.T) {
	c := newCounter()
	stages := []Stage{
		stub(c, "orders", KindExtract, failWith(Fatal)),
		stub(c, "normalize", KindTransform, ok(nil)),
		stub(c, "warehouse", KindLoad, ok(nil)),
	}
	var delays []time.Duration
	p, err := NewPipeline("orders", stages, Options{Emitter: quiet()})
	require.NoError(t, err)
	p.after = instantAfter(&delays)

	out := p.Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 1, c.get("orders"))
	assert.Len(t, out.Results, 1)
	assert.Zero(t, c.get("normalize"))
	assert.Zero(t, c.get("warehouse"))
	assert.Empty(t, delays)
}

func TestRun_StageTimeoutIsTransient(t *testing.T) {
	block := NewStage("slow", KindExtract, func(ctx context.Context, _ *RunContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, err := NewPipeline("timeout", []Stage{block}, Options{
		Emitter:      quiet(),
		Policy:       NoRetry,
		StageTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	out := p.Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	require.NotNil(t, out.Err)
	assert.Equal(t, Transient, out.Err.Kind)
}

func TestRun_TimedOutAttemptFinishesBeforeRetry(t *testing.T) {
	var running, peak, calls atomic.Int32
	stubborn := NewStage("stubborn", KindLoad, func(context.Context, *RunContext) (any, error) {
		calls.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		return "written", nil
	})
	var delays []time.Duration
	p, err := NewPipeline("overrun", []Stage{stubborn}, Options{
		Emitter:      quiet(),
		MaxAttempts:  3,
		StageTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	p.after = instantAfter(&delays)

	out := p.Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	require.NotNil(t, out.Err)
	assert.Equal(t, Transient, out.Err.Kind)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), peak.Load(), "attempts of one stage never overlap")
	assert.Equal(t, int32(0), running.Load())
}

func TestRun_CustomPolicyNotCappedByDefault(t *testing.T) {
	c := newCounter()
	stages := []Stage{stub(c, "s", KindExtract, failWith(Transient))}
	var delays []time.Duration
	p, err := NewPipeline("own-budget", stages, Options{
		Emitter: quiet(),
		Policy:  FixedDelay{MaxAttempts: 5, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	p.after = instantAfter(&delays)

	out := p.Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 5, c.get("s"))
	assert.Len(t, delays, 4)
}

func TestRun_PanicBecomesFatal(t *testing.T) {
	s := NewStage("explode", KindTransform, func(context.Context, *RunContext) (any, error) {
		panic("nil map")
	})
	p, err := NewPipeline("panic", []Stage{s}, Options{Emitter: quiet()})
	require.NoError(t, err)

	out := p.Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	require.NotNil(t, out.Err)
	assert.Equal(t, Fatal, out.Err.Kind)
	require.NotNil(t, out.Err.Cause)
	assert.Contains(t, out.Err.Cause.Message, "nil map")
}

func TestRun_EmitsEventsInOrder(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	rec := EmitterFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	c := newCounter()
	calls := 0
	stages := []Stage{
		stub(c, "a", KindExtract, ok(1)),
		stub(c, "b", KindLoad, func(int) (any, error) {
			calls++
			if calls == 1 {
				return nil, NewError(Transient, "timeout")
			}
			return 2, nil
		}),
	}
	var delays []time.Duration
	p, err := NewPipeline("events", stages, Options{Emitter: rec, MaxAttempts: 2, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	p.after = instantAfter(&delays)

	out := p.Run(context.Background())
	require.Equal(t, StateCompleted, out.State)

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
		assert.Equal(t, out.RunID, ev.RunID)
		assert.Equal(t, "events", ev.Pipeline)
		assert.False(t, ev.Time.IsZero())
	}
	assert.Equal(t, []EventType{
		EventRunState,
		EventStageStart, EventStageFinish,
		EventStageStart, EventStageFinish, EventRetry,
		EventStageStart, EventStageFinish,
		EventRunState,
	}, types)
	assert.Equal(t, StateRunning, events[0].State)
	assert.Equal(t, StateCompleted, events[len(events)-1].State)
	assert.Equal(t, 2, events[6].Attempt)
	assert.Equal(t, "failure", events[4].Status)
}

func TestNewPipeline_Validation(t *testing.T) {
	s := NewStage("a", KindExtract, func(context.Context, *RunContext) (any, error) { return nil, nil })

	_, err := NewPipeline("", []Stage{s}, Options{})
	assert.Error(t, err)

	_, err = NewPipeline("p", nil, Options{})
	assert.Error(t, err)

	_, err = NewPipeline("p", []Stage{s, s}, Options{})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewPipeline("p", []Stage{s, nil}, Options{})
	assert.Error(t, err)
}

func TestRun_ResumeFromCheckpoint(t *testing.T) {
	store := FileCheckpointStore{Dir: t.TempDir()}
	c := newCounter()
	failLoad := true
	stages := []Stage{
		stub(c, "extract", KindExtract, ok(Rows{{"id": 1}, {"id": 2}})),
		NewTransform("double", "extract", RowsTransform(func(_ context.Context, rows Rows) (Rows, error) {
			c.hit("double")
			for _, r := range rows {
				r["id2"] = 2
			}
			return rows, nil
		})),
		NewLoad("sink", "double", LoaderFunc(func(_ context.Context, rows Rows) (int, error) {
			c.hit("sink")
			if failLoad {
				return 0, NewError(Fatal, "disk full")
			}
			return len(rows), nil
		})),
	}
	opts := Options{Emitter: quiet(), Checkpoints: store, Resume: true}

	p, err := NewPipeline("resumable", stages, opts)
	require.NoError(t, err)
	first := p.Run(context.Background())
	require.Equal(t, StateFailed, first.State)

	cp, err := store.Load(context.Background(), "resumable")
	require.NoError(t, err)
	assert.Equal(t, first.RunID, cp.RunID)
	assert.Len(t, cp.Stages, 2)

	failLoad = false
	second := p.Run(context.Background())

	assert.Equal(t, StateCompleted, second.State)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 1, c.get("extract"))
	assert.Equal(t, 1, c.get("double"))
	assert.Equal(t, 2, c.get("sink"))
	assert.Equal(t, LoadReport{Written: 2}, second.Payload())
	require.Len(t, second.Results, 3)

	_, err = store.Load(context.Background(), "resumable")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}
