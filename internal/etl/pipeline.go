package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCancelled is returned by Outcome.Error for cancelled runs.
var ErrCancelled = errors.New("pipeline run cancelled")

// Options is the complete set of assembly-time settings of a Pipeline.
type Options struct {
	// Policy decides retries. When nil an ExponentialBackoff is built from
	// MaxAttempts, BaseDelay and MaxDelay.
	Policy RetryPolicy
	// MaxAttempts caps the attempts of any one stage, whatever the policy says.
	// Zero means DefaultRetry.MaxAttempts for the built-in policy and no cap
	// beyond the policy's own when Policy is set.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// StageTimeout, when positive, bounds each attempt; an overrun is a
	// Transient failure.
	StageTimeout time.Duration
	// Emitter receives run events. Defaults to a SlogEmitter on slog.Default().
	Emitter Emitter
	// Checkpoints, when set, saves progress after each successful stage and
	// clears it once the run completes.
	Checkpoints CheckpointStore
	// Resume restores the saved checkpoint, if any, and runs only the stages
	// that had not yet succeeded.
	Resume bool
}

// Pipeline runs an ordered list of stages. It holds no per-run state and can
// run concurrently with distinct RunContexts.
type Pipeline struct {
	name         string
	stages       []Stage
	policy       RetryPolicy
	maxAttempts  int
	stageTimeout time.Duration
	emitter      Emitter
	checkpoints  CheckpointStore
	resume       bool

	after func(time.Duration) <-chan time.Time
}

// NewPipeline validates the stages and resolves the options.
func NewPipeline(name string, stages []Stage, opts Options) (*Pipeline, error) {
	if name == "" {
		return nil, errors.New("pipeline name is required")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %s: at least one stage is required", name)
	}
	seen := make(map[string]struct{}, len(stages))
	for i, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("pipeline %s: stage %d is nil", name, i)
		}
		if s.Name() == "" {
			return nil, fmt.Errorf("pipeline %s: stage %d has no name", name, i)
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stage name %q", name, s.Name())
		}
		seen[s.Name()] = struct{}{}
	}

	maxAttempts := max(opts.MaxAttempts, 0)
	policy := opts.Policy
	if policy == nil {
		if maxAttempts == 0 {
			maxAttempts = DefaultRetry.MaxAttempts
		}
		backoff := ExponentialBackoff{MaxAttempts: maxAttempts, BaseDelay: opts.BaseDelay, MaxDelay: opts.MaxDelay}
		if backoff.BaseDelay <= 0 {
			backoff.BaseDelay = DefaultRetry.BaseDelay
		}
		if backoff.MaxDelay <= 0 {
			backoff.MaxDelay = DefaultRetry.MaxDelay
		}
		policy = backoff
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = SlogEmitter{}
	}

	return &Pipeline{
		name:         name,
		stages:       append([]Stage(nil), stages...),
		policy:       policy,
		maxAttempts:  maxAttempts,
		stageTimeout: opts.StageTimeout,
		emitter:      emitter,
		checkpoints:  opts.Checkpoints,
		resume:       opts.Resume,
		after:        time.After,
	}, nil
}

func (p *Pipeline) Name() string    { return p.name }
func (p *Pipeline) Stages() []Stage { return append([]Stage(nil), p.stages...) }

// NewRun returns a fresh RunContext for this pipeline.
func (p *Pipeline) NewRun() *RunContext { return NewRunContext(p.name) }

// Outcome is the final result of a run.
type Outcome struct {
	RunID      string
	Pipeline   string
	State      State
	Results    []NamedResult
	StartedAt  time.Time
	FinishedAt time.Time
	// Err is the failure that ended a Failed run.
	Err *Error
}

// Final returns the last recorded result.
func (o Outcome) Final() (StageResult, bool) {
	if len(o.Results) == 0 {
		return StageResult{}, false
	}
	return o.Results[len(o.Results)-1].Result, true
}

// Payload returns the payload of the last recorded result.
func (o Outcome) Payload() any {
	res, _ := o.Final()
	return res.Payload()
}

// Error converts the outcome to a Go error: nil when completed.
func (o Outcome) Error() error {
	switch o.State {
	case StateCompleted:
		return nil
	case StateCancelled:
		return fmt.Errorf("%s (run %s): %w", o.Pipeline, o.RunID, ErrCancelled)
	default:
		if o.Err == nil {
			return fmt.Errorf("%s (run %s): %s", o.Pipeline, o.RunID, o.State)
		}
		return fmt.Errorf("%s (run %s): %w", o.Pipeline, o.RunID, o.Err)
	}
}

// Run executes the pipeline with a fresh RunContext, or with the restored
// checkpoint when Resume is set and one exists.
func (p *Pipeline) Run(ctx context.Context) Outcome {
	rc, next := p.prepare(ctx)
	return p.execute(ctx, rc, next)
}

// Execute runs every stage against rc. Use it when the caller needs a handle
// on the RunContext, for example to cancel it.
func (p *Pipeline) Execute(ctx context.Context, rc *RunContext) Outcome {
	return p.execute(ctx, rc, 0)
}

func (p *Pipeline) prepare(ctx context.Context) (*RunContext, int) {
	if p.checkpoints == nil || !p.resume {
		return p.NewRun(), 0
	}
	cp, err := p.checkpoints.Load(ctx, p.name)
	if err != nil {
		if !errors.Is(err, ErrNoCheckpoint) {
			slog.Warn("Failed to load checkpoint, starting fresh", "pipeline", p.name, "error", err)
		}
		return p.NewRun(), 0
	}
	rc, next, err := cp.restore(p.stages)
	if err != nil {
		slog.Warn("Unusable checkpoint, starting fresh", "pipeline", p.name, "error", err)
		return p.NewRun(), 0
	}
	slog.Info("Resuming pipeline from checkpoint", "pipeline", p.name, "run_id", rc.ID(), "next_stage", next)
	return rc, next
}

func (p *Pipeline) execute(ctx context.Context, rc *RunContext, next int) Outcome {
	stop := context.AfterFunc(ctx, rc.Cancel)
	defer stop()

	p.emitState(ctx, rc, StateRunning, nil)

	for i := next; i < len(p.stages); i++ {
		stage := p.stages[i]
		if rc.Cancelled() {
			return p.finish(ctx, rc, StateCancelled, nil)
		}
		res, cancelled := p.runStage(ctx, rc, stage)
		rc.record(stage.Name(), res)
		if cancelled {
			return p.finish(ctx, rc, StateCancelled, nil)
		}
		if !res.OK() {
			return p.finish(ctx, rc, StateFailed, res.Err())
		}
		p.saveCheckpoint(ctx, rc)
	}
	return p.finish(ctx, rc, StateCompleted, nil)
}

// runStage executes one stage until it succeeds, the retry budget is spent,
// or the run is cancelled during a backoff wait.
func (p *Pipeline) runStage(ctx context.Context, rc *RunContext, stage Stage) (StageResult, bool) {
	for attempt := 1; ; attempt++ {
		p.emit(ctx, rc, Event{
			Type:    EventStageStart,
			Level:   slog.LevelInfo,
			Stage:   stage.Name(),
			Kind:    stage.Kind(),
			Attempt: attempt,
			Status:  string(StateRunning),
		})

		res := p.invoke(ctx, rc, stage, attempt)

		decision := Fail
		if !res.OK() {
			decision = p.policy.Decide(res.Err(), attempt)
			if p.maxAttempts > 0 && attempt >= p.maxAttempts {
				decision = Fail
			}
		}

		level := slog.LevelInfo
		if !res.OK() {
			level = slog.LevelError
			if decision.Retry {
				level = slog.LevelWarn
			}
		}
		p.emit(ctx, rc, Event{
			Type:     EventStageFinish,
			Level:    level,
			Stage:    stage.Name(),
			Kind:     stage.Kind(),
			Attempt:  attempt,
			Status:   res.Status().String(),
			Duration: res.Duration(),
			Err:      res.Err(),
		})

		if res.OK() || !decision.Retry {
			return res, false
		}

		p.emit(ctx, rc, Event{
			Type:    EventRetry,
			Level:   slog.LevelWarn,
			Stage:   stage.Name(),
			Kind:    stage.Kind(),
			Attempt: attempt,
			Status:  res.Status().String(),
			Delay:   decision.Delay,
			Err:     res.Err(),
		})
		if !p.wait(ctx, rc, decision.Delay) {
			return res, true
		}
	}
}

// wait sleeps for d and reports false if the run was cancelled first.
func (p *Pipeline) wait(ctx context.Context, rc *RunContext, d time.Duration) bool {
	if rc.Cancelled() {
		return false
	}
	select {
	case <-rc.Done():
		return false
	case <-ctx.Done():
		rc.Cancel()
		return false
	case <-p.after(d):
		return !rc.Cancelled()
	}
}

func (p *Pipeline) invoke(ctx context.Context, rc *RunContext, stage Stage, attempt int) StageResult {
	stageCtx := withRunMeta(ctx, runMeta{RunID: rc.ID(), Pipeline: p.name, Stage: stage.Name(), Attempt: attempt})
	if p.stageTimeout <= 0 {
		return safeExecute(stageCtx, rc, stage)
	}

	started := time.Now()
	tctx, cancel := context.WithTimeout(stageCtx, p.stageTimeout)
	defer cancel()

	// The attempt runs on this goroutine so it has returned before any retry
	// starts, even when the stage ignores its context.
	res := safeExecute(tctx, rc, stage)
	if ctx.Err() != nil || !errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return res
	}
	return Failed(&Error{
		Kind:    Transient,
		Message: fmt.Sprintf("stage %s exceeded deadline %s", stage.Name(), p.stageTimeout),
		Cause:   res.Err(),
		At:      time.Now(),
	}, started)
}

func safeExecute(ctx context.Context, rc *RunContext, stage Stage) (res StageResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Failed(recovered(stage.Name(), r), started)
		}
	}()
	return stage.Execute(ctx, rc)
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, rc *RunContext) {
	if p.checkpoints == nil {
		return
	}
	cp, err := checkpointFrom(rc)
	if err == nil {
		err = p.checkpoints.Save(ctx, cp)
	}
	if err != nil {
		slog.Warn("Failed to save checkpoint", "pipeline", p.name, "run_id", rc.ID(), "error", err)
	}
}

func (p *Pipeline) finish(ctx context.Context, rc *RunContext, state State, err *Error) Outcome {
	out := Outcome{
		RunID:      rc.ID(),
		Pipeline:   p.name,
		State:      state,
		Results:    rc.Results(),
		StartedAt:  rc.StartedAt(),
		FinishedAt: time.Now(),
		Err:        err,
	}
	if state == StateCompleted && p.checkpoints != nil {
		if cerr := p.checkpoints.Clear(context.WithoutCancel(ctx), p.name); cerr != nil {
			slog.Warn("Failed to clear checkpoint", "pipeline", p.name, "error", cerr)
		}
	}
	p.emitState(ctx, rc, state, err)
	return out
}

func (p *Pipeline) emitState(ctx context.Context, rc *RunContext, state State, err *Error) {
	level := slog.LevelInfo
	switch state {
	case StateFailed:
		level = slog.LevelError
	case StateCancelled:
		level = slog.LevelWarn
	}
	ev := Event{Type: EventRunState, Level: level, State: state, Status: string(state), Err: err}
	if state.Terminal() {
		ev.Duration = time.Since(rc.StartedAt())
	}
	p.emit(ctx, rc, ev)
}

func (p *Pipeline) emit(ctx context.Context, rc *RunContext, ev Event) {
	ev.RunID = rc.ID()
	ev.Pipeline = p.name
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.emitter.Emit(context.WithoutCancel(ctx), ev)
}
