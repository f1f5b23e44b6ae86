package etl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RunContext is the state of a single pipeline run. Only the runner appends
// results; Cancel may be called from any goroutine.
type RunContext struct {
	id        string
	pipeline  string
	startedAt time.Time

	mu      sync.RWMutex
	results []NamedResult

	cancelled  atomic.Bool
	cancelOnce sync.Once
	done       chan struct{}
}

// NewRunContext returns a fresh context with a generated run id.
func NewRunContext(pipeline string) *RunContext {
	return newRunContext(uuid.NewString(), pipeline)
}

func newRunContext(id, pipeline string) *RunContext {
	return &RunContext{
		id:        id,
		pipeline:  pipeline,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (rc *RunContext) ID() string           { return rc.id }
func (rc *RunContext) Pipeline() string     { return rc.pipeline }
func (rc *RunContext) StartedAt() time.Time { return rc.startedAt }

// Cancel marks the run cancelled. The runner observes it before the next
// stage and aborts any backoff wait in progress.
func (rc *RunContext) Cancel() {
	rc.cancelOnce.Do(func() {
		rc.cancelled.Store(true)
		close(rc.done)
	})
}

func (rc *RunContext) Cancelled() bool { return rc.cancelled.Load() }

// Done is closed once Cancel has been called.
func (rc *RunContext) Done() <-chan struct{} { return rc.done }

// Results returns a copy of the results recorded so far, in order.
func (rc *RunContext) Results() []NamedResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]NamedResult, len(rc.results))
	copy(out, rc.results)
	return out
}

// Result returns the latest result recorded for stage.
func (rc *RunContext) Result(stage string) (StageResult, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	for i := len(rc.results) - 1; i >= 0; i-- {
		if rc.results[i].Stage == stage {
			return rc.results[i].Result, true
		}
	}
	return StageResult{}, false
}

// Payload returns the payload of stage if it completed successfully.
func (rc *RunContext) Payload(stage string) (any, bool) {
	res, ok := rc.Result(stage)
	if !ok || !res.OK() {
		return nil, false
	}
	return res.Payload(), true
}

func (rc *RunContext) record(stage string, res StageResult) {
	rc.mu.Lock()
	rc.results = append(rc.results, NamedResult{Stage: stage, Result: res})
	rc.mu.Unlock()
}

type runMetaKey struct{}

type runMeta struct {
	RunID, Pipeline, Stage string
	Attempt                int
}

func withRunMeta(ctx context.Context, m runMeta) context.Context {
	return context.WithValue(ctx, runMetaKey{}, m)
}

// RunIDFromContext returns the run id the runner attached to a stage's context.
func RunIDFromContext(ctx context.Context) (string, bool) {
	m, ok := ctx.Value(runMetaKey{}).(runMeta)
	return m.RunID, ok
}

// StageFromContext returns the stage name and attempt attached by the runner.
func StageFromContext(ctx context.Context) (string, int, bool) {
	m, ok := ctx.Value(runMetaKey{}).(runMeta)
	return m.Stage, m.Attempt, ok
}
