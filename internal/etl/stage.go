package etl

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// StageFunc is the body of a stage built with NewStage. A returned error is
// mapped to an ErrorKind with FromError.
type StageFunc func(ctx context.Context, rc *RunContext) (any, error)

type funcStage struct {
	name string
	kind Kind
	fn   StageFunc
}

// NewStage builds a stage from a function. Panics inside fn are recovered and
// reported as Fatal failures.
func NewStage(name string, kind Kind, fn StageFunc) Stage {
	return &funcStage{name: name, kind: kind, fn: fn}
}

func (s *funcStage) Name() string { return s.name }
func (s *funcStage) Kind() Kind   { return s.kind }

func (s *funcStage) Execute(ctx context.Context, rc *RunContext) (res StageResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Failed(recovered(s.name, r), started)
		}
	}()
	payload, err := s.fn(ctx, rc)
	if err != nil {
		return Failed(FromError(err), started)
	}
	return Succeeded(payload, started)
}

func recovered(stage string, r any) *Error {
	cause := &Error{Kind: Fatal, Message: fmt.Sprintf("panic: %v", r), At: time.Now()}
	slog.Error("Stage panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
	return &Error{Kind: Fatal, Message: fmt.Sprintf("stage %s panicked", stage), Cause: cause, At: time.Now()}
}

// NewExtract returns a stage whose payload is the rows read by ext.
func NewExtract(name string, ext Extractor) Stage {
	return NewStage(name, KindExtract, func(ctx context.Context, _ *RunContext) (any, error) {
		rows, err := ext.Extract(ctx)
		if err != nil {
			return nil, Wrap(Classify(err), err, "extract %s", name)
		}
		return rows, nil
	})
}

// TransformFunc derives a new payload from the payload of an earlier stage.
type TransformFunc func(ctx context.Context, in any) (any, error)

// NewTransform returns a stage that applies fn to the payload of stage from.
// A missing or failed upstream result is a Validation failure.
func NewTransform(name, from string, fn TransformFunc) Stage {
	return NewStage(name, KindTransform, func(ctx context.Context, rc *RunContext) (any, error) {
		in, err := upstream(rc, from)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, Wrap(Classify(err), err, "transform %s", name)
		}
		return out, nil
	})
}

// RowsTransform adapts a function over Rows to a TransformFunc. The input is
// cloned first so upstream payloads stay untouched.
func RowsTransform(fn func(ctx context.Context, rows Rows) (Rows, error)) TransformFunc {
	return func(ctx context.Context, in any) (any, error) {
		rows, err := AsRows(in)
		if err != nil {
			return nil, NewError(Validation, "%v", err)
		}
		return fn(ctx, rows.Clone())
	}
}

// LoadReport is the payload of a load stage.
type LoadReport struct {
	Written int  `json:"written"`
	DryRun  bool `json:"dry_run,omitempty"`
}

// LoadOption configures NewLoad.
type LoadOption func(*loadStage)

// DryRun makes the load stage count rows without writing them.
func DryRun(enabled bool) LoadOption {
	return func(s *loadStage) { s.dryRun = enabled }
}

type loadStage struct {
	name, from string
	loader     Loader
	dryRun     bool
}

// NewLoad returns a stage that writes the rows produced by stage from.
func NewLoad(name, from string, loader Loader, opts ...LoadOption) Stage {
	s := &loadStage{name: name, from: from, loader: loader}
	for _, o := range opts {
		o(s)
	}
	return NewStage(name, KindLoad, s.run)
}

func (s *loadStage) run(ctx context.Context, rc *RunContext) (any, error) {
	in, err := upstream(rc, s.from)
	if err != nil {
		return nil, err
	}
	rows, err := AsRows(in)
	if err != nil {
		return nil, NewError(Validation, "load %s: %v", s.name, err)
	}
	if s.dryRun {
		slog.Info("[DRY RUN] Would load records", "stage", s.name, "count", len(rows))
		return LoadReport{Written: 0, DryRun: true}, nil
	}
	n, err := s.loader.Load(ctx, rows)
	if err != nil {
		return nil, Wrap(Classify(err), err, "load %s", s.name)
	}
	return LoadReport{Written: n}, nil
}

func upstream(rc *RunContext, from string) (any, error) {
	res, ok := rc.Result(from)
	if !ok {
		return nil, NewError(Validation, "no result for upstream stage %q", from)
	}
	if !res.OK() {
		return nil, NewError(Validation, "upstream stage %q failed", from)
	}
	return res.Payload(), nil
}
