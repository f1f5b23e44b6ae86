package etl

import "context"

// Kind is the role a stage plays in the pipeline.
type Kind string

const (
	KindExtract   Kind = "extract"
	KindTransform Kind = "transform"
	KindLoad      Kind = "load"
)

// Stage is one unit of work. Execute must not panic: every failure is
// returned as a failed StageResult.
type Stage interface {
	Name() string
	Kind() Kind
	Execute(ctx context.Context, rc *RunContext) StageResult
}

// Extractor reads a payload from an external source.
type Extractor interface {
	Extract(ctx context.Context) (Rows, error)
}

// Loader writes rows to an external sink and reports how many it wrote.
// Loaders are responsible for their own idempotency (upserts).
type Loader interface {
	Load(ctx context.Context, rows Rows) (int, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context) (Rows, error)

func (f ExtractorFunc) Extract(ctx context.Context) (Rows, error) { return f(ctx) }

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, rows Rows) (int, error)

func (f LoaderFunc) Load(ctx context.Context, rows Rows) (int, error) { return f(ctx, rows) }
