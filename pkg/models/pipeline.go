package models

import "time"

// Stage kinds as written in pipeline files.
const (
	KindExtract   = "extract"
	KindTransform = "transform"
	KindLoad      = "load"
)

// Source types.
const (
	SourcePostgres  = "postgres"
	SourceSQLServer = "sqlserver"
	SourceMongo     = "mongo"
	SourceCSV       = "csv"
)

// Sink types.
const (
	SinkPostgres    = "postgres"
	SinkMongo       = "mongo"
	SinkObjectStore = "objectstore"
	SinkFile        = "file"
)

// Checkpoint store types.
const (
	CheckpointFile  = "file"
	CheckpointRedis = "redis"
)

// PipelineSpec is the root of a pipeline YAML file.
type PipelineSpec struct {
	Name       string         `yaml:"name"`
	Retry      RetrySpec      `yaml:"retry"`
	Checkpoint CheckpointSpec `yaml:"checkpoint"`
	Stages     []StageSpec    `yaml:"stages"`
}

type RetrySpec struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// CheckpointSpec selects where progress is saved. An empty Kind disables
// checkpointing.
type CheckpointSpec struct {
	Kind   string        `yaml:"kind"`
	Dir    string        `yaml:"dir"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

type StageSpec struct {
	Name       string          `yaml:"name"`
	Kind       string          `yaml:"kind"`
	From       string          `yaml:"from,omitempty"`
	Source     *SourceSpec     `yaml:"source,omitempty"`
	Transforms []TransformSpec `yaml:"transforms,omitempty"`
	Required   []string        `yaml:"required,omitempty"`
	Sink       *SinkSpec       `yaml:"sink,omitempty"`
	DryRun     bool            `yaml:"dry_run,omitempty"`
}

type SourceSpec struct {
	Type  string `yaml:"type"`
	Query string `yaml:"query,omitempty"`
	Args  []any  `yaml:"args,omitempty"`

	Database   string         `yaml:"database,omitempty"`
	Collection string         `yaml:"collection,omitempty"`
	Filter     map[string]any `yaml:"filter,omitempty"`
	Sort       string         `yaml:"sort,omitempty"`
	Limit      int64          `yaml:"limit,omitempty"`

	Path       string `yaml:"path,omitempty"`
	Delimiter  string `yaml:"delimiter,omitempty"`
	ArchiveDir string `yaml:"archive_dir,omitempty"`
}

type TransformSpec struct {
	Name    string            `yaml:"name"`
	Columns []string          `yaml:"columns,omitempty"`
	Target  string            `yaml:"target,omitempty"`
	Types   map[string]string `yaml:"types,omitempty"`
	Format  string            `yaml:"format,omitempty"`
	Mapping map[string]string `yaml:"mapping,omitempty"`
}

type SinkSpec struct {
	Type string `yaml:"type"`

	Table         string   `yaml:"table,omitempty"`
	Mode          string   `yaml:"mode,omitempty"`
	Conflict      []string `yaml:"conflict,omitempty"`
	ExcludeUpdate []string `yaml:"exclude_update,omitempty"`
	OnConflict    string   `yaml:"on_conflict,omitempty"`
	ChunkSize     int      `yaml:"chunk_size,omitempty"`

	Database   string `yaml:"database,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	IDField    string `yaml:"id_field,omitempty"`

	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`

	Path string `yaml:"path,omitempty"`
}

// Stage returns the stage with the given name.
func (p *PipelineSpec) Stage(name string) (*StageSpec, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}
