package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/BartekS5/etlrunner/pkg/models"
)

const (
	DefaultMaxAttempts      = 3
	DefaultBaseDelay        = 500 * time.Millisecond
	DefaultMaxDelay         = 30 * time.Second
	DefaultCheckpointDir    = ".checkpoints"
	DefaultCheckpointPrefix = "etl:checkpoint:"
	DefaultChunkSize        = 10000
)

// LoadPipeline reads a pipeline definition from a YAML file, expanding
// ${VAR} references from the environment, filling defaults and validating it.
func LoadPipeline(path string) (*models.PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file '%s': %w", path, err)
	}
	spec, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file '%s': %w", path, err)
	}
	return spec, nil
}

// ParsePipeline is LoadPipeline without the file read.
func ParsePipeline(data []byte) (*models.PipelineSpec, error) {
	var spec models.PipelineSpec
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	applyDefaults(&spec)
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func applyDefaults(spec *models.PipelineSpec) {
	if spec.Retry.MaxAttempts == 0 {
		spec.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if spec.Retry.BaseDelay == 0 {
		spec.Retry.BaseDelay = DefaultBaseDelay
	}
	if spec.Retry.MaxDelay == 0 {
		spec.Retry.MaxDelay = DefaultMaxDelay
	}
	switch spec.Checkpoint.Kind {
	case models.CheckpointFile:
		if spec.Checkpoint.Dir == "" {
			spec.Checkpoint.Dir = DefaultCheckpointDir
		}
	case models.CheckpointRedis:
		if spec.Checkpoint.Prefix == "" {
			spec.Checkpoint.Prefix = DefaultCheckpointPrefix
		}
	}

	for i := range spec.Stages {
		st := &spec.Stages[i]
		if st.Source != nil && st.Source.Type == models.SourceCSV && st.Source.Delimiter == "" {
			st.Source.Delimiter = ";"
		}
		if st.Sink != nil && st.Sink.Type == models.SinkPostgres {
			if st.Sink.Mode == "" {
				st.Sink.Mode = "insert"
			}
			if st.Sink.OnConflict == "" {
				st.Sink.OnConflict = "update"
			}
			if st.Sink.ChunkSize == 0 {
				st.Sink.ChunkSize = DefaultChunkSize
			}
		}
	}
}

// Validate reports every structural problem in spec at once.
func Validate(spec *models.PipelineSpec) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if spec.Name == "" {
		add("pipeline name is required")
	}
	if len(spec.Stages) == 0 {
		add("pipeline has no stages")
	}
	if spec.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if spec.Retry.BaseDelay < 0 || spec.Retry.MaxDelay < 0 || spec.Retry.StageTimeout < 0 {
		add("retry durations must not be negative")
	}
	switch spec.Checkpoint.Kind {
	case "", models.CheckpointFile, models.CheckpointRedis:
	default:
		add("checkpoint.kind %q is not one of file, redis", spec.Checkpoint.Kind)
	}

	seen := make(map[string]bool, len(spec.Stages))
	for i, st := range spec.Stages {
		where := fmt.Sprintf("stage %d (%s)", i, st.Name)
		if st.Name == "" {
			add("stage %d: name is required", i)
		} else if seen[st.Name] {
			add("%s: duplicate stage name", where)
		}

		switch st.Kind {
		case models.KindExtract:
			validateSource(where, st.Source, add)
		case models.KindTransform:
			checkFrom(where, st.From, seen, add)
		case models.KindLoad:
			checkFrom(where, st.From, seen, add)
			validateSink(where, st.Sink, add)
		default:
			add("%s: kind %q is not one of extract, transform, load", where, st.Kind)
		}
		seen[st.Name] = true
	}
	return errors.Join(errs...)
}

func checkFrom(where, from string, seen map[string]bool, add func(string, ...any)) {
	if from == "" {
		add("%s: from is required", where)
		return
	}
	if !seen[from] {
		add("%s: from %q does not name an earlier stage", where, from)
	}
}

func validateSource(where string, src *models.SourceSpec, add func(string, ...any)) {
	if src == nil {
		add("%s: source is required", where)
		return
	}
	switch src.Type {
	case models.SourcePostgres, models.SourceSQLServer:
		if src.Query == "" {
			add("%s: source.query is required", where)
		}
	case models.SourceMongo:
		if src.Collection == "" {
			add("%s: source.collection is required", where)
		}
	case models.SourceCSV:
		if src.Path == "" {
			add("%s: source.path is required", where)
		}
		if utf8.RuneCountInString(src.Delimiter) != 1 {
			add("%s: source.delimiter must be a single character", where)
		}
	default:
		add("%s: source.type %q is not one of postgres, sqlserver, mongo, csv", where, src.Type)
	}
}

func validateSink(where string, sink *models.SinkSpec, add func(string, ...any)) {
	if sink == nil {
		add("%s: sink is required", where)
		return
	}
	switch sink.Type {
	case models.SinkPostgres:
		if sink.Table == "" {
			add("%s: sink.table is required", where)
		}
		switch sink.Mode {
		case "insert":
		case "upsert":
			if len(sink.Conflict) == 0 {
				add("%s: upsert needs sink.conflict columns", where)
			}
		default:
			add("%s: sink.mode %q is not one of insert, upsert", where, sink.Mode)
		}
		if sink.OnConflict != "update" && sink.OnConflict != "nothing" {
			add("%s: sink.on_conflict %q is not one of update, nothing", where, sink.OnConflict)
		}
		if sink.ChunkSize < 1 {
			add("%s: sink.chunk_size must be positive", where)
		}
	case models.SinkMongo:
		if sink.Collection == "" {
			add("%s: sink.collection is required", where)
		}
	case models.SinkObjectStore:
		if sink.Bucket == "" {
			add("%s: sink.bucket is required", where)
		}
	case models.SinkFile:
		if sink.Path == "" {
			add("%s: sink.path is required", where)
		}
	default:
		add("%s: sink.type %q is not one of postgres, mongo, objectstore, file", where, sink.Type)
	}
}
