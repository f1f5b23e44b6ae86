package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoCheckpoint is returned by CheckpointStore.Load when nothing is saved.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint is the saved progress of an unfinished run: its id and the
// payloads of the stages that already succeeded, in order.
type Checkpoint struct {
	RunID     string            `json:"run_id"`
	Pipeline  string            `json:"pipeline"`
	Stages    []CheckpointStage `json:"stages"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type CheckpointStage struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// CheckpointStore persists checkpoints keyed by pipeline name.
type CheckpointStore interface {
	Load(ctx context.Context, pipeline string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Clear(ctx context.Context, pipeline string) error
}

func checkpointFrom(rc *RunContext) (*Checkpoint, error) {
	cp := &Checkpoint{RunID: rc.ID(), Pipeline: rc.Pipeline(), UpdatedAt: time.Now().UTC()}
	for _, nr := range rc.Results() {
		if !nr.Result.OK() {
			continue
		}
		raw, err := json.Marshal(nr.Result.Payload())
		if err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", nr.Stage, err)
		}
		cp.Stages = append(cp.Stages, CheckpointStage{
			Name:       nr.Stage,
			Payload:    raw,
			StartedAt:  nr.Result.StartedAt(),
			FinishedAt: nr.Result.FinishedAt(),
		})
	}
	return cp, nil
}

// restore rebuilds a RunContext from a checkpoint. Only the prefix of saved
// stages that matches the pipeline's declaration order is reused; the index
// of the first stage still to run is returned.
func (cp *Checkpoint) restore(stages []Stage) (*RunContext, int, error) {
	rc := newRunContext(cp.RunID, cp.Pipeline)
	next := 0
	for i, saved := range cp.Stages {
		if i >= len(stages) || stages[i].Name() != saved.Name {
			break
		}
		var payload any
		if len(saved.Payload) > 0 {
			if err := json.Unmarshal(saved.Payload, &payload); err != nil {
				return nil, 0, fmt.Errorf("decode payload of %s: %w", saved.Name, err)
			}
		}
		rc.record(saved.Name, StageResult{
			status:     Success,
			payload:    payload,
			startedAt:  saved.StartedAt,
			finishedAt: saved.FinishedAt,
		})
		next = i + 1
	}
	return rc, next, nil
}

// FileCheckpointStore keeps one JSON file per pipeline in Dir.
type FileCheckpointStore struct {
	Dir string
}

func (s FileCheckpointStore) path(pipeline string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(pipeline)
	return filepath.Join(s.Dir, name+".checkpoint.json")
}

func (s FileCheckpointStore) Load(_ context.Context, pipeline string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(pipeline))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

func (s FileCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	target := s.path(cp.Pipeline)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, target)
}

func (s FileCheckpointStore) Clear(_ context.Context, pipeline string) error {
	err := os.Remove(s.path(pipeline))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisCheckpointStore keeps checkpoints under Prefix+pipeline. A zero TTL
// keeps them until cleared.
type RedisCheckpointStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func (s RedisCheckpointStore) key(pipeline string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "etl:checkpoint:"
	}
	return prefix + pipeline
}

func (s RedisCheckpointStore) Load(ctx context.Context, pipeline string) (*Checkpoint, error) {
	data, err := s.Client.Get(ctx, s.key(pipeline)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("redis get checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

func (s RedisCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.Client.Set(ctx, s.key(cp.Pipeline), data, s.TTL).Err(); err != nil {
		return fmt.Errorf("redis set checkpoint: %w", err)
	}
	return nil
}

func (s RedisCheckpointStore) Clear(ctx context.Context, pipeline string) error {
	return s.Client.Del(ctx, s.key(pipeline)).Err()
}
