package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
)

// encodeJSONLines writes one JSON object per row.
func encodeJSONLines(rows Rows) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range rows {
		if err := enc.Encode(rec); err != nil {
			return nil, NewError(Validation, "encode row %d: %v", i, err)
		}
	}
	return buf.Bytes(), nil
}

// ObjectLoader exports rows as a JSON-lines object in an S3-compatible bucket.
// The object key is Prefix/<run id>/<stage>.jsonl, so a retried attempt of the
// same run overwrites its own object instead of adding another one.
type ObjectLoader struct {
	Client *minio.Client
	Bucket string
	Prefix string
}

func (o *ObjectLoader) Load(ctx context.Context, rows Rows) (int, error) {
	data, err := encodeJSONLines(rows)
	if err != nil {
		return 0, err
	}
	key := objectKey(ctx, o.Prefix)
	_, err = o.Client.PutObject(ctx, o.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", o.Bucket, key, err)
	}
	slog.Info("Object written", "bucket", o.Bucket, "key", key, "rows", len(rows))
	return len(rows), nil
}

func objectKey(ctx context.Context, prefix string) string {
	runID, _ := RunIDFromContext(ctx)
	stage, _, _ := StageFromContext(ctx)
	if runID == "" {
		runID = "adhoc"
	}
	if stage == "" {
		stage = "load"
	}
	return path.Join(prefix, runID, stage+".jsonl")
}

// FileLoader writes rows as JSON lines to Path, replacing the file atomically.
type FileLoader struct {
	Path string
}

func (f *FileLoader) Load(_ context.Context, rows Rows) (int, error) {
	data, err := encodeJSONLines(rows)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return 0, err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return 0, err
	}
	return len(rows), nil
}
