package etl

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var stagedExtensions = []string{".csv", ".xlsx", ".xls"}

// CSVExtractor reads a delimited file with a header row. Empty cells become
// nil. When ArchiveDir is set the file is moved there, renamed with the
// run date, after it has been read.
type CSVExtractor struct {
	Path       string
	Delimiter  rune
	ArchiveDir string
}

func (c *CSVExtractor) Extract(ctx context.Context) (Rows, error) {
	f, err := os.Open(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, NewError(Validation, "input file %s not found", c.Path)
	}
	if err != nil {
		return nil, err
	}
	rows, err := c.read(ctx, f)
	f.Close()
	if err != nil {
		return nil, err
	}

	if c.ArchiveDir != "" {
		moved, err := MoveFile(filepath.Dir(c.Path), filepath.Base(c.Path), c.ArchiveDir, time.Now().Format("20060102"))
		if err != nil {
			return nil, err
		}
		slog.Info("Input file archived", "path", moved)
	}
	return rows, nil
}

func (c *CSVExtractor) read(ctx context.Context, r io.Reader) (Rows, error) {
	reader := csv.NewReader(r)
	reader.Comma = c.Delimiter
	if reader.Comma == 0 {
		reader.Comma = ';'
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Rows{}, nil
	}
	if err != nil {
		return nil, NewError(Validation, "read header of %s: %v", c.Path, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	rows := Rows{}
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, NewError(Validation, "%s line %d: %v", c.Path, line, err)
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if i >= len(record) || record[i] == "" {
				rec[col] = nil
				continue
			}
			rec[col] = record[i]
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// MoveFile finds a file in srcDir whose name matches name case-insensitively
// (extension ignored, must be csv/xlsx/xls) and moves it to destDir as
// "<name lowercased, spaces as _>_<date><ext>". It returns the new path.
func MoveFile(srcDir, name, destDir, date string) (string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", srcDir, err)
	}
	wanted := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))

	var found string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		ext := filepath.Ext(lower)
		if strings.TrimSuffix(lower, ext) == wanted && hasStagedExtension(ext) {
			found = e.Name()
			break
		}
	}
	if found == "" {
		return "", NewError(Validation, "no file like %q in %s", name, srcDir)
	}

	formatted := strings.ReplaceAll(strings.ToLower(name), " ", "_")
	ext := filepath.Ext(formatted)
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(found))
	}
	newName := strings.TrimSuffix(formatted, filepath.Ext(formatted)) + "_" + date + ext

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, newName)
	if err := os.Rename(filepath.Join(srcDir, found), dest); err != nil {
		return "", fmt.Errorf("move %s: %w", found, err)
	}
	return dest, nil
}

func hasStagedExtension(ext string) bool {
	for _, e := range stagedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
