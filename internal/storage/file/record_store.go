// Package file persists author records as one JSON document per author on the
// local filesystem.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/KennyJian/red-book/internal/harvest"
)

const extension = ".json"

var validUserID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config captures the parameters for the filesystem record store.
type Config struct {
	// BaseDir is the directory holding one file per author.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// RecordStore stores each author record at <BaseDir>/<user_id>.json.
type RecordStore struct {
	baseDir string
}

// New creates a filesystem-backed record store, creating BaseDir if needed.
func New(cfg Config) (*RecordStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &RecordStore{baseDir: cfg.BaseDir}, nil
}

// Dir returns the directory records are written to.
func (s *RecordStore) Dir() string {
	return s.baseDir
}

// Get loads the record for userID.
func (s *RecordStore) Get(_ context.Context, userID string) (harvest.AuthorRecord, bool, error) {
	path, err := s.pathFor(userID)
	if err != nil {
		return harvest.AuthorRecord{}, false, err
	}
	rec, err := readRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return harvest.AuthorRecord{}, false, nil
	}
	if err != nil {
		return harvest.AuthorRecord{}, false, err
	}
	return rec, true, nil
}

// Put writes record atomically via a temp file and rename.
func (s *RecordStore) Put(_ context.Context, record harvest.AuthorRecord) error {
	path, err := s.pathFor(record.UserID)
	if err != nil {
		return err
	}
	if record.Comments == nil {
		record.Comments = []harvest.CommentEntry{}
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.UserID, err)
	}

	tmp, err := os.CreateTemp(s.baseDir, "."+record.UserID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write record %s: %w", record.UserID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename record %s: %w", record.UserID, err)
	}
	return nil
}

// List returns every record, most recently crawled first. Unreadable files are
// skipped and reported in the returned error only when nothing could be read.
func (s *RecordStore) List(_ context.Context) ([]harvest.AuthorRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var (
		out      []harvest.AuthorRecord
		firstErr error
	)
	for _, entry := range entries {
		if !isRecordFile(entry) {
			continue
		}
		rec, err := readRecord(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rec)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	harvest.SortByCrawlTime(out)
	return out, nil
}

// Count returns the number of record files.
func (s *RecordStore) Count(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read dir: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if isRecordFile(entry) {
			n++
		}
	}
	return n, nil
}

func (s *RecordStore) pathFor(userID string) (string, error) {
	if !validUserID.MatchString(userID) {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	return filepath.Join(s.baseDir, userID+extension), nil
}

func isRecordFile(entry os.DirEntry) bool {
	name := entry.Name()
	return !entry.IsDir() && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, extension)
}

func readRecord(path string) (harvest.AuthorRecord, error) {
	// #nosec G304 -- path is built from a validated user id under baseDir.
	data, err := os.ReadFile(path)
	if err != nil {
		return harvest.AuthorRecord{}, err
	}
	var rec harvest.AuthorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return harvest.AuthorRecord{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}
