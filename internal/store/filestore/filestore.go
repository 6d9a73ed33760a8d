// Package filestore keeps each board's persisted state in a data directory:
// board{n}.txt (grid text), address{n}.json (activity table) and
// board{n}.html (last rendered presentation payload).
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/render"
)

// Store reads and writes board files under one directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger.With("component", "filestore")}, nil
}

func (s *Store) GridPath(id model.BoardID) string {
	return filepath.Join(s.dir, fmt.Sprintf("board%d.txt", id))
}

func (s *Store) ActivityPath(id model.BoardID) string {
	return filepath.Join(s.dir, fmt.Sprintf("address%d.json", id))
}

func (s *Store) HTMLPath(id model.BoardID) string {
	return filepath.Join(s.dir, fmt.Sprintf("board%d.html", id))
}

// SaveActivity durably replaces the board's activity file.
func (s *Store) SaveActivity(id model.BoardID, activity model.Activity) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	return writeFileAtomic(s.ActivityPath(id), body)
}

// LoadActivity reads the board's activity file. A missing file is an empty table.
func (s *Store) LoadActivity(id model.BoardID) (model.Activity, error) {
	body, err := os.ReadFile(s.ActivityPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Activity{}, nil
		}
		return nil, fmt.Errorf("read activity board %d: %w", id, err)
	}
	var activity model.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("parse activity board %d: %w", id, err)
	}
	if activity == nil {
		activity = model.Activity{}
	}
	return activity, nil
}

// SaveGrid durably replaces the board's grid text file.
func (s *Store) SaveGrid(id model.BoardID, grid *model.Grid) error {
	return writeFileAtomic(s.GridPath(id), render.EncodeGridText(grid))
}

// LoadGrid reads the board's grid text file. A missing file is an all-zero grid.
func (s *Store) LoadGrid(id model.BoardID) (model.Grid, error) {
	body, err := os.ReadFile(s.GridPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Grid{}, nil
		}
		return model.Grid{}, fmt.Errorf("read grid board %d: %w", id, err)
	}
	grid, err := render.DecodeGridText(body)
	if err != nil {
		return model.Grid{}, fmt.Errorf("parse grid board %d: %w", id, err)
	}
	return grid, nil
}

// SaveHTML writes the rendered presentation payload for the board.
func (s *Store) SaveHTML(id model.BoardID, payload []byte) error {
	return writeFileAtomic(s.HTMLPath(id), payload)
}

// Restorer receives state loaded at startup.
type Restorer interface {
	Restore(id model.BoardID, grid model.Grid, activity model.Activity) error
}

// LoadAll reads every board's grid and activity files into r.
func (s *Store) LoadAll(r Restorer) error {
	for _, id := range model.AllBoards() {
		grid, err := s.LoadGrid(id)
		if err != nil {
			return err
		}
		activity, err := s.LoadActivity(id)
		if err != nil {
			return err
		}
		if err := r.Restore(id, grid, activity); err != nil {
			return fmt.Errorf("restore board %d: %w", id, err)
		}
		s.logger.Info("board state loaded", "board", id, "identities", len(activity))
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory, syncs it and
// renames it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
