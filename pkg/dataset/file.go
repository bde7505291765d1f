package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileSource loads datasets from a directory holding <id>.yaml (or .yml,
// .json) manifests next to <id>.raw data files.
type FileSource struct {
	dir    string
	logger *slog.Logger
}

// NewFileSource creates a source reading dir.
func NewFileSource(dir string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{dir: dir, logger: logger.With("component", "dataset_files", "dir", dir)}
}

// Dir returns the source directory.
func (s *FileSource) Dir() string { return s.dir }

// Load implements Source.
func (s *FileSource) Load(ctx context.Context, id string) (*Dataset, error) {
	return loadObjects(ctx, s.read, "", id)
}

func (s *FileSource) read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", name, err)
	}
	return data, nil
}

// Write stores d as a YAML manifest and raw data file, which is how the
// phantom command seeds a directory.
func (s *FileSource) Write(d *Dataset) error {
	m := d.Manifest()
	if !validID(m.ID) {
		return fmt.Errorf("dataset: invalid id %q", m.ID)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("dataset: create %s: %w", s.dir, err)
	}
	manifest, err := marshalYAML(m)
	if err != nil {
		return err
	}
	base := filepath.Join(s.dir, m.ID)
	if err := os.WriteFile(base+rawExt, Encode(d), 0o644); err != nil {
		return fmt.Errorf("dataset: write data: %w", err)
	}
	if err := os.WriteFile(base+".yaml", manifest, 0o644); err != nil {
		return fmt.Errorf("dataset: write manifest: %w", err)
	}
	return nil
}

// Watch reports the ID of every dataset whose files change until ctx is
// done. It blocks.
func (s *FileSource) Watch(ctx context.Context, onChange func(id string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dataset: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("dataset: watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if id, ok := datasetFile(ev.Name); ok {
				s.logger.Debug("dataset file changed", "data_id", id, "op", ev.Op.String())
				onChange(id)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("dataset watcher error", "error", err)
		}
	}
}

// datasetFile maps a manifest or raw file name to its dataset ID.
func datasetFile(name string) (string, bool) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	switch strings.ToLower(ext) {
	case rawExt, ".yaml", ".yml", ".json":
		id := strings.TrimSuffix(base, ext)
		return id, validID(id)
	}
	return "", false
}
