package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const ext = ".json"

// DirStore keeps one file per entity under <root>/<target>/<identifier>.json.
type DirStore struct {
	root string
	log  *zap.Logger
}

func NewDirStore(root string, log *zap.Logger) *DirStore {
	return &DirStore{root: root, log: log.Named("Snapshot")}
}

// Path returns the file a snapshot of identifier under target is written to.
func (d *DirStore) Path(target, identifier string) string {
	return filepath.Join(d.root, Sanitize(target), Sanitize(identifier)+ext)
}

func (d *DirStore) Save(ctx context.Context, target, identifier string, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if target == "" {
		target = DefaultTarget
	}
	raw, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode %s: %w", identifier, err)
	}

	path := d.Path(target, identifier)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	d.log.Debug("dumped", zap.String("entity", identifier), zap.String("path", path))
	return nil
}

func (d *DirStore) Consume(ctx context.Context) (map[string]Snapshot, error) {
	dir := filepath.Join(d.root, DefaultTarget)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		s, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(name, ext)] = s
		d.log.Info("loaded snapshot", zap.String("path", path))
	}
	return out, nil
}

// Encode renders s the way it is stored on disk: indented, keys sorted.
func Encode(s Snapshot) ([]byte, error) {
	if s.LastValues == nil {
		s.LastValues = map[string]json.RawMessage{}
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

func Decode(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.LastValues == nil {
		s.LastValues = map[string]json.RawMessage{}
	}
	return s, nil
}
