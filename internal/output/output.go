// Package output writes the JSON files broadcast graphics read.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

type Writer struct {
	dir string
	log *zap.Logger
}

func NewWriter(dir string, log *zap.Logger) (*Writer, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}
	w := &Writer{dir: abs, log: log.Named("Output")}
	w.log.Info("output will be written to " + abs)
	return w, nil
}

func (w *Writer) Dir() string { return w.dir }

// Path resolves a file below the output folder, creating its parent
// directories. Paths escaping the folder are rejected.
func (w *Writer) Path(parts ...string) (string, error) {
	fp := filepath.Join(append([]string{w.dir}, parts...)...)
	rel, err := filepath.Rel(w.dir, fp)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q is outside %s", filepath.Join(parts...), w.dir)
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return "", err
	}
	return fp, nil
}

func (w *Writer) WriteFile(ctx context.Context, file string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := w.Path(file)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	w.log.Debug("wrote file", zap.String("file", file), zap.Int("bytes", len(data)))
	return nil
}

// WriteJSON writes data as indented JSON. With arrayify, data that is not
// already a slice or array is wrapped in a one-element array; some
// graphics software only reads top-level arrays.
func (w *Writer) WriteJSON(ctx context.Context, file string, data any, arrayify bool) error {
	if arrayify && !isList(data) {
		data = []any{data}
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", file, err)
	}
	return w.WriteFile(ctx, file, raw)
}

func isList(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case json.RawMessage:
		return strings.HasPrefix(strings.TrimSpace(string(v)), "[")
	case []byte:
		// Marshalled as a base64 string.
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
