/*
persist.go - Registry persistence across process restarts

PURPOSE:
  Ordinals must survive restarts, not just in-process rebuilds: the first
  rebuild after a restart must hand every already-known date its old
  ordinal. The registry is tiny (~550 dates after years of history), so the
  format is deliberately simple: one YYYY-MM-DD line per ordinal, ascending,
  gzip-compressed.

DURABILITY:
  Writes go to a temp file in the same directory, then rename over the
  target, so a crash mid-save leaves the previous file intact.

SEE ALSO:
  - registry.go: The data being persisted
  - cmd/server/main.go: Load on startup, save after each successful rebuild
*/
package dateindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// SaveRegistry writes the registry to path atomically.
func SaveRegistry(r *Registry, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".registry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	w := bufio.NewWriter(zw)
	for ord := 0; ord < r.Size(); ord++ {
		d, _ := r.DateOf(uint32(ord))
		if _, err := fmt.Fprintln(w, d.Format(DateLayout)); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write registry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadRegistry reads a registry previously written by SaveRegistry. A
// missing file yields an empty registry, not an error: first boot.
func LoadRegistry(path string) (*Registry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open registry file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("corrupt registry file %s: %w", path, err)
	}
	defer zr.Close()

	r := NewRegistry()
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		d, err := time.ParseInLocation(DateLayout, line, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("corrupt registry entry %q: %w", line, err)
		}
		if _, err := r.OrdinalOf(d); err != nil {
			return nil, fmt.Errorf("registry file not in chronological order: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return r, nil
}
