// Package local implements backend.Driver against an ordinary directory
// tree, laid out exactly as spec.md §6 specifies (/config, /keys/<id>,
// /snapshots/<id>, /index/<id>, /data/<xx>/<pack-id>, /locks/...). It is the
// one concrete storage driver this module ships, needed to exercise the
// archiver/restorer/prune pipeline end to end; the choice of any other
// physical driver (object store, remote agent) remains an external
// collaborator per spec.md §1.
//
// Cache writes elsewhere in this module use the same atomic temp-file +
// rename idiom this driver uses for WriteFull, so a crash never leaves a
// partially written file visible under its final name.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/rustic-rs/rustic/backend"
)

// Driver is a backend.Driver backed by a local directory.
type Driver struct {
	root string
}

// Open returns a Driver rooted at dir, creating the per-kind subdirectories
// if they do not already exist.
func Open(dir string) (*Driver, error) {
	d := &Driver{root: dir}
	for _, kind := range []backend.Kind{
		backend.KindConfig, backend.KindKey, backend.KindSnapshot,
		backend.KindIndex, backend.KindPack, backend.KindLock,
	} {
		if err := os.MkdirAll(d.dirFor(kind), 0o700); err != nil {
			return nil, fmt.Errorf("local: mkdir %s: %w", d.dirFor(kind), err)
		}
	}
	return d, nil
}

func (d *Driver) dirFor(kind backend.Kind) string {
	switch kind {
	case backend.KindConfig:
		return d.root
	case backend.KindKey:
		return filepath.Join(d.root, "keys")
	case backend.KindSnapshot:
		return filepath.Join(d.root, "snapshots")
	case backend.KindIndex:
		return filepath.Join(d.root, "index")
	case backend.KindPack:
		return filepath.Join(d.root, "data")
	case backend.KindLock:
		return filepath.Join(d.root, "locks")
	default:
		return filepath.Join(d.root, string(kind))
	}
}

// path returns the on-disk path for a name under kind, applying the
// two-character pack-id sharding spec.md §4.3/§6 requires
// ("/data/<xx>/<pack-id>").
func (d *Driver) path(kind backend.Kind, name string) string {
	if kind == backend.KindConfig {
		return filepath.Join(d.root, "config")
	}
	if kind == backend.KindPack && len(name) >= 2 {
		return filepath.Join(d.dirFor(kind), name[:2], name)
	}
	return filepath.Join(d.dirFor(kind), name)
}

func (d *Driver) List(_ context.Context, kind backend.Kind) ([]backend.Entry, error) {
	if kind == backend.KindConfig {
		info, err := os.Stat(d.path(kind, ""))
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("local: stat config: %w", err)
		}
		return []backend.Entry{{Name: "config", Size: info.Size()}}, nil
	}

	root := d.dirFor(kind)
	var entries []backend.Entry
	err := filepath.WalkDir(root, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".tmp" {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		entries = append(entries, backend.Entry{Name: de.Name(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: list %s: %w", kind, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (d *Driver) ReadFull(_ context.Context, kind backend.Kind, name string) ([]byte, error) {
	data, err := os.ReadFile(d.path(kind, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("local: read %s/%s: %w", kind, name, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("local: read %s/%s: %w", kind, name, err)
	}
	return data, nil
}

func (d *Driver) ReadRange(_ context.Context, kind backend.Kind, name string, offset, length int64) ([]byte, error) {
	f, err := os.Open(d.path(kind, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("local: open %s/%s: %w", kind, name, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("local: open %s/%s: %w", kind, name, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("local: read range %s/%s@%d+%d: %w", kind, name, offset, length, err)
	}
	return buf, nil
}

func (d *Driver) WriteFull(_ context.Context, kind backend.Kind, name string, data []byte, _ bool) error {
	dest := d.path(kind, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("local: mkdir: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(dest), "."+name+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("local: write temp %s/%s: %w", kind, name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("local: rename into place %s/%s: %w", kind, name, err)
	}
	return nil
}

func (d *Driver) Remove(_ context.Context, kind backend.Kind, name string) error {
	err := os.Remove(d.path(kind, name))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("local: remove %s/%s: %w", kind, name, err)
}

var _ backend.Driver = (*Driver)(nil)
