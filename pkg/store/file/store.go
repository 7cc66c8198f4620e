// Package file stores artifacts as JSON documents in a directory, one file
// per artifact, next to a JSON-lines copy of the trace that the replay
// command accepts directly.
package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/amirkhaki/interleave/pkg/store"
	"github.com/amirkhaki/interleave/pkg/trace"
)

const (
	artifactExt = ".json"
	traceExt    = ".trace.jsonl"
)

// Store is a directory of artifacts.
type Store struct {
	dir string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create artifact directory %s", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+artifactExt)
}

// TracePath returns where the JSON-lines trace of artifact id is written.
func (s *Store) TracePath(id string) string {
	return filepath.Join(s.dir, id+traceExt)
}

func (s *Store) Save(ctx context.Context, a *store.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := store.Marshal(a)
	if err != nil {
		return err
	}
	// Write then rename so a reader never sees a partial document.
	tmp := s.path(a.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return errors.Wrapf(err, "write artifact %s", a.ID)
	}
	if err := os.Rename(tmp, s.path(a.ID)); err != nil {
		return errors.Wrapf(err, "commit artifact %s", a.ID)
	}
	return trace.Save(s.TracePath(a.ID), a.Trace)
}

func (s *Store) Load(ctx context.Context, id string) (*store.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", id)
	}
	return store.Unmarshal(data)
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", s.dir)
	}
	type item struct {
		id  string
		mod int64
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, artifactExt) || strings.HasSuffix(name, traceExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{id: strings.TrimSuffix(name, artifactExt), mod: info.ModTime().UnixNano()})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].mod != items[j].mod {
			return items[i].mod < items[j].mod
		}
		return items[i].id < items[j].id
	})
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range []string{s.path(id), s.TracePath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "delete artifact %s", id)
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }
