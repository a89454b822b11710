package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m4xw311/toolhub/errors"
	"github.com/natefinch/atomic"
)

// File keeps the whole map in memory and rewrites a JSON document on every
// change. The write goes through a temp file and rename so a crash never
// leaves a truncated store.
type File struct {
	*Memory
	path string
}

func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "cannot create store directory for %q", path)
	}
	f := &File{Memory: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return f, nil
	case err != nil:
		return nil, errors.Wrapf(err, "could not read store %s", path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f.data); err != nil {
		return nil, errors.Wrapf(err, "could not parse store %s", path)
	}
	return f, nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

func (f *File) flushLocked() error {
	data, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize store")
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "failed to write store %s", f.path)
	}
	return nil
}
