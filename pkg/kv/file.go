package kv

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const fileSuffix = ".json"

// File stores one file per key under a directory. Writes are atomic
// (temp file then rename), so a crash never leaves a half-written value.
type File struct {
	dir string
}

// NewFile creates a file store rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the storage directory path.
func (f *File) Dir() string {
	return f.dir
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+fileSuffix)
}

func (f *File) SetItem(_ context.Context, key, value string) (err error) {
	start := time.Now()
	defer func() { observe("file", "set", start, err) }()

	path := f.path(key)
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err = tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", key, err)
	}

	if err = os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (f *File) GetItem(_ context.Context, key string) (v string, err error) {
	start := time.Now()
	defer func() { observe("file", "get", start, err) }()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), nil
}

func (f *File) RemoveItem(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list storage dir: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) Close() error { return nil }
