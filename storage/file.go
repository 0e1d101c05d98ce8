package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hxrts/aura/interfaces"
)

// FileBackend stores records on the local filesystem. Each key maps to one
// file; the colon-separated key segments become directory levels. Writes go
// through a temp file and rename so a record is either fully present or
// absent.
type FileBackend struct {
	baseDir string
	log     *slog.Logger
}

// NewFileBackend creates a file backend rooted at baseDir.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir, log: log}, nil
}

func (b *FileBackend) path(key string) string {
	parts := strings.Split(key, ":")
	return filepath.Join(append([]string{b.baseDir}, parts...)...)
}

func (b *FileBackend) key(path string) string {
	rel, err := filepath.Rel(b.baseDir, path)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Split(rel, string(filepath.Separator)), ":")
}

func (b *FileBackend) Store(ctx context.Context, key string, value []byte) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "create directory", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "write record", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "commit record", err)
	}
	b.log.Debug("Stored record", "key", key, "size", len(value))
	return nil
}

func (b *FileBackend) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, interfaces.Wrap(interfaces.KindStorageFailure, "read record", err)
	}
	return data, true, nil
}

func (b *FileBackend) Remove(ctx context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return interfaces.Wrap(interfaces.KindStorageFailure, "remove record", err)
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(b.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return err
		}
		if key := b.key(path); key != "" && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "walk records", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Name identifies this backend in logs.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}
