package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/hxrts/aura/interfaces"
)

// IPFSBackend stores records in an IPFS node's mutable filesystem (MFS).
// Records live flat under a base directory with the record key as the file
// name, so prefix listing is a single directory read.
type IPFSBackend struct {
	sh      *shell.Shell
	baseDir string
	log     *slog.Logger
}

// NewIPFSBackend creates a backend talking to an IPFS node API.
func NewIPFSBackend(host, port, baseDir string, log *slog.Logger) (*IPFSBackend, error) {
	sh := shell.NewShell(fmt.Sprintf("%s:%s", host, port))
	if baseDir == "" {
		baseDir = "/aura"
	}
	return &IPFSBackend{sh: sh, baseDir: strings.TrimSuffix(baseDir, "/"), log: log}, nil
}

func (b *IPFSBackend) path(key string) string {
	return b.baseDir + "/" + key
}

func (b *IPFSBackend) Store(ctx context.Context, key string, value []byte) error {
	err := b.sh.FilesWrite(ctx, b.path(key), bytes.NewReader(value),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "ipfs files write", err)
	}
	return nil
}

func (b *IPFSBackend) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := b.sh.FilesRead(ctx, b.path(key))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "not found") {
			return nil, false, nil
		}
		return nil, false, interfaces.Wrap(interfaces.KindStorageFailure, "ipfs files read", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, interfaces.Wrap(interfaces.KindStorageFailure, "ipfs read body", err)
	}
	return data, true, nil
}

func (b *IPFSBackend) Remove(ctx context.Context, key string) error {
	if err := b.sh.FilesRm(ctx, b.path(key), true); err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "not found") {
			return nil
		}
		return interfaces.Wrap(interfaces.KindStorageFailure, "ipfs files rm", err)
	}
	return nil
}

func (b *IPFSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := b.sh.FilesLs(ctx, b.baseDir)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil
		}
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "ipfs files ls", err)
	}
	var keys []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name, prefix) {
			keys = append(keys, e.Name)
		}
	}
	return keys, nil
}

// Name identifies this backend in logs.
func (b *IPFSBackend) Name() string { return "ipfs" }
