package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Factory creates persistence backends from URI strings and assembles
// multi-backend configurations for redundant storage.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a backend factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates a backend from a location URI.
//
// Supported schemes:
//   - mem:// - in-process storage for tests and simulation
//   - file:///path - local filesystem storage
//   - s3://[ACCESS:SECRET@]bucket/prefix?region=...&endpoint=... - object storage
//   - ipfs://host:port/?dir=/aura - IPFS mutable filesystem
//   - vault://host:port/mount/path?token=... - HashiCorp Vault KV
func (f *Factory) BackendFor(locationURI string) (namedBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem":
		return NewMemoryBackend(), nil
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + "/" + strings.TrimPrefix(path, "/")
		}
		if path == "" {
			return nil, fmt.Errorf("empty path in file URI: %s", locationURI)
		}
		return NewFileBackend(path, f.log)
	case "s3":
		query := u.Query()
		region := query.Get("region")
		if region == "" {
			region = "us-east-1"
		}
		var accessKey, secretKey string
		if u.User != nil {
			accessKey = u.User.Username()
			secretKey, _ = u.User.Password()
		}
		return NewS3Backend(u.Host, strings.TrimPrefix(u.Path, "/"), region, query.Get("endpoint"), accessKey, secretKey, f.log)
	case "ipfs":
		port := u.Port()
		if port == "" {
			port = "5001"
		}
		return NewIPFSBackend(u.Hostname(), port, u.Query().Get("dir"), f.log)
	case "vault":
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if len(parts) < 2 {
			return nil, fmt.Errorf("vault URI must be vault://host:port/mount/path, got %s", locationURI)
		}
		address := "https://" + u.Host
		if u.Query().Get("insecure") == "true" {
			address = "http://" + u.Host
		}
		return NewVaultBackend(address, parts[0], parts[1], u.Query().Get("token"), f.log)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", u.Scheme)
	}
}

// MultiBackendFor creates a redundant backend from a list of URIs,
// skipping URIs that fail to construct. At least one must succeed.
func (f *Factory) MultiBackendFor(locationURIs []string) (*MultiBackend, error) {
	backends := make([]namedBackend, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := f.BackendFor(uri)
		if err != nil {
			f.log.Warn("Failed to create storage backend", "err", err, "locationURI", uri)
			continue
		}
		backends = append(backends, backend)
	}
	return NewMultiBackend(backends, f.log)
}
