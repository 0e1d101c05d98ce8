package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/hxrts/aura/interfaces"
)

// VaultBackend stores records in a HashiCorp Vault KV v2 mount. Records
// live flat under a data path with the record key as the secret name.
type VaultBackend struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultBackend creates a Vault backend. Token auth is taken from the
// standard VAULT_TOKEN environment or the supplied token.
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &VaultBackend{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

func (b *VaultBackend) secretPath(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, key)
}

func (b *VaultBackend) metadataPath() string {
	return fmt.Sprintf("%s/metadata/%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) Store(ctx context.Context, key string, value []byte) error {
	payload := map[string]any{
		"data": map[string]any{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	}
	if _, err := b.client.Logical().WriteWithContext(ctx, b.secretPath(key), payload); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "vault write", err)
	}
	return nil
}

func (b *VaultBackend) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, b.secretPath(key))
	if err != nil {
		return nil, false, interfaces.Wrap(interfaces.KindStorageFailure, "vault read", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, false, nil
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, false, nil
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, false, interfaces.E(interfaces.KindStorageFailure, "vault record missing value field")
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, interfaces.Wrap(interfaces.KindStorageFailure, "vault record decode", err)
	}
	return value, true, nil
}

func (b *VaultBackend) Remove(ctx context.Context, key string) error {
	if _, err := b.client.Logical().DeleteWithContext(ctx, b.secretPath(key)); err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "vault delete", err)
	}
	return nil
}

func (b *VaultBackend) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := b.client.Logical().ListWithContext(ctx, b.metadataPath())
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "vault list", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]any)
	if !ok {
		return nil, nil
	}
	var keys []string
	for _, item := range raw {
		if key, ok := item.(string); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Name identifies this backend in logs.
func (b *VaultBackend) Name() string { return "vault" }
