package secretmanager

import (
	"context"
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

const defaultMount = "secret"

// ProvideVault builds a client from the VAULT_* environment variables.
func ProvideVault() (*vault.Client, error) {
	return vault.New(
		vault.WithEnvironment(),
	)
}

// ReadKV returns the latest version of the KV v2 secret at path. The mount
// defaults to "secret" and can be overridden with VAULT_KV_MOUNT.
func ReadKV(ctx context.Context, client *vault.Client, path string) (map[string]string, error) {
	mount := os.Getenv("VAULT_KV_MOUNT")
	if mount == "" {
		mount = defaultMount
	}

	secret, err := client.Secrets.KvV2Read(ctx, path, vault.WithMountPath(mount))
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(secret.Data.Data))
	for k, v := range secret.Data.Data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}
