package main

import (
	"os"

	"estate-credits/pkg/hashistack/secretmanager"

	"go.uber.org/fx"
)

// vaultModule overlays secrets from Vault when VAULT_ADDR is set.
func vaultModule() fx.Option {
	if os.Getenv("VAULT_ADDR") == "" {
		return fx.Options()
	}
	return secretmanager.Module
}
