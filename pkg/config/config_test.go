package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	require.Equal(t, "8080", cfg.Server.Addr)
	require.Equal(t, "postgres", cfg.Database.Type)
	require.Equal(t, 3, cfg.Ledger.MaxRetries)
	require.EqualValues(t, 100, cfg.Ledger.WelcomeBonus)
	require.EqualValues(t, 500, cfg.Ledger.AgencyTrialCredits)
	require.Equal(t, 5*time.Minute, cfg.Distribution.LockTTL)
	require.True(t, cfg.Distribution.ScheduleEnabled)
	require.False(t, cfg.Entitlement.AutoCompensate)
}

func TestApplySecrets(t *testing.T) {
	var cfg Config
	cfg.Database.User = "from-file"
	cfg.Redis.Password = "from-file"

	applySecrets(&cfg, map[string]string{
		"database_user":     "vault-user",
		"database_password": "vault-pass",
		"redis_password":    "",
		"unrelated":         "ignored",
	})

	require.Equal(t, "vault-user", cfg.Database.User)
	require.Equal(t, "vault-pass", cfg.Database.Password)
	require.Equal(t, "from-file", cfg.Redis.Password)
}
