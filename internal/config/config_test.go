package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EOS_JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, ":8787", cfg.Addr)
	require.Equal(t, "./data/eos.db", cfg.DatabasePath)
	require.Equal(t, 12*time.Hour, cfg.SessionTTL)
	require.Equal(t, 10, cfg.BcryptCost)
	require.Equal(t, "587", cfg.SMTPPort)
	require.Equal(t, 4, cfg.EmailConcurrency)

	policy := cfg.RetryPolicy()
	require.Equal(t, 100*time.Millisecond, policy.InitialDelay)
	require.Equal(t, 2.0, policy.Multiplier)
	require.Equal(t, 5, policy.MaxRetries)
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("EOS_JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("EOS_SESSION_TTL", "30m")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")

	cfg, err := Load([]string{"--addr=:9000", "--retry-max=2"})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, 2, cfg.RetryMax)
	require.Equal(t, "redis://localhost:6379/1", cfg.RedisURL)
}

func TestLoadDevSecret(t *testing.T) {
	t.Setenv("EOS_JWT_SECRET", "")
	t.Setenv("EOS_DEV", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, devJWTSecret, cfg.JWTSecret)
}

func TestLoadRequiresSecretOutsideDev(t *testing.T) {
	t.Setenv("EOS_JWT_SECRET", "")
	t.Setenv("EOS_DEV", "false")

	_, err := Load(nil)
	require.ErrorContains(t, err, "EOS_JWT_SECRET")
}

func TestCheck(t *testing.T) {
	base := Config{
		DatabasePath:     "eos.db",
		JWTSecret:        "0123456789abcdef",
		SessionTTL:       time.Hour,
		BcryptCost:       10,
		RetryInitial:     time.Millisecond,
		RetryMultiplier:  2,
		SessionCacheSize: 10,
		EmailConcurrency: 1,
	}
	require.NoError(t, base.Check())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.JWTSecret = "short" }},
		{"bcrypt cost", func(c *Config) { c.BcryptCost = 99 }},
		{"multiplier", func(c *Config) { c.RetryMultiplier = 0.5 }},
		{"smtp port", func(c *Config) { c.SMTPPort = "smtp" }},
		{"groups without email", func(c *Config) { c.TrustedGroupsHeader = "X-Groups" }},
		{"both financial sources", func(c *Config) { c.FinancialsDir = "d"; c.FinancialsBucket = "b"; c.MinioEndpoint = "m" }},
		{"bucket without endpoint", func(c *Config) { c.FinancialsBucket = "b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			require.Error(t, c.Check())
		})
	}
}
