package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/invoice-qa-engine/internal/config"
)

func TestResolveDSN_PrefersFlagOverConfigOverEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env")
	cfg := &config.Config{DatabaseURL: "postgres://config"}

	require.Equal(t, "postgres://flag", resolveDSN("postgres://flag", cfg))
	require.Equal(t, "postgres://config", resolveDSN("", cfg))
	require.Equal(t, "postgres://env", resolveDSN("", &config.Config{}))
}

func TestResolveDSN_EmptyWhenNothingConfigured(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	require.Equal(t, "", resolveDSN("", &config.Config{}))
	require.Equal(t, "", resolveDSN("", nil))
}

func TestResolveAddr_PrefersFlagOverConfigOverDefault(t *testing.T) {
	cfg := &config.Config{ListenAddr: ":9090"}
	require.Equal(t, ":7070", resolveAddr(":7070", cfg))
	require.Equal(t, ":9090", resolveAddr("", cfg))
	require.Equal(t, ":8080", resolveAddr("", &config.Config{}))
	require.Equal(t, ":8080", resolveAddr("", nil))
}
