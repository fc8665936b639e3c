package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/ddnet/internal/coordinator"
	"github.com/chronologos/ddnet/internal/multicast"
	"github.com/chronologos/ddnet/internal/transport"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	dir := filepath.Join(home, configDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configName+".toml"), []byte(body), 0o600))
}

func TestDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, transport.DefaultOptions(), cfg.Transport)
	assert.Equal(t, transport.DialTCP, cfg.Server.Mode)
	assert.True(t, cfg.Server.KeepAlive)
	assert.Equal(t, filepath.Join(home, ".ddnet", "games"), cfg.StorageDir)
	assert.Equal(t, coordinator.DefaultPollSettings, cfg.Poll)
	assert.Equal(t, multicast.DefaultGroup, cfg.Multicast.Group)
	assert.Equal(t, 11889, cfg.Multicast.Port)
	assert.Equal(t, 32, cfg.Multicast.TTL)
	assert.Equal(t, 5*time.Second, cfg.Presence.Heartbeat)
	assert.Equal(t, 10, cfg.Presence.Burst)
	assert.Empty(t, cfg.LobbyAddr)
}

func TestFileAndEnvironment(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfig(t, home, `
[server]
addr = "127.0.0.1:7000"
mode = "dual"
max_workers = 8

[presence]
heartbeat = "2s"
continuous = true
player = "ann"

[lobby]
addr = ":8080"
`)
	t.Setenv("DDNET_SERVER_MAX_WORKERS", "16")
	t.Setenv("DDNET_TRANSPORT_POLL_INTERVAL", "250ms")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, transport.DialDual, cfg.Server.Mode)
	assert.Equal(t, 16, cfg.Server.MaxWorkers, "environment beats the file")
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Presence.Heartbeat)
	assert.True(t, cfg.Presence.Continuous)
	assert.Equal(t, "ann", cfg.Presence.Player)
	assert.Equal(t, ":8080", cfg.LobbyAddr)
}

func TestExplicitValuesWin(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v := viper.New()
	v.Set(KeyStorageDir, "/srv/games")
	v.Set(KeyMulticastTTL, 1)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/srv/games", cfg.StorageDir)
	assert.Equal(t, 1, cfg.Multicast.TTL)
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value any
		want  string
	}{
		{KeyServerMode, "carrier-pigeon", "unknown transport mode"},
		{KeyReadTimeout, "0s", KeyReadTimeout + " must be positive"},
		{KeyServerMaxWorkers, 0, KeyServerMaxWorkers + " must be positive"},
		{KeyMulticastPort, 70000, KeyMulticastPort + " out of range"},
		{KeyMulticastTTL, 0, KeyMulticastTTL + " out of range"},
		{KeyPollWaitMin, 500, "exceeds " + KeyPollWaitMax},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			v := viper.New()
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestMalformedFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfig(t, home, "[server\naddr =")

	_, err := Load(viper.New())
	assert.ErrorContains(t, err, "read config file")
}
