package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(43113), cfg.HomeNetwork)
	require.Equal(t, "file", cfg.Store.Driver)
	require.Equal(t, SignerKey, cfg.Signer.Mode)
	require.Equal(t, 30*time.Second, cfg.RefreshInterval)
	require.Equal(t, "none", cfg.Notify.Driver)
	require.Equal(t, ":8080", cfg.Listen)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raffle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: memory\nlisten: \":9000\"\nnotify-brokers:\n  - a:9092\n  - b:9092\n"), 0o644))

	t.Setenv("RAFFLE_LISTEN", ":9100")
	t.Setenv("RAFFLE_WALLET_KEY", "0xabc")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level", "debug"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, ":9100", cfg.Listen)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "0xabc", cfg.Signer.WalletKey)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Notify.Brokers)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("RAFFLE_STORE", "etcd")
	_, err := Load("", nil)
	require.Error(t, err)

	t.Setenv("RAFFLE_STORE", "redis")
	_, err = Load("", nil)
	require.ErrorContains(t, err, "redis-addr")

	t.Setenv("RAFFLE_STORE", "memory")
	t.Setenv("RAFFLE_SIGNER", "identity")
	_, err = Load("", nil)
	require.ErrorContains(t, err, "--identity")
}

func TestLoadWatch(t *testing.T) {
	t.Setenv("RAFFLE_WATCH_NETWORKS", "43113, 11155111")
	t.Setenv("RAFFLE_TOPIC0_LABELS", "0x01=Custom, bad")

	cfg, err := LoadWatch("", nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{43113, 11155111}, cfg.Networks)
	require.Equal(t, uint64(500), cfg.Window)
	require.False(t, cfg.HasFrom)
	require.Equal(t, map[string]string{"0x01": "Custom"}, cfg.Labels)

	t.Setenv("RAFFLE_WATCH_NETWORKS", "fuji")
	_, err = LoadWatch("", nil)
	require.Error(t, err)
}
