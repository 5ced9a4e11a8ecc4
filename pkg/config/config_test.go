package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg, err := Config{}.Normalize()
	require.NoError(t, err)
	def := DefaultConfig()
	require.Equal(t, def.Codec, cfg.Codec)
	require.Equal(t, def.CallTimeout, cfg.CallTimeout)
	require.Equal(t, def.MaxFrameSize, cfg.MaxFrameSize)
	require.Equal(t, def.Breaker.Cooldown, cfg.Breaker.Cooldown)
	require.Zero(t, cfg.Breaker.Threshold, "zero threshold disables the breaker")

	_, err = Config{Codec: "json"}.Normalize()
	require.Error(t, err)

	cfg, err = Config{Codec: "FRAME", CallTimeout: time.Second}.Normalize()
	require.NoError(t, err)
	require.Equal(t, CodecFrame, cfg.Codec)
	require.Equal(t, time.Second, cfg.CallTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NIP55_CODEC", "frame")
	t.Setenv("NIP55_CALL_TIMEOUT", "250ms")
	t.Setenv("NIP55_DIAL_TIMEOUT", "not-a-duration")
	t.Setenv("NIP55_BREAKER_THRESHOLD", "0")
	t.Setenv("NIP55_RATE_LIMIT", "2.5")
	t.Setenv("NIP55_ALLOW_UIDS", "1000, 10123")

	cfg := LoadFromEnv(DefaultConfig())
	require.Equal(t, CodecFrame, cfg.Codec)
	require.Equal(t, 250*time.Millisecond, cfg.CallTimeout)
	require.Equal(t, DefaultConfig().DialTimeout, cfg.DialTimeout)
	require.Equal(t, 0, cfg.Breaker.Threshold)
	require.Equal(t, 2.5, cfg.RateLimit)
	require.Equal(t, []uint32{1000, 10123}, cfg.AllowUIDs)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nip55.yaml")
	content := []byte("codec: frame\ncall_timeout: 5s\nbreaker:\n  threshold: 5\nallow_uids: [10001]\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, CodecFrame, cfg.Codec)
	require.Equal(t, 5*time.Second, cfg.CallTimeout)
	require.Equal(t, 5, cfg.Breaker.Threshold)
	require.Equal(t, time.Second, cfg.Breaker.Cooldown)
	require.Equal(t, []uint32{10001}, cfg.AllowUIDs)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
