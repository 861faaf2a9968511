package knight

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestParseConfigFromEnv(t *testing.T) {
	t.Setenv("KNIGHT_HOST", "127.0.0.1")
	t.Setenv("KNIGHT_HTTP_PORT", "9090")
	t.Setenv("KNIGHT_WWW", "/srv/www")
	t.Setenv("KNIGHT_LOG", "/var/log/knight.log")
	t.Setenv("KNIGHT_LOG_LEVEL", "debug")
	t.Setenv("KNIGHT_IDLE_TIMEOUT", "250ms")
	t.Setenv("KNIGHT_COMPRESS", "false")
	t.Setenv("KNIGHT_MAX_BODY_BYTES", "42")

	cfg, err := ParseConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/srv/www", cfg.WWW)
	assert.Equal(t, "/var/log/knight.log", cfg.LogPath)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.IdleTimeout)
	assert.False(t, cfg.Compress)
	assert.Equal(t, 42, cfg.MaxBodyBytes)
	assert.Equal(t, "127.0.0.1:9090", cfg.Address())
}

func TestParseConfigRejectsGarbage(t *testing.T) {
	t.Setenv("KNIGHT_HTTP_PORT", "eighty")
	_, err := ParseConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse environment")
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	plain := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"executable cgi", func(c *Config) { c.CGIPath = script }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, false},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }, false},
		{"zero header limit", func(c *Config) { c.MaxHeaderBytes = 0 }, false},
		{"no events", func(c *Config) { c.MaxEvents = 0 }, false},
		{"negative idle", func(c *Config) { c.IdleTimeout = -time.Second }, false},
		{"missing cgi", func(c *Config) { c.CGIPath = filepath.Join(dir, "nope") }, false},
		{"cgi not executable", func(c *Config) { c.CGIPath = plain }, false},
		{"cgi is directory", func(c *Config) { c.CGIPath = dir }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

func TestAddressIPv6(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host, cfg.Port = "::1", 80
	assert.Equal(t, "[::1]:80", cfg.Address())
}

func TestNewServerValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = -1
	_, err := NewServer(cfg)
	require.ErrorIs(t, err, ErrInvalidArgument)

	s, err := NewServer(DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, s.Addr())
	assert.Equal(t, DefaultConfig(), s.Config())
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = zapcore.WarnLevel
	l, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}
