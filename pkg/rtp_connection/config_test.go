package rtp_connection

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtp_connection/pkg/ice_agent"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "193.147.51.24", cfg.StunServer)
	assert.Equal(t, 3478, cfg.StunPort)
	assert.Equal(t, 10*time.Second, cfg.GatheringTimeout)
	assert.Equal(t, ice_agent.CompatibilityRFC5245, cfg.compatibility())
	assert.False(t, cfg.FailOnIceError)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtp.yaml")
	content := `stun_server: stun.example.org
stun_port: 19302
gathering_timeout: 2s
ice_compatibility: rfc8445
fail_on_ice_error: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "stun.example.org", cfg.StunServer)
	assert.Equal(t, 19302, cfg.StunPort)
	assert.Equal(t, 2*time.Second, cfg.GatheringTimeout)
	assert.Equal(t, ice_agent.CompatibilityRFC8445, cfg.compatibility())
	assert.True(t, cfg.FailOnIceError)

	// не заданные в файле поля получают значения по умолчанию
	assert.Equal(t, 1500, cfg.SocketBufferSize)
	assert.Equal(t, 46, cfg.DSCP)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("RTPCONN_STUN_SERVER", "")
	t.Setenv("RTPCONN_GATHERING_TIMEOUT", "750ms")
	t.Setenv("RTPCONN_ICE_INCLUDE_LOOPBACK", "true")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Empty(t, cfg.StunServer)
	assert.Equal(t, 750*time.Millisecond, cfg.GatheringTimeout)
	assert.True(t, cfg.IncludeLoopback)
	assert.Equal(t, "rfc5245", cfg.Compatibility)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("RTPCONN_ICE_COMPATIBILITY", "google")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"stun port", func(c *Config) { c.StunPort = 0 }},
		{"timeout", func(c *Config) { c.GatheringTimeout = -time.Second }},
		{"compatibility", func(c *Config) { c.Compatibility = "draft19" }},
		{"dscp", func(c *Config) { c.DSCP = 64 }},
		{"buffer", func(c *Config) { c.SocketBufferSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.StunServer = ""
	cfg.StunPort = 0
	assert.NoError(t, cfg.Validate(), "порт не проверяется без STUN сервера")
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("boom")
	err := WrapConnectionError(ErrorCodeIceSetupFailed, "conn-1", cause, "поток %s", "video")

	assert.Equal(t, "RTP Connection Error [3002 ice_setup_failed]: поток video (Connection: conn-1) - Wrapped: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsConnectionError(err, ErrorCodeIceSetupFailed))
	assert.False(t, IsConnectionError(err, ErrorCodeDisposed))
	assert.False(t, IsConnectionError(cause, ErrorCodeIceSetupFailed))

	plain := NewConnectionError(ErrorCodeNotYetInitialized, "нет среды")
	assert.Equal(t, "RTP Connection Error [3004 not_yet_initialized]: нет среды", plain.Error())
	assert.Equal(t, "unknown", ConnectionErrorCode(1).String())
}
