package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/sdp-client/pkg/oauth"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultServiceURL, cfg.ServiceURL)
	assert.Equal(t, oauth.DefaultTokenURL, cfg.OAuth.TokenURL)
	assert.Equal(t, oauth.DefaultExpiryWindow, cfg.OAuth.ExpiryWindow)
	assert.False(t, cfg.OAuth.ServeStaleOnFailure)
	assert.Equal(t, 60, cfg.RateLimit.Calls)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 50, cfg.PageSize)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SDP_SERVICE_URL", "https://sdp.example.com/")
	t.Setenv("SDP_RATE_LIMIT_CALLS", "10")
	t.Setenv("SDP_RATE_LIMIT_WINDOW", "5s")
	t.Setenv("SDP_TOKEN_EXPIRY_WINDOW", "300s")
	t.Setenv("SDP_SERVE_STALE_TOKEN", "true")
	t.Setenv("SDP_REDIS_ADDR", "localhost:6379")
	t.Setenv("SDP_REDIS_DB", "3")
	t.Setenv("SDP_CLIENT_ID", "1000.ABC")
	t.Setenv("SDP_LOG_PRETTY", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://sdp.example.com", cfg.ServiceURL, "trailing slash trimmed")
	assert.Equal(t, 10, cfg.RateLimit.Calls)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 5*time.Minute, cfg.OAuth.ExpiryWindow)
	assert.True(t, cfg.OAuth.ServeStaleOnFailure)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "1000.ABC", cfg.Client.ID)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SDP_PAGE_SIZE=25\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SDP_PAGE_SIZE") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.PageSize)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "sdp.yaml")
	content := `
service_url: https://desk.example.org
page_size: 100
rate_limit:
  calls: 5
  window: 2s
client:
  id: file-client
  secret: file-secret
  refresh_token: file-refresh
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("SDP_RATE_LIMIT_CALLS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://desk.example.org", cfg.ServiceURL)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 7, cfg.RateLimit.Calls, "environment overrides file")
	assert.Equal(t, 2*time.Second, cfg.RateLimit.Window)
	assert.NoError(t, cfg.RequireCredentials())
	assert.Equal(t, oauth.Credentials{ID: "file-client", Secret: "file-secret", RefreshToken: "file-refresh"}, cfg.Client.Credentials())
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Error("Load() should fail for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"relative service url", "service_url", "/api/v3"},
		{"bad token url", "token_url", "accounts"},
		{"zero calls", "rate_limit.calls", 0},
		{"negative window", "rate_limit.window", -time.Second},
		{"negative expiry window", "token_expiry_window", -time.Second},
		{"zero timeout", "http_timeout", 0},
		{"page size too large", "page_size", 101},
		{"zero page size", "page_size", 0},
		{"negative redis db", "redis.db", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.val)

			_, err := FromViper(v)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("FromViper() error = %v, want %v", err, ErrInvalid)
			}
		})
	}
}

func TestRequireCredentials(t *testing.T) {
	cfg := Config{Client: ClientConfig{ID: "id"}}

	err := cfg.RequireCredentials()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "client.secret, client.refresh_token")
}
