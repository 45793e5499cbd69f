package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.yaml")

	p, err := Load(path, nil)
	require.NoError(t, err)

	s := p.Snapshot()
	assert.Equal(t, "http://localhost:11434", s.EndpointURL)
	assert.Equal(t, 30_000, s.TimeoutMs)
	assert.Equal(t, 3, s.MaxConcurrentRequests)
	assert.Equal(t, 3, s.MaxRetryAttempts)
	assert.Empty(t, s.ModelName)
	assert.Empty(t, s.RateLimitOverrides)
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.yaml")
	writeSettings(t, path, `
endpoint_url: http://localhost:9999
model_name: llama3
timeout_ms: 5000
max_retry_attempts: 1
rate_limit_overrides:
  completion: 20
  health: 2
`)

	p, err := Load(path, nil)
	require.NoError(t, err)

	s := p.Snapshot()
	assert.Equal(t, "http://localhost:9999", s.EndpointURL)
	assert.Equal(t, "llama3", s.ModelName)
	assert.Equal(t, 5000, s.TimeoutMs)
	assert.Equal(t, 1, s.MaxRetryAttempts)
	assert.Equal(t, 3, s.MaxConcurrentRequests, "unset keys keep their defaults")
	assert.Equal(t, map[string]int{"completion": 20, "health": 2}, s.RateLimitOverrides)
}

func TestReload_NotifiesSubscribers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.yaml")
	writeSettings(t, path, "endpoint_url: http://localhost:9999\n")

	p, err := Load(path, nil)
	require.NoError(t, err)

	var got []Settings
	p.Subscribe(func(s Settings) { got = append(got, s) })

	writeSettings(t, path, "endpoint_url: http://localhost:8888\n")
	require.NoError(t, p.v.ReadInConfig())
	p.reload()

	require.Len(t, got, 1)
	assert.Equal(t, "http://localhost:8888", got[0].EndpointURL)
	assert.Equal(t, "http://localhost:8888", p.Snapshot().EndpointURL)
}

func TestReload_SubscriberPanicIsContained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.yaml")
	writeSettings(t, path, "endpoint_url: http://localhost:9999\n")

	p, err := Load(path, nil)
	require.NoError(t, err)

	p.Subscribe(func(Settings) { panic("subscriber bug") })
	var notified bool
	p.Subscribe(func(Settings) { notified = true })

	assert.NotPanics(t, func() { p.reload() })
	assert.True(t, notified, "a panicking subscriber must not starve the rest")
}
