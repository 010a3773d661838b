package config

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseKeepsDefaults(t *testing.T) {
	c, err := Parse([]byte(`
log_level: warn
identity:
  rpc_url: https://eth.example
`))
	require.NoError(t, err)
	assert.Equal(t, "warn", c.LogLevel)
	assert.Equal(t, "https://eth.example", c.Identity.RPCURL)
	assert.Equal(t, 4, c.Identity.Concurrency)
	assert.Equal(t, BackendMemory, c.Session.Backend)
	assert.Len(t, c.Networks, 8)
	assert.False(t, c.Kafka.Enabled())
}

func TestParseNetworksOverride(t *testing.T) {
	c, err := Parse([]byte(`
networks:
  - key: ethereum
    name: Ethereum
    chain_id: "1"
    allowed: true
  - key: polygon
    name: Polygon
    chain_id: "0x89"
    allowed: false
connect:
  request_timeout: 30s
`))
	require.NoError(t, err)
	require.Len(t, c.Networks, 2)
	assert.Equal(t, "polygon", c.Networks[1].Key)
	assert.Equal(t, 30*time.Second, c.Connect.RequestTimeout)
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte("session:\n  backend: redis\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("session:\n  backend: postgres\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("session:\n  backend: etcd\n"))
	assert.Error(t, err)

	_, err = Parse([]byte(`
networks:
  - key: a
    chain_id: "0x1"
  - key: b
    chain_id: "1"
`))
	assert.Error(t, err)

	c, err := Parse([]byte(`
session:
  backend: redis
redis:
  address: 127.0.0.1
  port: "6379"
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", c.RedisCredential.GetRedisAddress())
}

func TestLoad(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  listen: \":9090\"\n"), 0644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.HTTP.Listen)
	assert.Equal(t, 60, c.HTTP.RateLimitPerMinute)
}

func TestShippedConfigParses(t *testing.T) {
	c, err := Load("config.yml")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.Identity.LookupTimeout)
}
