package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap"
	"github.com/hyp3rd/replimap/internal/sentinel"
)

const sample = `
map: sessions
strategy: full-mesh
serializer: json
state_transfer_timeout: 3s
node:
  id: a
  addr: 127.0.0.1:7001
transport:
  kind: http
  send_timeout: 500ms
  compression: true
  peers:
    - id: b
      addr: 127.0.0.1:7002
    - addr: 127.0.0.1:7003
discovery:
  endpoints: [127.0.0.1:2379]
management:
  addr: 127.0.0.1:8080
  token: secret
log:
  level: debug
`

func TestParseOverlaysDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sample))
	assert.NoError(t, err)

	assert.Equal(t, "sessions", cfg.Map)
	assert.Equal(t, 3*time.Second, cfg.StateTransferTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.SendTimeout)
	assert.Equal(t, time.Second, cfg.Transport.Heartbeat)
	assert.Equal(t, 1024, cfg.Transport.CompressFrom)
	assert.Equal(t, "/replimap", cfg.Discovery.Prefix)
	assert.Equal(t, "sessions", cfg.RedisGroup())

	strategy, err := cfg.ReplicationStrategy()
	assert.NoError(t, err)
	assert.Equal(t, replimap.FullMesh, strategy)

	local, err := cfg.LocalMember()
	assert.NoError(t, err)
	assert.Equal(t, "a", string(local.ID))
	assert.Equal(t, 7001, local.Port)

	peers, err := cfg.Peers()
	assert.NoError(t, err)
	assert.Equal(t, 2, len(peers))
	assert.Equal(t, "b", string(peers[0].ID))
	// an empty id is derived from the address
	assert.True(t, peers[1].ID != "")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "node.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "json", cfg.Serializer)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, err != nil)
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing node addr", yaml: "node: {id: a}"},
		{name: "bad strategy", yaml: "strategy: ring\nnode: {addr: 127.0.0.1:1}"},
		{name: "bad serializer", yaml: "serializer: gob\nnode: {addr: 127.0.0.1:1}"},
		{name: "bad transport", yaml: "transport: {kind: udp}\nnode: {addr: 127.0.0.1:1}"},
		{name: "dead before suspect", yaml: "transport: {suspect_after: 5s, dead_after: 2s}\nnode: {addr: 127.0.0.1:1}"},
		{name: "peer without port", yaml: "transport: {peers: [{addr: nowhere}]}\nnode: {addr: 127.0.0.1:1}"},
		{name: "redis without addr", yaml: "transport: {kind: redis}\nnode: {addr: 127.0.0.1:1}"},
		{name: "bad log level", yaml: "log: {level: loud}\nnode: {addr: 127.0.0.1:1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.yaml))
			assert.True(t, errors.Is(err, sentinel.ErrInvalidConfig))
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("map: [unterminated"))
	assert.True(t, err != nil)
	assert.False(t, errors.Is(err, sentinel.ErrInvalidConfig))
}
