package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripestore/osd/testutil"
)

func loadFromString(t *testing.T, content string) (*NodeConfig, error) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	return LoadNodeConfig(testutil.TempFile(t, dir, "osd.yaml", content))
}

func TestLoadNodeConfig(t *testing.T) {
	content := `
node_id: "osd-1"
listen: "10.0.0.1:32640"
gmax_listen: "10.0.0.1:32641"
metrics_listen: ":9100"
data_dir: "/srv/osd"
storage:
  layout: single_file
  checksums: true
  max_object_size: "2MiB"
workers: 8
peer_timeout: "750ms"
gmax:
  rate_limit: 500
  rate_burst: 50
peer_compression: true
peers:
  osd-2:
    http: "10.0.0.2:32640"
    udp: "10.0.0.2:32641"
`
	cfg, err := loadFromString(t, content)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "osd-1", cfg.NodeID)
	assert.Equal(t, "10.0.0.1:32641", cfg.GmaxListen)
	assert.Equal(t, "/srv/osd", cfg.DataDir)
	assert.Equal(t, "single_file", cfg.Storage.Layout)
	assert.True(t, cfg.Storage.Checksums)
	assert.Equal(t, int64(2<<20), cfg.Storage.MaxObjectSizeBytes())
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 750*time.Millisecond, cfg.PeerTimeoutDuration())
	assert.Equal(t, 500.0, cfg.Gmax.RateLimit)
	assert.Equal(t, 50, cfg.Gmax.RateBurst)
	assert.True(t, cfg.PeerCompression)
	assert.Equal(t, PeerEndpoint{HTTP: "10.0.0.2:32640", UDP: "10.0.0.2:32641"}, cfg.Peers["osd-2"])
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	cfg, err := loadFromString(t, `node_id: "osd-1"`)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":32640", cfg.Listen)
	assert.Equal(t, ":32640", cfg.GmaxListen)
	assert.Empty(t, cfg.MetricsListen)
	assert.Equal(t, "/var/lib/stripestore", cfg.DataDir)
	assert.Equal(t, "hashed", cfg.Storage.Layout)
	assert.Equal(t, "xxhash", cfg.Storage.ChecksumAlgorithm)
	assert.Zero(t, cfg.Storage.MaxObjectSizeBytes())
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.PeerTimeoutDuration())
	assert.Equal(t, 1000, cfg.Gmax.RateBurst)
}

func TestLoadNodeConfig_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := loadFromString(t, "node_id: osd-1\ndata_dir: ~/osd-data\n")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "osd-data"), cfg.DataDir)
}

func TestLoadNodeConfig_Errors(t *testing.T) {
	_, err := LoadNodeConfig("/nonexistent/path/osd.yaml")
	assert.Error(t, err)

	tests := map[string]string{
		"invalid yaml":     "node_id: [invalid yaml\n",
		"bad object size":  "node_id: a\nstorage:\n  max_object_size: lots\n",
		"bad peer timeout": "node_id: a\npeer_timeout: soon\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadFromString(t, content)
			assert.Error(t, err)
		})
	}
}

func TestNodeConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"missing node id", "listen: ':1'\n", "node_id is required"},
		{"bad listen", "node_id: a\nlisten: nope\n", "invalid listen address"},
		{"bad metrics listen", "node_id: a\nmetrics_listen: nope\n", "invalid metrics_listen"},
		{"unknown layout", "node_id: a\nstorage:\n  layout: btree\n", "unknown storage.layout"},
		{"unknown checksum", "node_id: a\nstorage:\n  checksum_algorithm: md5\n", "checksum_algorithm"},
		{"negative workers", "node_id: a\nworkers: -1\n", "workers must be at least 1"},
		{"zero peer timeout", "node_id: a\npeer_timeout: 0s\n", "peer_timeout must be positive"},
		{"self in peers", "node_id: a\npeers:\n  a:\n    http: 'h:1'\n    udp: 'h:2'\n", "must not contain this node"},
		{"peer missing udp", "node_id: a\npeers:\n  b:\n    http: 'h:1'\n", "needs both http and udp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadFromString(t, tt.content)
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
