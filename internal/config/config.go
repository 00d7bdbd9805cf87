// Package config handles configuration loading and validation for an OSD node.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/stripestore/osd/internal/checksum"
	"github.com/stripestore/osd/internal/storage"
)

// StorageConfig selects the on-disk layout.
type StorageConfig struct {
	Layout            string `yaml:"layout"`             // hashed | single_file
	Checksums         bool   `yaml:"checksums"`          // verify object checksums on read
	ChecksumAlgorithm string `yaml:"checksum_algorithm"` // default: xxhash
	MaxObjectSize     string `yaml:"max_object_size"`    // human size, e.g. "1MiB"; empty means unlimited

	maxObjectSize int64
}

// MaxObjectSizeBytes returns the parsed max_object_size.
func (s StorageConfig) MaxObjectSizeBytes() int64 {
	return s.maxObjectSize
}

// GmaxConfig limits inbound gmax datagrams.
type GmaxConfig struct {
	RateLimit float64 `yaml:"rate_limit"` // datagrams per second, 0 means unlimited
	RateBurst int     `yaml:"rate_burst"`
}

// PeerEndpoint is where another node listens.
type PeerEndpoint struct {
	HTTP string `yaml:"http"`
	UDP  string `yaml:"udp"`
}

// NodeConfig holds configuration for an OSD node.
type NodeConfig struct {
	NodeID          string                  `yaml:"node_id"`
	Listen          string                  `yaml:"listen"`         // peer HTTP API
	GmaxListen      string                  `yaml:"gmax_listen"`    // UDP gmax datagrams
	MetricsListen   string                  `yaml:"metrics_listen"` // empty disables the metrics server
	DataDir         string                  `yaml:"data_dir"`
	Storage         StorageConfig           `yaml:"storage"`
	Workers         int                     `yaml:"workers"`
	QueueSize       int                     `yaml:"queue_size"`
	PeerTimeout     string                  `yaml:"peer_timeout"` // Duration string, e.g. "5s"
	Gmax            GmaxConfig              `yaml:"gmax"`
	PeerCompression bool                    `yaml:"peer_compression"`
	Peers           map[string]PeerEndpoint `yaml:"peers"`

	peerTimeout time.Duration
}

// PeerTimeoutDuration returns the parsed peer_timeout.
func (c *NodeConfig) PeerTimeoutDuration() time.Duration {
	return c.peerTimeout
}

// LoadNodeConfig loads node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":32640"
	}
	if cfg.GmaxListen == "" {
		cfg.GmaxListen = ":32640"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/stripestore"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(cfg.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(homeDir, cfg.DataDir[2:])
		}
	}
	if cfg.Storage.Layout == "" {
		cfg.Storage.Layout = storage.LayoutHashed
	}
	if cfg.Storage.ChecksumAlgorithm == "" {
		cfg.Storage.ChecksumAlgorithm = "xxhash"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.PeerTimeout == "" {
		cfg.PeerTimeout = "5s"
	}
	if cfg.Gmax.RateBurst == 0 {
		cfg.Gmax.RateBurst = 1000
	}

	if cfg.Storage.MaxObjectSize != "" {
		n, err := units.RAMInBytes(cfg.Storage.MaxObjectSize)
		if err != nil {
			return nil, fmt.Errorf("invalid storage.max_object_size: %w", err)
		}
		cfg.Storage.maxObjectSize = n
	}
	d, err := time.ParseDuration(cfg.PeerTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid peer_timeout: %w", err)
	}
	cfg.peerTimeout = d

	return cfg, nil
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.GmaxListen); err != nil {
		return fmt.Errorf("invalid gmax_listen address: %w", err)
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("invalid metrics_listen address: %w", err)
		}
	}
	switch c.Storage.Layout {
	case storage.LayoutHashed, storage.LayoutSingleFile:
	default:
		return fmt.Errorf("unknown storage.layout %q", c.Storage.Layout)
	}
	if _, err := checksum.ByName(c.Storage.ChecksumAlgorithm); err != nil {
		return fmt.Errorf("invalid storage.checksum_algorithm: %w", err)
	}
	if c.Storage.maxObjectSize < 0 {
		return fmt.Errorf("storage.max_object_size must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	if c.peerTimeout <= 0 {
		return fmt.Errorf("peer_timeout must be positive")
	}
	if c.Gmax.RateLimit < 0 {
		return fmt.Errorf("gmax.rate_limit must not be negative")
	}
	for id, ep := range c.Peers {
		if id == c.NodeID {
			return fmt.Errorf("peers must not contain this node (%s)", id)
		}
		if ep.HTTP == "" || ep.UDP == "" {
			return fmt.Errorf("peer %s needs both http and udp addresses", id)
		}
	}
	return nil
}
