package peernet

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownNode = errors.New("unknown node")

// Endpoint is where a node listens for peer traffic.
type Endpoint struct {
	HTTP string `json:"http" yaml:"http"` // host:port or base URL of the peer API
	UDP  string `json:"udp" yaml:"udp"`   // host:port of the gmax listener
}

// baseURL returns the HTTP endpoint with a scheme.
func (e Endpoint) baseURL() string {
	if strings.HasPrefix(e.HTTP, "http://") || strings.HasPrefix(e.HTTP, "https://") {
		return strings.TrimSuffix(e.HTTP, "/")
	}
	return "http://" + e.HTTP
}

// Directory resolves node IDs to endpoints.
type Directory interface {
	Lookup(nodeID string) (Endpoint, error)
}

// StaticDirectory is a fixed node ID to endpoint map.
type StaticDirectory map[string]Endpoint

func (d StaticDirectory) Lookup(nodeID string) (Endpoint, error) {
	ep, ok := d[nodeID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return ep, nil
}
