package osd

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/striping"
)

func TestMain(m *testing.M) {
	_ = os.Setenv("STRIPESTORE_TEST", "1")
	os.Exit(m.Run())
}

var testLayouts = []string{storage.LayoutHashed, storage.LayoutSingleFile}

// cluster is an in-memory peer transport connecting executors directly.
type cluster struct {
	mu        sync.Mutex
	nodes     map[string]*Executor
	down      map[string]bool
	datagrams bool
}

func newCluster() *cluster {
	return &cluster{nodes: make(map[string]*Executor), down: make(map[string]bool), datagrams: true}
}

func (c *cluster) node(id string) (*Executor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[id] {
		return nil, false
	}
	return c.nodes[id], true
}

func (c *cluster) setDown(id string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[id] = down
}

func (c *cluster) setDatagrams(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datagrams = on
}

func (c *cluster) SendGmax(_ context.Context, nodeID, fileID string, g Gmax) error {
	c.mu.Lock()
	on := c.datagrams
	c.mu.Unlock()
	e, ok := c.node(nodeID)
	if !on || !ok {
		return nil
	}
	return e.GmaxReceived(fileID, g)
}

func (c *cluster) FetchGmax(ctx context.Context, nodeID, fileID string, locs striping.Locations) (Gmax, error) {
	e, ok := c.node(nodeID)
	if !ok {
		<-ctx.Done()
		return Gmax{}, ctx.Err()
	}
	return e.InternalFetchGmax(ctx, fileID, locs)
}

func (c *cluster) DisseminateTruncate(ctx context.Context, nodeID string, req TruncateRequest) error {
	e, ok := c.node(nodeID)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := e.Truncate(ctx, req)
	return err
}

func (c *cluster) DisseminateDelete(ctx context.Context, nodeID string, req DeleteRequest) error {
	e, ok := c.node(nodeID)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return e.DeleteObjects(ctx, req)
}

type nodeOptions struct {
	layout      string
	peers       Peers
	peerTimeout time.Duration
	now         func() time.Time
	storage     storage.Layout
}

func newTestExecutor(t *testing.T, nodeID string, opts nodeOptions) *Executor {
	t.Helper()
	layout := opts.storage
	if layout == nil {
		var err error
		layout, err = storage.Open(storage.Options{
			Layout:    opts.layout,
			DataDir:   t.TempDir(),
			Checksums: true,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)
	}
	if opts.peerTimeout == 0 {
		opts.peerTimeout = 300 * time.Millisecond
	}

	e, err := NewExecutor(Config{
		NodeID:      nodeID,
		Layout:      layout,
		Peers:       opts.peers,
		Workers:     2,
		PeerTimeout: opts.peerTimeout,
		Now:         opts.now,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

// join adds a node to c.
func (c *cluster) join(t *testing.T, nodeID string, opts nodeOptions) *Executor {
	t.Helper()
	opts.peers = c
	e := newTestExecutor(t, nodeID, opts)
	c.mu.Lock()
	c.nodes[nodeID] = e
	c.mu.Unlock()
	return e
}

func fill(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
