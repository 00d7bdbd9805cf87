package peernet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripestore/osd/internal/osd"
	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/striping"
)

func TestMain(m *testing.M) {
	_ = os.Setenv("STRIPESTORE_TEST", "1")
	os.Exit(m.Run())
}

func TestGmaxDatagramRoundTrip(t *testing.T) {
	d := &GmaxDatagram{FileID: "vol:1234", Gmax: osd.Gmax{Epoch: 3, LastObject: -1, FileSize: 0}}
	pkt, err := d.Marshal()
	require.NoError(t, err)
	assert.Len(t, pkt, DatagramHeaderSize+len("vol:1234"))

	got, err := UnmarshalGmaxDatagram(pkt)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestGmaxDatagramRejectsMalformed(t *testing.T) {
	valid, err := (&GmaxDatagram{FileID: "f", Gmax: osd.Gmax{LastObject: 1, FileSize: 10}}).Marshal()
	require.NoError(t, err)

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 0
	badVersion := append([]byte(nil), valid...)
	badVersion[2] = 9

	tests := map[string][]byte{
		"short":        valid[:DatagramHeaderSize-1],
		"bad magic":    badMagic,
		"bad version":  badVersion,
		"truncated id": valid[:DatagramHeaderSize],
		"trailing":     append(append([]byte(nil), valid...), 'x'),
	}
	for name, pkt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalGmaxDatagram(pkt)
			assert.ErrorIs(t, err, ErrBadDatagram)
		})
	}

	_, err = (&GmaxDatagram{FileID: strings.Repeat("x", MaxFileIDLength+1)}).Marshal()
	assert.ErrorIs(t, err, ErrBadDatagram)
}

// fakeEngine records requests and returns a configured error.
type fakeEngine struct {
	mu        sync.Mutex
	err       error
	truncates []osd.TruncateRequest
	deletes   []osd.DeleteRequest
	gmax      osd.Gmax
}

func (f *fakeEngine) Truncate(_ context.Context, req osd.TruncateRequest) (*osd.TruncateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.truncates = append(f.truncates, req)
	return &osd.TruncateResponse{FileSize: req.NewFileSize, TruncateEpoch: req.Epoch}, nil
}

func (f *fakeEngine) DeleteObjects(_ context.Context, req osd.DeleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deletes = append(f.deletes, req)
	return nil
}

func (f *fakeEngine) InternalFetchGmax(context.Context, string, striping.Locations) (osd.Gmax, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gmax, f.err
}

func newTestClient(t *testing.T, nodeID string, dir Directory, compress bool) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{NodeID: nodeID, Directory: dir, Compress: compress, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientServerRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			engine := &fakeEngine{gmax: osd.Gmax{Epoch: 2, LastObject: 7, FileSize: 7000}}
			srv := httptest.NewServer(NewServer("osd-b", engine, zerolog.Nop()))
			defer srv.Close()

			c := newTestClient(t, "osd-a", StaticDirectory{"osd-b": {HTTP: srv.URL}}, compress)
			ctx := context.Background()
			locs := striping.SingleReplica(striping.NewPolicy(1024, 2), "osd-a", "osd-b")

			g, err := c.FetchGmax(ctx, "osd-b", "dir/file 1", locs)
			require.NoError(t, err)
			assert.Equal(t, engine.gmax, g)

			err = c.DisseminateTruncate(ctx, "osd-b", osd.TruncateRequest{FileID: "f", NewFileSize: 10, Locations: locs, Epoch: 4})
			require.NoError(t, err)
			require.NoError(t, c.DisseminateDelete(ctx, "osd-b", osd.DeleteRequest{FileID: "f", Locations: locs}))

			require.Len(t, engine.truncates, 1)
			assert.True(t, engine.truncates[0].Internal)
			assert.Equal(t, int64(4), engine.truncates[0].Epoch)
			assert.Equal(t, locs, engine.truncates[0].Locations)
			require.Len(t, engine.deletes, 1)
			assert.True(t, engine.deletes[0].Internal)
		})
	}
}

func TestClientRebuildsEngineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"redirect", &osd.RedirectError{Head: "osd-a"}, osd.ErrRedirect},
		{"stale epoch", &osd.StaleEpochError{Requested: 1, Current: 2}, osd.ErrStaleEpoch},
		{"not found", osd.ErrFileNotFound, osd.ErrFileNotFound},
		{"invalid", osd.ErrInvalidArgument, osd.ErrInvalidArgument},
		{"closed", osd.ErrExecutorClosed, osd.ErrExecutorClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(NewServer("osd-b", &fakeEngine{err: tt.err}, zerolog.Nop()))
			defer srv.Close()
			c := newTestClient(t, "osd-a", StaticDirectory{"osd-b": {HTTP: srv.URL}}, false)

			err := c.DisseminateTruncate(context.Background(), "osd-b", osd.TruncateRequest{FileID: "f"})
			assert.ErrorIs(t, err, tt.target)
		})
	}

	srv := httptest.NewServer(NewServer("osd-b", &fakeEngine{err: &osd.RedirectError{Head: "osd-h"}}, zerolog.Nop()))
	defer srv.Close()
	c := newTestClient(t, "osd-a", StaticDirectory{"osd-b": {HTTP: srv.URL}}, false)
	err := c.DisseminateDelete(context.Background(), "osd-b", osd.DeleteRequest{FileID: "f"})
	var redirect *osd.RedirectError
	require.True(t, errors.As(err, &redirect))
	assert.Equal(t, "osd-h", redirect.Head)
}

func TestClientUnknownNode(t *testing.T) {
	c := newTestClient(t, "osd-a", StaticDirectory{}, false)
	_, err := c.FetchGmax(context.Background(), "nobody", "f", striping.Locations{})
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.ErrorIs(t, c.SendGmax(context.Background(), "nobody", "f", osd.Gmax{}), ErrUnknownNode)
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	srv := httptest.NewServer(NewServer("osd-b", &fakeEngine{}, zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/livez")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bodies := map[string]string{
		"not json":      "{",
		"wrong type":    `{"version":1,"type":"delete","id":"x"}`,
		"wrong version": `{"version":99,"type":"truncate","id":"x"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/truncate", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			msg, err := readMessage(resp.Body, "")
			require.NoError(t, err)
			assert.Equal(t, MessageTypeError, msg.Type)
		})
	}
}

func TestServerCompressesRepliesToZstdRequests(t *testing.T) {
	engine := &fakeEngine{gmax: osd.Gmax{Epoch: 1, LastObject: 3, FileSize: 4000}}
	srv := httptest.NewServer(NewServer("osd-b", engine, zerolog.Nop()))
	defer srv.Close()

	msg, err := newMessage(MessageTypeFetchGmax, "", "osd-a", FetchGmaxPayload{})
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	for _, encoding := range []string{"", encodingZstd} {
		t.Run("encoding="+encoding, func(t *testing.T) {
			data := body
			if encoding == encodingZstd {
				data = compress(body)
			}
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/gmax/f", bytes.NewReader(data))
			require.NoError(t, err)
			req.Header.Set("Content-Encoding", encoding)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, encoding, resp.Header.Get("Content-Encoding"))

			reply, err := readMessage(resp.Body, resp.Header.Get("Content-Encoding"))
			require.NoError(t, err)
			assert.Equal(t, msg.ID, reply.ID)
			var g osd.Gmax
			require.NoError(t, reply.decode(MessageTypeAck, &g))
			assert.Equal(t, engine.gmax, g)
		})
	}
}

type chanSink chan GmaxDatagram

func (s chanSink) GmaxReceived(fileID string, g osd.Gmax) error {
	s <- GmaxDatagram{FileID: fileID, Gmax: g}
	return nil
}

func startListener(t *testing.T, cfg ListenerConfig, sink GmaxSink) *GmaxListener {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = zerolog.Nop()
	l, err := ListenGmax(cfg, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return l
}

func TestGmaxListenerDeliversUpdates(t *testing.T) {
	sink := make(chanSink, 1)
	l := startListener(t, ListenerConfig{}, sink)
	c := newTestClient(t, "osd-a", StaticDirectory{"osd-b": {UDP: l.Addr().String()}}, false)

	g := osd.Gmax{Epoch: 1, LastObject: 4, FileSize: 4100}
	require.NoError(t, c.SendGmax(context.Background(), "osd-b", "f", g))

	select {
	case d := <-sink:
		assert.Equal(t, "f", d.FileID)
		assert.Equal(t, g, d.Gmax)
	case <-time.After(2 * time.Second):
		t.Fatal("gmax datagram not delivered")
	}
}

func TestGmaxListenerDropsExcess(t *testing.T) {
	sink := make(chanSink, 10)
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_gmax_dropped_total"})
	l := startListener(t, ListenerConfig{RateLimit: 0.001, RateBurst: 1, Dropped: dropped}, sink)
	c := newTestClient(t, "osd-a", StaticDirectory{"osd-b": {UDP: l.Addr().String()}}, false)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendGmax(context.Background(), "osd-b", "f", osd.Gmax{LastObject: int64(i)}))
	}

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(dropped) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sink, 1)
}

// node is an executor reachable over real HTTP and UDP sockets.
type node struct {
	exec *osd.Executor
}

func startNode(t *testing.T, id string, dir StaticDirectory) *node {
	t.Helper()
	layout, err := storage.Open(storage.Options{DataDir: t.TempDir(), Checksums: true, Logger: zerolog.Nop()})
	require.NoError(t, err)

	client := newTestClient(t, id, dir, true)
	exec, err := osd.NewExecutor(osd.Config{
		NodeID:      id,
		Layout:      layout,
		Peers:       client,
		Workers:     2,
		PeerTimeout: 2 * time.Second,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(exec.Stop)

	srv := httptest.NewServer(NewServer(id, exec, zerolog.Nop()))
	t.Cleanup(srv.Close)
	l := startListener(t, ListenerConfig{}, exec)

	dir[id] = Endpoint{HTTP: srv.URL, UDP: l.Addr().String()}
	return &node{exec: exec}
}

func TestExecutorsOverNetwork(t *testing.T) {
	dir := StaticDirectory{}
	a := startNode(t, "osd-a", dir)
	b := startNode(t, "osd-b", dir)
	ctx := context.Background()
	locs := striping.SingleReplica(striping.NewPolicy(1024, 2), "osd-a", "osd-b")

	_, err := a.exec.Write(ctx, osd.WriteRequest{FileID: "f", Object: 0, Locations: locs, Data: make([]byte, 1024)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		g, err := b.exec.InternalFetchGmax(ctx, "f", locs)
		return err == nil && g.FileSize == 1024
	}, 2*time.Second, 10*time.Millisecond)

	_, err = a.exec.Truncate(ctx, osd.TruncateRequest{FileID: "f", NewFileSize: 3*1024 + 10, Locations: locs, Epoch: 1})
	require.NoError(t, err)

	g, err := b.exec.InternalFetchGmax(ctx, "f", locs)
	require.NoError(t, err)
	assert.Equal(t, osd.Gmax{Epoch: 1, LastObject: 3, FileSize: 3*1024 + 10}, g)

	hole, err := a.exec.Read(ctx, osd.ReadRequest{FileID: "f", Object: 2, Locations: locs})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), hole.ZeroPadding)

	require.NoError(t, a.exec.DeleteObjects(ctx, osd.DeleteRequest{FileID: "f", Locations: locs}))
	size, err := b.exec.GetFileSize(ctx, "f", striping.Policy{}, locs)
	require.NoError(t, err)
	assert.Zero(t, size)
}
