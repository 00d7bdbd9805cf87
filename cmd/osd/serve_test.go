package main

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripestore/osd/internal/config"
	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/testutil"
)

func TestServeStartsAndStops(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	listen := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))
	content := fmt.Sprintf("node_id: osd-1\nlisten: %q\ngmax_listen: %q\ndata_dir: %q\n",
		listen, testutil.FreeUDPAddr(t), dir)
	cfg, err := config.LoadNodeConfig(testutil.TempFile(t, dir, "osd.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	layout, err := storage.Open(storage.Options{DataDir: cfg.DataDir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, layout) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listen + "/livez")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
