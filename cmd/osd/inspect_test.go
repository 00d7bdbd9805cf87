package main

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripestore/osd/internal/osd"
	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/striping"
	"github.com/stripestore/osd/internal/versioning"
	"github.com/stripestore/osd/testutil"
)

func TestMain(m *testing.M) {
	_ = os.Setenv("STRIPESTORE_TEST", "1")
	os.Exit(m.Run())
}

func TestInspect(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	layout, err := storage.Open(storage.Options{DataDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	exec, err := osd.NewExecutor(osd.Config{
		NodeID: "osd-1",
		Layout: layout,
		Now:    func() time.Time { return time.UnixMilli(1700000000000) },
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	exec.Start()

	ctx := context.Background()
	policy := striping.NewPolicy(4096, 1)
	_, err = exec.Write(ctx, osd.WriteRequest{
		FileID: "vol:1",
		Object: 2,
		Policy: policy,
		Data:   []byte("hello"),
		Cow:    versioning.CowPolicy{Mode: versioning.COWOnce},
	})
	require.NoError(t, err)
	require.NoError(t, exec.CloseFile(ctx, "vol:1"))
	exec.Stop()

	var out bytes.Buffer
	require.NoError(t, inspect(&out, layout, "vol:1"))

	text := out.String()
	assert.Contains(t, text, "file vol:1 (hashed layout)")
	assert.Contains(t, text, "last object:    2")
	assert.Contains(t, text, "1700000000001")
	assert.Contains(t, text, "0-2")
}

func TestInspectMissingFile(t *testing.T) {
	layout, err := storage.Open(storage.Options{DataDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = inspect(&bytes.Buffer{}, layout, "nope")
	assert.ErrorIs(t, err, osd.ErrFileNotFound)
}
