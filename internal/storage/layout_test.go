package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStripe = 2048

func TestMain(m *testing.M) {
	_ = os.Setenv("STRIPESTORE_TEST", "1")
	os.Exit(m.Run())
}

// forEachLayout runs fn against both physical layouts.
func forEachLayout(t *testing.T, checksums bool, fn func(t *testing.T, l Layout)) {
	for _, name := range []string{LayoutHashed, LayoutSingleFile} {
		t.Run(name, func(t *testing.T) {
			l, err := Open(Options{
				Layout:    name,
				DataDir:   t.TempDir(),
				Checksums: checksums,
				Logger:    zerolog.Nop(),
			})
			require.NoError(t, err)
			assert.Equal(t, name, l.Name())
			fn(t, l)
		})
	}
}

func TestOpenUnknownLayout(t *testing.T) {
	_, err := Open(Options{Layout: "striped-raid", DataDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrUnknownLayout)
}

func TestLayoutWriteRead(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		data := bytes.Repeat([]byte{'x'}, 1024)
		_, err := l.WriteObject("vol:1", 0, data, 1, 0, testStripe, "")
		require.NoError(t, err)

		oi, err := l.ReadObject("vol:1", 0, 1, "", testStripe)
		require.NoError(t, err)
		assert.Equal(t, StatusExists, oi.Status)
		assert.Equal(t, data, oi.Data)
		assert.True(t, l.FileExists("vol:1"))
	})
}

func TestLayoutReadMissing(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		oi, err := l.ReadObject("vol:1", 3, 1, "", testStripe)
		require.NoError(t, err)
		assert.Equal(t, StatusDoesNotExist, oi.Status)
		assert.Nil(t, oi.Data)
		assert.False(t, l.FileExists("vol:1"))
	})
}

func TestLayoutWriteZeroExtends(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		payload := bytes.Repeat([]byte{0xAB}, 1024)
		_, err := l.WriteObject("vol:2", 0, payload, 1, 1024, testStripe, "")
		require.NoError(t, err)

		oi, err := l.ReadObject("vol:2", 0, 1, "", testStripe)
		require.NoError(t, err)
		require.Len(t, oi.Data, 2048)
		assert.Equal(t, make([]byte, 1024), oi.Data[:1024])
		assert.Equal(t, payload, oi.Data[1024:])
	})
}

func TestLayoutSequentialBlocks(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		for i, c := range []byte{'A', 'B', 'C', 'D'} {
			_, err := l.WriteObject("vol:3", 0, bytes.Repeat([]byte{c}, 512), 1, int64(i)*512, testStripe, "")
			require.NoError(t, err)
		}

		oi, err := l.ReadObject("vol:3", 0, 1, "", testStripe)
		require.NoError(t, err)

		first := oi.ObjectData(true, 0, 512)
		assert.Equal(t, bytes.Repeat([]byte{'A'}, 512), first.Data)
		third := oi.ObjectData(true, 1024, 512)
		assert.Equal(t, bytes.Repeat([]byte{'C'}, 512), third.Data)
	})
}

func TestLayoutRejectsOversizedWrite(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		_, err := l.WriteObject("vol:4", 0, make([]byte, 100), 1, testStripe-50, testStripe, "")
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
}

func TestLayoutTruncate(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		data := make([]byte, 1024)
		for i := range data {
			data[i] = byte(i % 251)
		}
		_, err := l.WriteObject("vol:5", 0, data, 1, 0, testStripe, "")
		require.NoError(t, err)

		require.NoError(t, l.TruncateObject("vol:5", 0, 1, 512, testStripe, ""))
		oi, err := l.ReadObject("vol:5", 0, 1, "", testStripe)
		require.NoError(t, err)
		assert.Equal(t, data[:512], oi.Data)

		// Extending again must expose zeros, not the truncated bytes.
		require.NoError(t, l.TruncateObject("vol:5", 0, 1, 1024, testStripe, ""))
		oi, err = l.ReadObject("vol:5", 0, 1, "", testStripe)
		require.NoError(t, err)
		require.Len(t, oi.Data, 1024)
		assert.Equal(t, data[:512], oi.Data[:512])
		assert.Equal(t, make([]byte, 512), oi.Data[512:])
	})
}

func TestLayoutTruncateCreatesObject(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		require.NoError(t, l.TruncateObject("vol:6", 3, 1, testStripe, testStripe, ""))
		oi, err := l.ReadObject("vol:6", 3, 1, "", testStripe)
		require.NoError(t, err)
		assert.Equal(t, StatusExists, oi.Status)
		assert.Equal(t, make([]byte, testStripe), oi.Data)
	})
}

func TestLayoutPaddingObject(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		require.NoError(t, l.CreatePaddingObject("vol:7", 2, 1, testStripe))

		oi, err := l.ReadObject("vol:7", 2, 1, "", testStripe)
		require.NoError(t, err)
		assert.Equal(t, StatusPadded, oi.Status)

		res := oi.ObjectData(false, 0, testStripe)
		assert.Nil(t, res.Data)
		assert.Equal(t, int64(testStripe), res.ZeroPadding)

		// Writing into padding keeps the rest of the object zero.
		_, err = l.WriteObject("vol:7", 2, []byte("hi"), 1, 10, testStripe, "")
		require.NoError(t, err)
		oi, err = l.ReadObject("vol:7", 2, 1, "", testStripe)
		require.NoError(t, err)
		require.Len(t, oi.Data, testStripe)
		assert.Equal(t, []byte("hi"), oi.Data[10:12])
		assert.Equal(t, byte(0), oi.Data[0])
		assert.Equal(t, byte(0), oi.Data[testStripe-1])
	})
}

func TestLayoutChecksums(t *testing.T) {
	forEachLayout(t, true, func(t *testing.T, l Layout) {
		full := bytes.Repeat([]byte{'z'}, testStripe)
		sum, err := l.WriteObject("vol:8", 0, full, 1, 0, testStripe, "")
		require.NoError(t, err)
		assert.NotEmpty(t, sum)

		oi, err := l.ReadObject("vol:8", 0, 1, sum, testStripe)
		require.NoError(t, err)
		assert.Equal(t, sum, oi.Checksum)
		assert.False(t, oi.InvalidChecksum)

		// Partial writes are not checksummed.
		partial, err := l.WriteObject("vol:8", 0, []byte("abc"), 1, 5, testStripe, sum)
		require.NoError(t, err)
		assert.Empty(t, partial)
		oi, err = l.ReadObject("vol:8", 0, 1, "", testStripe)
		require.NoError(t, err)
		assert.Empty(t, oi.Checksum)
		assert.False(t, oi.InvalidChecksum)
	})
}

func TestLayoutDetectsCorruption(t *testing.T) {
	forEachLayout(t, true, func(t *testing.T, l Layout) {
		full := bytes.Repeat([]byte{'q'}, testStripe)
		sum, err := l.WriteObject("vol:9", 0, full, 1, 0, testStripe, "")
		require.NoError(t, err)

		corrupted := bytes.Repeat([]byte{'q'}, testStripe)
		corrupted[17] = 'r'
		switch l.(type) {
		case *HashedLayout:
			path := filepath.Join(l.FileDir("vol:9"), objectName(0, 1, sum))
			require.NoError(t, os.WriteFile(path, corrupted, 0644))
		case *SingleFileLayout:
			// The first slot of a fresh data file starts at offset 0.
			f, err := os.OpenFile(filepath.Join(l.FileDir("vol:9"), dataFileName), os.O_WRONLY, 0644)
			require.NoError(t, err)
			_, err = f.WriteAt([]byte{'r'}, 17)
			require.NoError(t, err)
			require.NoError(t, f.Close())
		}

		oi, err := l.ReadObject("vol:9", 0, 1, sum, testStripe)
		require.NoError(t, err)
		assert.True(t, oi.InvalidChecksum)
		assert.Equal(t, corrupted, oi.Data)
	})
}

func TestHashedLayoutWarnsOnStaleCopy(t *testing.T) {
	var logs bytes.Buffer
	l, err := NewHashedLayout(t.TempDir(), Options{Logger: zerolog.New(&logs)})
	require.NoError(t, err)

	l.removeStale(filepath.Join(t.TempDir(), "missing"), "vol:1", 0, 1)
	assert.Empty(t, logs.String())

	// A non-empty directory cannot be removed with os.Remove.
	busy := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(busy, "x"), nil, 0644))
	l.removeStale(busy, "vol:1", 0, 1)
	assert.Contains(t, logs.String(), "stale object copy not removed")
	assert.Contains(t, logs.String(), `"file_id":"vol:1"`)
}

func TestLayoutDotFileIDsStayInFileDir(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		for _, id := range []string{"keep", ".", ".."} {
			_, err := l.WriteObject(id, 0, []byte(id), 1, 0, testStripe, "")
			require.NoError(t, err)
		}
		assert.Equal(t, "%2E", filepath.Base(l.FileDir(".")))
		assert.Equal(t, "%2E.", filepath.Base(l.FileDir("..")))

		ids, err := l.FileIDs()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"keep", ".", ".."}, ids)

		require.NoError(t, l.DeleteAllObjects(".."))
		assert.False(t, l.FileExists(".."))
		require.NoError(t, l.DeleteAllObjects("."))
		assert.False(t, l.FileExists("."))

		assert.True(t, l.FileExists("keep"))
		oi, err := l.ReadObject("keep", 0, 1, "", testStripe)
		require.NoError(t, err)
		assert.Equal(t, []byte("keep"), oi.Data)
	})
}

func TestLayoutVersionsAndDelete(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		_, err := l.WriteObject("vol:10", 0, []byte("v1"), 1, 0, testStripe, "")
		require.NoError(t, err)
		_, err = l.WriteObject("vol:10", 0, []byte("v2"), 2, 0, testStripe, "")
		require.NoError(t, err)
		_, err = l.WriteObject("vol:10", 4, []byte("other"), 1, 0, testStripe, "")
		require.NoError(t, err)

		entries, err := l.ListObjects("vol:10")
		require.NoError(t, err)
		assert.Len(t, entries, 3)

		latest := LatestVersions(entries)
		assert.Equal(t, int64(2), latest[0].Version)
		assert.Equal(t, int64(5), latest[4].Length)

		set, err := l.ObjectSet("vol:10")
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 4}, set.Members())

		require.NoError(t, l.DeleteObject("vol:10", 0, 1, ""))
		assert.ErrorIs(t, l.DeleteObject("vol:10", 0, 1, ""), ErrObjectNotFound)

		oi, err := l.ReadObject("vol:10", 0, 2, "", testStripe)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), oi.Data)

		require.NoError(t, l.DeleteAllObjects("vol:10"))
		assert.False(t, l.FileExists("vol:10"))
		assert.ErrorIs(t, l.DeleteAllObjects("vol:10"), ErrFileNotFound)
	})
}

func TestLayoutFileIDsAndMetadata(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		_, found, err := l.LoadMetadata("a/b")
		require.NoError(t, err)
		assert.False(t, found)

		md := Metadata{LastObjectNumber: 3, FileSize: 7000, TruncateEpoch: 2}
		require.NoError(t, l.SaveMetadata("a/b", md))
		_, err = l.WriteObject("c:d", 0, []byte("x"), 1, 0, testStripe, "")
		require.NoError(t, err)

		got, found, err := l.LoadMetadata("a/b")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, md, got)

		ids, err := l.FileIDs()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a/b", "c:d"}, ids)
	})
}

func TestSingleFileLayoutReusesSlots(t *testing.T) {
	dir := t.TempDir()
	l, err := NewSingleFileLayout(dir, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = l.WriteObject("f", 0, []byte("one"), 1, 0, testStripe, "")
	require.NoError(t, err)
	_, err = l.WriteObject("f", 1, []byte("two"), 1, 0, testStripe, "")
	require.NoError(t, err)
	require.NoError(t, l.DeleteObject("f", 0, 1, ""))
	_, err = l.WriteObject("f", 2, []byte("three"), 1, 0, testStripe, "")
	require.NoError(t, err)

	entries, err := l.ListObjects("f")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(0), entries[1].Offset, "freed slot is reused")

	// A fresh layout instance reads the persisted index.
	l2, err := NewSingleFileLayout(dir, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	oi, err := l2.ReadObject("f", 2, 1, "", testStripe)
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), oi.Data)

	_, err = l2.WriteObject("f", 3, []byte("x"), 1, 0, 4096, "")
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestCollectStats(t *testing.T) {
	forEachLayout(t, false, func(t *testing.T, l Layout) {
		_, err := l.WriteObject("a", 0, make([]byte, 100), 1, 0, testStripe, "")
		require.NoError(t, err)
		require.NoError(t, l.CreatePaddingObject("a", 1, 1, testStripe))
		_, err = l.WriteObject("b", 0, make([]byte, 10), 1, 0, testStripe, "")
		require.NoError(t, err)
		_, err = l.WriteObject("b", 0, make([]byte, 20), 2, 0, testStripe, "")
		require.NoError(t, err)
		require.NoError(t, l.SaveMetadata("c", Metadata{LastObjectNumber: -1}))

		st, err := CollectStats(l)
		require.NoError(t, err)
		assert.Equal(t, Stats{Files: 2, Objects: 4, Bytes: 130}, st)
	})
}
