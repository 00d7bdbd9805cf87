// Package versioning keeps the copy-on-write history of a file: an
// append-only log of committed file versions and an index of the object
// versions written between them.
package versioning

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// fileVersionRecordSize is timestamp(8) + firstObject(8) + objectCount(8).
const fileVersionRecordSize = 24

// ErrNonMonotonic is returned when a file version does not advance the clock.
var ErrNonMonotonic = errors.New("file version timestamp not increasing")

// FileVersion is one committed state of a file. The zero value is the
// "no version" sentinel.
type FileVersion struct {
	Timestamp   int64 `json:"timestamp"`
	FirstObject int64 `json:"first_object"`
	ObjectCount int64 `json:"object_count"`
}

// Contains reports whether obj was part of the file in this version.
func (v FileVersion) Contains(obj int64) bool {
	return obj >= v.FirstObject && obj < v.FirstObject+v.ObjectCount
}

func (v FileVersion) marshal() []byte {
	buf := make([]byte, fileVersionRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(v.Timestamp))
	binary.BigEndian.PutUint64(buf[8:16], uint64(v.FirstObject))
	binary.BigEndian.PutUint64(buf[16:24], uint64(v.ObjectCount))
	return buf
}

func unmarshalFileVersion(buf []byte) FileVersion {
	return FileVersion{
		Timestamp:   int64(binary.BigEndian.Uint64(buf[0:8])),
		FirstObject: int64(binary.BigEndian.Uint64(buf[8:16])),
		ObjectCount: int64(binary.BigEndian.Uint64(buf[16:24])),
	}
}

// FileVersionLog is the persisted, timestamp-ordered list of file versions.
// It is not safe for concurrent use.
type FileVersionLog struct {
	path     string
	versions []FileVersion
}

// OpenFileVersionLog opens the log at path, loading existing records.
func OpenFileVersionLog(path string) (*FileVersionLog, error) {
	l := &FileVersionLog{path: path}
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load rebuilds the in-memory index from disk. A torn trailing record left
// by a crash is ignored.
func (l *FileVersionLog) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.versions = nil
			return nil
		}
		return fmt.Errorf("read version log: %w", err)
	}

	n := len(data) / fileVersionRecordSize
	if len(data)%fileVersionRecordSize != 0 {
		if err := os.Truncate(l.path, int64(n*fileVersionRecordSize)); err != nil {
			return fmt.Errorf("drop torn record: %w", err)
		}
	}
	versions := make([]FileVersion, 0, n)
	for i := 0; i < n; i++ {
		versions = append(versions, unmarshalFileVersion(data[i*fileVersionRecordSize:]))
	}
	l.versions = versions
	return nil
}

// Append adds v at the end of the log.
func (l *FileVersionLog) Append(v FileVersion) error {
	if n := len(l.versions); n > 0 && v.Timestamp <= l.versions[n-1].Timestamp {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonic, v.Timestamp, l.versions[n-1].Timestamp)
	}
	if v.Timestamp <= 0 {
		return fmt.Errorf("%w: %d", ErrNonMonotonic, v.Timestamp)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open version log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(v.marshal()); err != nil {
		return fmt.Errorf("append version: %w", err)
	}
	if err := syncFile(f); err != nil {
		return fmt.Errorf("sync version log: %w", err)
	}
	l.versions = append(l.versions, v)
	return nil
}

// LatestBefore returns the newest version with Timestamp <= ts, or the zero
// FileVersion if there is none.
func (l *FileVersionLog) LatestBefore(ts int64) FileVersion {
	i := sort.Search(len(l.versions), func(i int) bool {
		return l.versions[i].Timestamp > ts
	})
	if i == 0 {
		return FileVersion{}
	}
	return l.versions[i-1]
}

// Latest returns the newest version or the zero FileVersion.
func (l *FileVersionLog) Latest() FileVersion {
	if len(l.versions) == 0 {
		return FileVersion{}
	}
	return l.versions[len(l.versions)-1]
}

// Versions returns a copy of all records in log order.
func (l *FileVersionLog) Versions() []FileVersion {
	out := make([]FileVersion, len(l.versions))
	copy(out, l.versions)
	return out
}

// Len returns the number of records.
func (l *FileVersionLog) Len() int {
	return len(l.versions)
}

// Purge keeps, for each snapshot timestamp, the newest version at or before
// it, plus the latest version, and rewrites the log with just those. It
// returns the retained timestamps in ascending order.
func (l *FileVersionLog) Purge(snapshots []int64) ([]int64, error) {
	if len(l.versions) == 0 {
		return nil, nil
	}

	keep := map[int64]struct{}{l.Latest().Timestamp: {}}
	for _, ts := range snapshots {
		if v := l.LatestBefore(ts); v.Timestamp != 0 {
			keep[v.Timestamp] = struct{}{}
		}
	}

	retained := make([]FileVersion, 0, len(keep))
	for _, v := range l.versions {
		if _, ok := keep[v.Timestamp]; ok {
			retained = append(retained, v)
		}
	}

	buf := make([]byte, 0, len(retained)*fileVersionRecordSize)
	for _, v := range retained {
		buf = append(buf, v.marshal()...)
	}
	if err := rewriteFile(l.path, buf); err != nil {
		return nil, fmt.Errorf("rewrite version log: %w", err)
	}
	l.versions = retained

	out := make([]int64, len(retained))
	for i, v := range retained {
		out[i] = v.Timestamp
	}
	return out, nil
}

func syncFile(f *os.File) error {
	if os.Getenv("STRIPESTORE_TEST") != "" {
		return nil
	}
	return f.Sync()
}

// rewriteFile atomically replaces path with data.
func rewriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".log-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := syncFile(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
