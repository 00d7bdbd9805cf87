package versioning

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	fileVersionLogName   = "versions.log"
	objectVersionLogName = "objversions.log"

	// op(1) + object(8) + version(8) + timestamp(8) + offset(8)
	objectRecordSize = 33

	opAdd    byte = 1
	opRemove byte = 2
)

// Kind classifies what a snapshot reader sees for an object.
type Kind int

const (
	// Missing means the object did not exist at the snapshot time.
	Missing Kind = iota
	// Padded means the object was a zero hole at the snapshot time.
	Padded
	// Concrete means a stored version is visible.
	Concrete
)

func (k Kind) String() string {
	switch k {
	case Missing:
		return "MISSING"
	case Padded:
		return "PADDED"
	case Concrete:
		return "CONCRETE"
	default:
		return "UNKNOWN"
	}
}

// ObjectVersion is one recorded write of an object, or a sentinel.
type ObjectVersion struct {
	Kind      Kind  `json:"kind"`
	Object    int64 `json:"object"`
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
	Offset    int64 `json:"offset"`
}

// Manager tracks file and object versions of one file. It is owned by a
// single storage worker and not safe for concurrent use.
type Manager struct {
	dir     string
	log     *FileVersionLog
	objects map[int64][]ObjectVersion // sorted by timestamp, then version
}

// Open loads the version state stored in dir.
func Open(dir string) (*Manager, error) {
	log, err := OpenFileVersionLog(filepath.Join(dir, fileVersionLogName))
	if err != nil {
		return nil, err
	}
	m := &Manager{dir: dir, log: log}
	if err := m.loadObjects(); err != nil {
		return nil, err
	}
	return m, nil
}

// Log returns the underlying file version log.
func (m *Manager) Log() *FileVersionLog {
	return m.log
}

// Exists reports whether any version state has been persisted in dir.
func Exists(dir string) bool {
	for _, name := range []string{fileVersionLogName, objectVersionLogName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func (m *Manager) objectLogPath() string {
	return filepath.Join(m.dir, objectVersionLogName)
}

func (m *Manager) loadObjects() error {
	m.objects = make(map[int64][]ObjectVersion)
	data, err := os.ReadFile(m.objectLogPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read object version log: %w", err)
	}

	for off := 0; off+objectRecordSize <= len(data); off += objectRecordSize {
		rec := data[off : off+objectRecordSize]
		ov := ObjectVersion{
			Kind:      Concrete,
			Object:    int64(binary.BigEndian.Uint64(rec[1:9])),
			Version:   int64(binary.BigEndian.Uint64(rec[9:17])),
			Timestamp: int64(binary.BigEndian.Uint64(rec[17:25])),
			Offset:    int64(binary.BigEndian.Uint64(rec[25:33])),
		}
		switch rec[0] {
		case opAdd:
			m.insert(ov)
		case opRemove:
			m.remove(ov.Object, ov.Version)
		}
	}
	return nil
}

func encodeObjectRecord(op byte, ov ObjectVersion) []byte {
	rec := make([]byte, objectRecordSize)
	rec[0] = op
	binary.BigEndian.PutUint64(rec[1:9], uint64(ov.Object))
	binary.BigEndian.PutUint64(rec[9:17], uint64(ov.Version))
	binary.BigEndian.PutUint64(rec[17:25], uint64(ov.Timestamp))
	binary.BigEndian.PutUint64(rec[25:33], uint64(ov.Offset))
	return rec
}

func (m *Manager) appendRecord(rec []byte) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create version dir: %w", err)
	}
	f, err := os.OpenFile(m.objectLogPath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open object version log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(rec); err != nil {
		return fmt.Errorf("append object version: %w", err)
	}
	return syncFile(f)
}

func (m *Manager) insert(ov ObjectVersion) {
	list := m.objects[ov.Object]
	for i, cur := range list {
		if cur.Version == ov.Version {
			list[i] = ov
			m.sortObject(ov.Object)
			return
		}
	}
	m.objects[ov.Object] = append(list, ov)
	m.sortObject(ov.Object)
}

func (m *Manager) sortObject(obj int64) {
	list := m.objects[obj]
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Timestamp != list[j].Timestamp {
			return list[i].Timestamp < list[j].Timestamp
		}
		return list[i].Version < list[j].Version
	})
}

func (m *Manager) remove(obj, version int64) bool {
	list := m.objects[obj]
	for i, cur := range list {
		if cur.Version == version {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m.objects, obj)
			} else {
				m.objects[obj] = list
			}
			return true
		}
	}
	return false
}

// CreateFileVersion commits the current state of the file at ts.
func (m *Manager) CreateFileVersion(ts, firstObject, objectCount int64) error {
	return m.log.Append(FileVersion{Timestamp: ts, FirstObject: firstObject, ObjectCount: objectCount})
}

// AddObjectVersionInfo records that version of obj was written at ts.
// offset is the layout's location hint for the version.
func (m *Manager) AddObjectVersionInfo(obj, version, ts, offset int64) error {
	ov := ObjectVersion{Kind: Concrete, Object: obj, Version: version, Timestamp: ts, Offset: offset}
	if err := m.appendRecord(encodeObjectRecord(opAdd, ov)); err != nil {
		return err
	}
	m.insert(ov)
	return nil
}

// RemoveObjectVersionInfo forgets one object version.
func (m *Manager) RemoveObjectVersionInfo(obj, version int64) error {
	if !m.remove(obj, version) {
		return nil
	}
	return m.appendRecord(encodeObjectRecord(opRemove, ObjectVersion{Object: obj, Version: version}))
}

// LatestObjectVersionBefore resolves what a snapshot taken at ts shows for
// obj. Versions above hint are ignored when hint > 0.
func (m *Manager) LatestObjectVersionBefore(obj, ts, hint int64) ObjectVersion {
	fv := m.log.LatestBefore(ts)
	if fv.Timestamp == 0 || !fv.Contains(obj) {
		return ObjectVersion{Kind: Missing, Object: obj}
	}

	list := m.objects[obj]
	for i := len(list) - 1; i >= 0; i-- {
		ov := list[i]
		if ov.Timestamp > fv.Timestamp {
			continue
		}
		if hint > 0 && ov.Version > hint {
			continue
		}
		return ov
	}
	return ObjectVersion{Kind: Padded, Object: obj}
}

// LargestObjectVersion returns the newest recorded version of obj regardless
// of file versions.
func (m *Manager) LargestObjectVersion(obj int64) ObjectVersion {
	var best ObjectVersion
	for _, ov := range m.objects[obj] {
		if best.Kind != Concrete || ov.Version > best.Version {
			best = ov
		}
	}
	if best.Kind != Concrete {
		return ObjectVersion{Kind: Missing, Object: obj}
	}
	return best
}

// NewestTimestamp returns the largest timestamp recorded for any file or
// object version, 0 if there is none.
func (m *Manager) NewestTimestamp() int64 {
	newest := m.log.Latest().Timestamp
	for _, list := range m.objects {
		if n := len(list); n > 0 && list[n-1].Timestamp > newest {
			newest = list[n-1].Timestamp
		}
	}
	return newest
}

// ObjectVersions returns the recorded versions of obj in time order.
func (m *Manager) ObjectVersions(obj int64) []ObjectVersion {
	out := make([]ObjectVersion, len(m.objects[obj]))
	copy(out, m.objects[obj])
	return out
}

// UnboundObjectVersions returns, per object, the versions no retained file
// version can reach. A version stays bound if it is the newest one at or
// before some retained timestamp, if it was written after the newest
// retained timestamp, or if it is the object's largest version.
func (m *Manager) UnboundObjectVersions(remaining []int64) map[int64][]ObjectVersion {
	ts := append([]int64(nil), remaining...)
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	var newest int64
	if len(ts) > 0 {
		newest = ts[len(ts)-1]
	}

	out := make(map[int64][]ObjectVersion)
	for obj, list := range m.objects {
		bound := make(map[int64]bool, len(ts)+1)
		bound[m.LargestObjectVersion(obj).Version] = true
		for _, t := range ts {
			for i := len(list) - 1; i >= 0; i-- {
				if list[i].Timestamp <= t {
					bound[list[i].Version] = true
					break
				}
			}
		}
		for _, ov := range list {
			if len(ts) > 0 && ov.Timestamp > newest {
				continue
			}
			if !bound[ov.Version] {
				out[obj] = append(out[obj], ov)
			}
		}
	}
	return out
}

// PurgeUnboundFileVersions keeps only the file versions needed for the given
// snapshot timestamps (plus the latest) and returns the retained timestamps.
func (m *Manager) PurgeUnboundFileVersions(snapshots []int64) ([]int64, error) {
	return m.log.Purge(snapshots)
}

// Compact rewrites the object version log with only live entries.
func (m *Manager) Compact() error {
	objs := make([]int64, 0, len(m.objects))
	for obj := range m.objects {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i] < objs[j] })

	var buf []byte
	for _, obj := range objs {
		for _, ov := range m.objects[obj] {
			buf = append(buf, encodeObjectRecord(opAdd, ov)...)
		}
	}
	if err := rewriteFile(m.objectLogPath(), buf); err != nil {
		return fmt.Errorf("compact object version log: %w", err)
	}
	return nil
}
