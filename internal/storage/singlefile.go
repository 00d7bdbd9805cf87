package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/checksum"
)

const (
	dataFileName  = "data"
	indexFileName = "index.json"
)

// slot is the location of one object version inside the data file.
type slot struct {
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum,omitempty"`
	Padding  bool   `json:"padding,omitempty"`
}

type fileIndex struct {
	SlotSize int64            `json:"slot_size"`
	Next     int64            `json:"next"`
	Free     []int64          `json:"free,omitempty"`
	Objects  map[string]*slot `json:"objects"`
}

func slotKey(obj, version int64) string {
	return strconv.FormatInt(obj, 10) + ":" + strconv.FormatInt(version, 10)
}

func parseSlotKey(k string) (int64, int64, bool) {
	a, b, ok := strings.Cut(k, ":")
	if !ok {
		return 0, 0, false
	}
	obj, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	ver, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return obj, ver, true
}

func (idx *fileIndex) allocate() int64 {
	if n := len(idx.Free); n > 0 {
		off := idx.Free[n-1]
		idx.Free = idx.Free[:n-1]
		return off
	}
	off := idx.Next
	idx.Next += idx.SlotSize
	return off
}

// SingleFileLayout keeps all object versions of a file in one data file,
// each in a slot of stripe size, located through a JSON index.
type SingleFileLayout struct {
	root      string
	checksums bool
	provider  checksum.Provider
	logger    zerolog.Logger

	mu      sync.Mutex
	indexes map[string]*fileIndex
}

// NewSingleFileLayout creates a one-file-per-fileId layout below root.
func NewSingleFileLayout(root string, opts Options) (*SingleFileLayout, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if opts.Provider == nil {
		opts.Provider = checksum.XXHash{}
	}
	return &SingleFileLayout{
		root:      root,
		checksums: opts.Checksums,
		provider:  opts.Provider,
		logger:    opts.Logger.With().Str("component", "single-file-layout").Logger(),
		indexes:   make(map[string]*fileIndex),
	}, nil
}

// Name implements Layout.
func (l *SingleFileLayout) Name() string { return LayoutSingleFile }

// FileDir implements Layout.
func (l *SingleFileLayout) FileDir(fileID string) string {
	return fileDir(l.root, fileID)
}

// index returns the cached index of fileID, loading it from disk on first use.
// With create set, a missing index is initialised for stripeSize.
func (l *SingleFileLayout) index(fileID string, stripeSize int64, create bool) (*fileIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.indexes[fileID]; ok {
		return idx, nil
	}

	data, err := os.ReadFile(filepath.Join(l.FileDir(fileID), indexFileName))
	switch {
	case err == nil:
		idx := &fileIndex{}
		if err := json.Unmarshal(data, idx); err != nil {
			return nil, fmt.Errorf("parse index: %w", err)
		}
		if idx.Objects == nil {
			idx.Objects = make(map[string]*slot)
		}
		l.indexes[fileID] = idx
		return idx, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read index: %w", err)
	case !create:
		return nil, nil
	}

	idx := &fileIndex{SlotSize: stripeSize, Objects: make(map[string]*slot)}
	l.indexes[fileID] = idx
	return idx, nil
}

func (l *SingleFileLayout) saveIndex(fileID string, idx *fileIndex) error {
	dir := l.FileDir(fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create file dir: %w", err)
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := syncedWriteFile(filepath.Join(dir, indexFileName), data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (l *SingleFileLayout) openData(fileID string) (*os.File, error) {
	dir := l.FileDir(fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create file dir: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, dataFileName), os.O_RDWR|os.O_CREATE, 0644)
}

func checkSlotSize(idx *fileIndex, stripeSize int64) error {
	if idx.SlotSize != stripeSize {
		return fmt.Errorf("%w: stripe size %d does not match slot size %d", ErrInvalidRange, stripeSize, idx.SlotSize)
	}
	return nil
}

// WriteObject implements Layout.
func (l *SingleFileLayout) WriteObject(fileID string, obj int64, data []byte, version, offset, stripeSize int64, _ string) (string, error) {
	if offset < 0 || offset+int64(len(data)) > stripeSize {
		return "", fmt.Errorf("%w: offset %d len %d stripe %d", ErrInvalidRange, offset, len(data), stripeSize)
	}
	idx, err := l.index(fileID, stripeSize, true)
	if err != nil {
		return "", err
	}
	if err := checkSlotSize(idx, stripeSize); err != nil {
		return "", err
	}

	key := slotKey(obj, version)
	s, ok := idx.Objects[key]
	if !ok {
		s = &slot{Offset: idx.allocate()}
		idx.Objects[key] = s
	}

	f, err := l.openData(fileID)
	if err != nil {
		return "", fmt.Errorf("open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if s.Padding {
		if _, err := f.WriteAt(make([]byte, stripeSize), s.Offset); err != nil {
			return "", fmt.Errorf("materialize padding: %w", err)
		}
		s.Padding = false
		s.Length = stripeSize
	} else if offset > s.Length {
		// The slot may hold bytes of a previously truncated version.
		if _, err := f.WriteAt(make([]byte, offset-s.Length), s.Offset+s.Length); err != nil {
			return "", fmt.Errorf("zero-fill gap: %w", err)
		}
	}
	if len(data) > 0 {
		if _, err := f.WriteAt(data, s.Offset+offset); err != nil {
			return "", fmt.Errorf("write object: %w", err)
		}
	}
	if end := offset + int64(len(data)); end > s.Length {
		s.Length = end
	}

	s.Checksum = ""
	if l.checksums && offset == 0 && int64(len(data)) == stripeSize {
		s.Checksum = l.provider.Compute(data)
	}
	if os.Getenv("STRIPESTORE_TEST") == "" {
		if err := f.Sync(); err != nil {
			return "", fmt.Errorf("sync data file: %w", err)
		}
	}
	if err := l.saveIndex(fileID, idx); err != nil {
		return "", err
	}
	return s.Checksum, nil
}

// ReadObject implements Layout.
func (l *SingleFileLayout) ReadObject(fileID string, obj, version int64, _ string, stripeSize int64) (*ObjectInformation, error) {
	oi := &ObjectInformation{Status: StatusDoesNotExist, StripeSize: stripeSize, Version: version}
	idx, err := l.index(fileID, stripeSize, false)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return oi, nil
	}
	s, ok := idx.Objects[slotKey(obj, version)]
	if !ok {
		return oi, nil
	}
	if s.Padding {
		oi.Status = StatusPadded
		return oi, nil
	}

	f, err := os.Open(filepath.Join(l.FileDir(fileID), dataFileName))
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, s.Length)
	if _, err := io.ReadFull(io.NewSectionReader(f, s.Offset, s.Length), buf); err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	oi.Status = StatusExists
	oi.Data = buf
	oi.Checksum = s.Checksum
	if l.checksums && s.Checksum != "" {
		if actual := l.provider.Compute(buf); actual != s.Checksum {
			oi.InvalidChecksum = true
			l.logger.Warn().
				Str("file_id", fileID).
				Int64("object", obj).
				Int64("version", version).
				Str("expected", s.Checksum).
				Str("actual", actual).
				Msg("object checksum mismatch")
		}
	}
	return oi, nil
}

// TruncateObject implements Layout.
func (l *SingleFileLayout) TruncateObject(fileID string, obj, version, newSize, stripeSize int64, _ string) error {
	if newSize < 0 || newSize > stripeSize {
		return fmt.Errorf("%w: size %d stripe %d", ErrInvalidRange, newSize, stripeSize)
	}
	idx, err := l.index(fileID, stripeSize, true)
	if err != nil {
		return err
	}
	if err := checkSlotSize(idx, stripeSize); err != nil {
		return err
	}

	key := slotKey(obj, version)
	s, ok := idx.Objects[key]
	if !ok {
		s = &slot{Offset: idx.allocate()}
		idx.Objects[key] = s
	}
	if s.Padding {
		s.Padding = false
		s.Length = 0
	}
	if newSize > s.Length {
		f, err := l.openData(fileID)
		if err != nil {
			return fmt.Errorf("open data file: %w", err)
		}
		_, werr := f.WriteAt(make([]byte, newSize-s.Length), s.Offset+s.Length)
		_ = f.Close()
		if werr != nil {
			return fmt.Errorf("zero-extend object: %w", werr)
		}
	}
	s.Length = newSize
	s.Checksum = ""
	return l.saveIndex(fileID, idx)
}

// CreatePaddingObject implements Layout.
func (l *SingleFileLayout) CreatePaddingObject(fileID string, obj, version, stripeSize int64) error {
	idx, err := l.index(fileID, stripeSize, true)
	if err != nil {
		return err
	}
	if err := checkSlotSize(idx, stripeSize); err != nil {
		return err
	}
	key := slotKey(obj, version)
	s, ok := idx.Objects[key]
	if !ok {
		s = &slot{Offset: idx.allocate()}
		idx.Objects[key] = s
	}
	s.Padding = true
	s.Length = 0
	s.Checksum = ""
	return l.saveIndex(fileID, idx)
}

// DeleteObject implements Layout.
func (l *SingleFileLayout) DeleteObject(fileID string, obj, version int64, _ string) error {
	idx, err := l.index(fileID, 0, false)
	if err != nil {
		return err
	}
	if idx == nil {
		return ErrObjectNotFound
	}
	key := slotKey(obj, version)
	s, ok := idx.Objects[key]
	if !ok {
		return ErrObjectNotFound
	}
	delete(idx.Objects, key)
	idx.Free = append(idx.Free, s.Offset)
	return l.saveIndex(fileID, idx)
}

// DeleteAllObjects implements Layout.
func (l *SingleFileLayout) DeleteAllObjects(fileID string) error {
	dir := l.FileDir(fileID)
	l.mu.Lock()
	delete(l.indexes, fileID)
	l.mu.Unlock()

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrFileNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// FileExists implements Layout.
func (l *SingleFileLayout) FileExists(fileID string) bool {
	_, err := os.Stat(l.FileDir(fileID))
	return err == nil
}

// ListObjects implements Layout.
func (l *SingleFileLayout) ListObjects(fileID string) ([]ObjectEntry, error) {
	idx, err := l.index(fileID, 0, false)
	if err != nil || idx == nil {
		return nil, err
	}
	out := make([]ObjectEntry, 0, len(idx.Objects))
	for k, s := range idx.Objects {
		obj, ver, ok := parseSlotKey(k)
		if !ok {
			continue
		}
		out = append(out, ObjectEntry{
			Object:   obj,
			Version:  ver,
			Length:   s.Length,
			Checksum: s.Checksum,
			Padding:  s.Padding,
			Offset:   s.Offset,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Object != out[j].Object {
			return out[i].Object < out[j].Object
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// ObjectSet implements Layout.
func (l *SingleFileLayout) ObjectSet(fileID string) (*Bitmap, error) {
	entries, err := l.ListObjects(fileID)
	if err != nil {
		return nil, err
	}
	b := NewBitmap()
	for _, e := range entries {
		b.Set(e.Object)
	}
	return b, nil
}

// FileIDs implements Layout.
func (l *SingleFileLayout) FileIDs() ([]string, error) {
	return listFileIDs(l.root)
}

// LoadMetadata implements Layout.
func (l *SingleFileLayout) LoadMetadata(fileID string) (Metadata, bool, error) {
	return loadMetadata(l.FileDir(fileID))
}

// SaveMetadata implements Layout.
func (l *SingleFileLayout) SaveMetadata(fileID string, md Metadata) error {
	return saveMetadata(l.FileDir(fileID), md)
}
