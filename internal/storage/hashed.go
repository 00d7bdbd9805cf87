package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/checksum"
)

const paddingSuffix = "pad"

// HashedLayout stores every object version in its own file. The checksum, if
// known, is part of the file name so it survives without a separate index.
type HashedLayout struct {
	root      string
	checksums bool
	provider  checksum.Provider
	logger    zerolog.Logger
}

// NewHashedLayout creates a one-file-per-object-version layout below root.
func NewHashedLayout(root string, opts Options) (*HashedLayout, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if opts.Provider == nil {
		opts.Provider = checksum.XXHash{}
	}
	return &HashedLayout{
		root:      root,
		checksums: opts.Checksums,
		provider:  opts.Provider,
		logger:    opts.Logger.With().Str("component", "hashed-layout").Logger(),
	}, nil
}

// Name implements Layout.
func (l *HashedLayout) Name() string { return LayoutHashed }

// FileDir implements Layout.
func (l *HashedLayout) FileDir(fileID string) string {
	return fileDir(l.root, fileID)
}

func objectName(obj, version int64, sum string) string {
	name := fmt.Sprintf("%016x.%016x", obj, version)
	if sum != "" {
		name += "." + sum
	}
	return name
}

func parseObjectName(name string) (ObjectEntry, bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return ObjectEntry{}, false
	}
	obj, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return ObjectEntry{}, false
	}
	ver, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return ObjectEntry{}, false
	}
	e := ObjectEntry{Object: obj, Version: ver}
	if len(parts) == 3 {
		if parts[2] == paddingSuffix {
			e.Padding = true
		} else {
			e.Checksum = parts[2]
		}
	}
	return e, true
}

// locate finds the file holding (obj, version). The caller's checksum is
// tried first, then a directory scan.
func (l *HashedLayout) locate(dir string, obj, version int64, sum string) (string, ObjectEntry, bool, error) {
	candidates := []string{objectName(obj, version, "")}
	if sum != "" {
		candidates = append([]string{objectName(obj, version, sum)}, candidates...)
	}
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil {
			e, _ := parseObjectName(name)
			e.Length = info.Size()
			return p, e, true, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ObjectEntry{}, false, nil
		}
		return "", ObjectEntry{}, false, err
	}
	prefix := objectName(obj, version, "") + "."
	for _, de := range entries {
		if !strings.HasPrefix(de.Name(), prefix) {
			continue
		}
		e, ok := parseObjectName(de.Name())
		if !ok {
			continue
		}
		if info, err := de.Info(); err == nil {
			e.Length = info.Size()
		}
		return filepath.Join(dir, de.Name()), e, true, nil
	}
	return "", ObjectEntry{}, false, nil
}

// WriteObject implements Layout.
func (l *HashedLayout) WriteObject(fileID string, obj int64, data []byte, version, offset, stripeSize int64, prevChecksum string) (string, error) {
	if offset < 0 || offset+int64(len(data)) > stripeSize {
		return "", fmt.Errorf("%w: offset %d len %d stripe %d", ErrInvalidRange, offset, len(data), stripeSize)
	}
	dir := l.FileDir(fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create file dir: %w", err)
	}
	oldPath, old, found, err := l.locate(dir, obj, version, prevChecksum)
	if err != nil {
		return "", fmt.Errorf("locate object: %w", err)
	}

	whole := offset == 0 && int64(len(data)) == stripeSize
	switch {
	case whole:
		var sum string
		if l.checksums {
			sum = l.provider.Compute(data)
		}
		newPath := filepath.Join(dir, objectName(obj, version, sum))
		if err := syncedWriteFile(newPath, data, 0644); err != nil {
			return "", fmt.Errorf("write object: %w", err)
		}
		if found && oldPath != newPath {
			l.removeStale(oldPath, fileID, obj, version)
		}
		return sum, nil

	case found && old.Padding:
		content := make([]byte, stripeSize)
		copy(content[offset:], data)
		newPath := filepath.Join(dir, objectName(obj, version, ""))
		if err := syncedWriteFile(newPath, content, 0644); err != nil {
			return "", fmt.Errorf("write object: %w", err)
		}
		if oldPath != newPath {
			l.removeStale(oldPath, fileID, obj, version)
		}
		return "", nil
	}

	path := filepath.Join(dir, objectName(obj, version, ""))
	if found && oldPath != path {
		// Partial writes invalidate the whole-object checksum.
		if err := os.Rename(oldPath, path); err != nil {
			return "", fmt.Errorf("rename object: %w", err)
		}
	}
	if err := writeAtExtend(path, data, offset); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return "", nil
}

// removeStale deletes a replaced copy of an object version. A copy left
// behind would shadow the new one, so failures are reported loudly.
func (l *HashedLayout) removeStale(path, fileID string, obj, version int64) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn().Err(err).
			Str("file_id", fileID).
			Int64("object", obj).
			Int64("version", version).
			Str("path", path).
			Msg("stale object copy not removed")
	}
}

// writeAtExtend writes data at offset, growing the file with zeros when the
// write ends past the current end.
func writeAtExtend(path string, data []byte, offset int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if len(data) > 0 {
		if _, err := f.WriteAt(data, offset); err != nil {
			return err
		}
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if end := offset + int64(len(data)); info.Size() < end {
		if err := f.Truncate(end); err != nil {
			return err
		}
	}
	if os.Getenv("STRIPESTORE_TEST") == "" {
		return f.Sync()
	}
	return nil
}

// ReadObject implements Layout.
func (l *HashedLayout) ReadObject(fileID string, obj, version int64, sum string, stripeSize int64) (*ObjectInformation, error) {
	oi := &ObjectInformation{Status: StatusDoesNotExist, StripeSize: stripeSize, Version: version}
	path, e, found, err := l.locate(l.FileDir(fileID), obj, version, sum)
	if err != nil {
		return nil, fmt.Errorf("locate object: %w", err)
	}
	if !found {
		return oi, nil
	}
	if e.Padding {
		oi.Status = StatusPadded
		return oi, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	oi.Status = StatusExists
	oi.Data = data
	oi.Checksum = e.Checksum
	if l.checksums && e.Checksum != "" {
		if actual := l.provider.Compute(data); actual != e.Checksum {
			oi.InvalidChecksum = true
			l.logger.Warn().
				Str("file_id", fileID).
				Int64("object", obj).
				Int64("version", version).
				Str("expected", e.Checksum).
				Str("actual", actual).
				Msg("object checksum mismatch")
		}
	}
	return oi, nil
}

// TruncateObject implements Layout.
func (l *HashedLayout) TruncateObject(fileID string, obj, version, newSize, stripeSize int64, sum string) error {
	if newSize < 0 || newSize > stripeSize {
		return fmt.Errorf("%w: size %d stripe %d", ErrInvalidRange, newSize, stripeSize)
	}
	dir := l.FileDir(fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create file dir: %w", err)
	}
	oldPath, old, found, err := l.locate(dir, obj, version, sum)
	if err != nil {
		return fmt.Errorf("locate object: %w", err)
	}

	path := filepath.Join(dir, objectName(obj, version, ""))
	if found {
		if old.Padding {
			if err := os.Remove(oldPath); err != nil {
				return fmt.Errorf("remove padding marker: %w", err)
			}
		} else if oldPath != path {
			if err := os.Rename(oldPath, path); err != nil {
				return fmt.Errorf("rename object: %w", err)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := f.Truncate(newSize); err != nil {
		return fmt.Errorf("truncate object: %w", err)
	}
	return nil
}

// CreatePaddingObject implements Layout.
func (l *HashedLayout) CreatePaddingObject(fileID string, obj, version, stripeSize int64) error {
	dir := l.FileDir(fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create file dir: %w", err)
	}
	if oldPath, _, found, err := l.locate(dir, obj, version, ""); err != nil {
		return fmt.Errorf("locate object: %w", err)
	} else if found {
		if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove object: %w", err)
		}
	}
	marker := filepath.Join(dir, objectName(obj, version, paddingSuffix))
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("write padding marker: %w", err)
	}
	return nil
}

// DeleteObject implements Layout.
func (l *HashedLayout) DeleteObject(fileID string, obj, version int64, sum string) error {
	path, _, found, err := l.locate(l.FileDir(fileID), obj, version, sum)
	if err != nil {
		return fmt.Errorf("locate object: %w", err)
	}
	if !found {
		return ErrObjectNotFound
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeleteAllObjects implements Layout. Metadata and version logs go too.
func (l *HashedLayout) DeleteAllObjects(fileID string) error {
	dir := l.FileDir(fileID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrFileNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// FileExists implements Layout.
func (l *HashedLayout) FileExists(fileID string) bool {
	_, err := os.Stat(l.FileDir(fileID))
	return err == nil
}

// ListObjects implements Layout.
func (l *HashedLayout) ListObjects(fileID string) ([]ObjectEntry, error) {
	entries, err := os.ReadDir(l.FileDir(fileID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list objects: %w", err)
	}
	var out []ObjectEntry
	for _, de := range entries {
		e, ok := parseObjectName(de.Name())
		if !ok {
			continue
		}
		if !e.Padding {
			if info, err := de.Info(); err == nil {
				e.Length = info.Size()
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// ObjectSet implements Layout.
func (l *HashedLayout) ObjectSet(fileID string) (*Bitmap, error) {
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
func (l *HashedLayout) FileIDs() ([]string, error) {
	return listFileIDs(l.root)
}

// LoadMetadata implements Layout.
func (l *HashedLayout) LoadMetadata(fileID string) (Metadata, bool, error) {
	return loadMetadata(l.FileDir(fileID))
}

// SaveMetadata implements Layout.
func (l *HashedLayout) SaveMetadata(fileID string, md Metadata) error {
	return saveMetadata(l.FileDir(fileID), md)
}
