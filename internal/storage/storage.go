// Package storage persists versioned stripe objects on the local node.
//
// Two physical layouts implement the same Layout contract:
//
//	{dataDir}/
//	  hashed/
//	    {hh}/{fileId}/        # one directory per file, hh = xxhash prefix
//	      meta.json           # (lastObjectNumber, fileSize, truncateEpoch)
//	      {obj}.{ver}[.{sum}] # one file per object version
//	      {obj}.{ver}.pad     # zero-length padding marker
//	  single/
//	    {hh}/{fileId}/
//	      meta.json
//	      data                # every object version in a fixed-size slot
//	      index.json          # (obj, ver) -> slot offset, length, checksum
//
// Callers serialize operations per fileId; the layouts only guard state shared
// between different files.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/checksum"
)

// Storage errors.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrFileNotFound   = errors.New("file not found")
	ErrInvalidRange   = errors.New("invalid object range")
	ErrUnknownLayout  = errors.New("unknown storage layout")
)

// Layout names accepted by Open.
const (
	LayoutHashed     = "hashed"
	LayoutSingleFile = "single_file"
)

// ObjectEntry describes one stored object version.
type ObjectEntry struct {
	Object   int64  `json:"object"`
	Version  int64  `json:"version"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum,omitempty"`
	Padding  bool   `json:"padding,omitempty"`
	Offset   int64  `json:"offset"` // slot offset inside the file's data, 0 for per-object files
}

// Metadata is the persisted per-file record.
type Metadata struct {
	LastObjectNumber int64 `json:"last_object_number"`
	FileSize         int64 `json:"file_size"`
	TruncateEpoch    int64 `json:"truncate_epoch"`
}

// Layout is the persistent object store.
type Layout interface {
	Name() string

	// WriteObject writes data at offset into (obj, version), zero-extending
	// the object when offset lies past its current end. prevChecksum is the
	// checksum the caller last recorded for that version, "" if unknown. The
	// returned checksum is "" unless the write covered the whole object.
	WriteObject(fileID string, obj int64, data []byte, version, offset, stripeSize int64, prevChecksum string) (string, error)

	// ReadObject returns the full stored content of (obj, version).
	ReadObject(fileID string, obj, version int64, sum string, stripeSize int64) (*ObjectInformation, error)

	// TruncateObject sets the length of (obj, version), creating it if needed.
	TruncateObject(fileID string, obj, version, newSize, stripeSize int64, sum string) error

	// CreatePaddingObject records (obj, version) as a full-size zero object.
	CreatePaddingObject(fileID string, obj, version, stripeSize int64) error

	DeleteObject(fileID string, obj, version int64, sum string) error
	DeleteAllObjects(fileID string) error
	FileExists(fileID string) bool
	ListObjects(fileID string) ([]ObjectEntry, error)
	ObjectSet(fileID string) (*Bitmap, error)
	FileIDs() ([]string, error)

	LoadMetadata(fileID string) (Metadata, bool, error)
	SaveMetadata(fileID string, md Metadata) error

	// FileDir is the directory that holds all state of fileID. Version logs
	// live next to the objects.
	FileDir(fileID string) string
}

// Options configures a layout.
type Options struct {
	Layout    string
	DataDir   string
	Checksums bool
	Provider  checksum.Provider
	Logger    zerolog.Logger
}

// Open creates the layout selected by opts.Layout.
func Open(opts Options) (Layout, error) {
	if opts.Provider == nil {
		opts.Provider = checksum.XXHash{}
	}
	switch opts.Layout {
	case "", LayoutHashed:
		return NewHashedLayout(filepath.Join(opts.DataDir, "hashed"), opts)
	case LayoutSingleFile:
		return NewSingleFileLayout(filepath.Join(opts.DataDir, "single"), opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayout, opts.Layout)
	}
}

// LatestVersions reduces entries to the newest version of every object.
func LatestVersions(entries []ObjectEntry) map[int64]ObjectEntry {
	out := make(map[int64]ObjectEntry, len(entries))
	for _, e := range entries {
		if cur, ok := out[e.Object]; !ok || e.Version > cur.Version {
			out[e.Object] = e
		}
	}
	return out
}

// Stats summarizes what a layout holds.
type Stats struct {
	Files   int
	Objects int   // every stored version, padding included
	Bytes   int64 // object data, padding excluded
}

// CollectStats walks every file of l.
func CollectStats(l Layout) (Stats, error) {
	ids, err := l.FileIDs()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, id := range ids {
		entries, err := l.ListObjects(id)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) {
				continue
			}
			return Stats{}, fmt.Errorf("list %s: %w", id, err)
		}
		if len(entries) == 0 {
			continue
		}
		st.Files++
		st.Objects += len(entries)
		for _, e := range entries {
			if !e.Padding {
				st.Bytes += e.Length
			}
		}
	}
	return st, nil
}
