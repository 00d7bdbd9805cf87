package osd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/striping"
	"github.com/stripestore/osd/internal/versioning"
)

// FileInfo is the in-memory state of one file. It belongs to exactly one
// worker and is never shared.
type FileInfo struct {
	FileID           string
	LastObjectNumber int64
	FileSize         int64
	TruncateEpoch    int64
	ObjectVersions   map[int64]int64
	ObjectChecksums  map[int64]string

	policy  striping.Policy
	scanned bool

	cow        versioning.CowPolicy
	cowObjects map[int64]bool // objects already copied in this session
	cowWritten bool
	versions   *versioning.Manager
	lastStamp  int64

	open  bool
	dirty bool
}

func newFileInfo(fileID string) *FileInfo {
	return &FileInfo{
		FileID:           fileID,
		LastObjectNumber: -1,
		ObjectVersions:   make(map[int64]int64),
		ObjectChecksums:  make(map[int64]string),
		cowObjects:       make(map[int64]bool),
	}
}

// Gmax returns the file's current (epoch, last object, size) triple.
func (fi *FileInfo) Gmax() Gmax {
	return Gmax{Epoch: fi.TruncateEpoch, LastObject: fi.LastObjectNumber, FileSize: fi.FileSize}
}

// adopt takes over g when it dominates the local state. It reports whether
// anything changed.
func (fi *FileInfo) adopt(g Gmax) bool {
	if !g.Dominates(fi.Gmax()) {
		return false
	}
	fi.TruncateEpoch = g.Epoch
	fi.LastObjectNumber = g.LastObject
	fi.FileSize = g.FileSize
	fi.dirty = true
	return true
}

// grow raises the size to end if it is larger.
func (fi *FileInfo) grow(p striping.Policy, end int64) bool {
	if end <= fi.FileSize {
		return false
	}
	fi.FileSize = end
	fi.LastObjectNumber = p.LastObjectFor(end)
	fi.dirty = true
	return true
}

func (fi *FileInfo) metadata() storage.Metadata {
	return storage.Metadata{
		LastObjectNumber: fi.LastObjectNumber,
		FileSize:         fi.FileSize,
		TruncateEpoch:    fi.TruncateEpoch,
	}
}

// fileCache holds the FileInfo of every file a worker has touched.
type fileCache struct {
	layout storage.Layout
	files  map[string]*FileInfo
	logger zerolog.Logger
}

func newFileCache(layout storage.Layout, logger zerolog.Logger) *fileCache {
	return &fileCache{
		layout: layout,
		files:  make(map[string]*FileInfo),
		logger: logger,
	}
}

// get returns the FileInfo of fileID, hydrating it on first access. With a
// placement the object set is scanned once to recover the extent of the file
// even if the metadata record was never flushed.
func (c *fileCache) get(fileID string, pl *placement) (*FileInfo, error) {
	fi, ok := c.files[fileID]
	if !ok {
		fi = newFileInfo(fileID)
		if err := c.loadRecord(fi); err != nil {
			return nil, err
		}
		c.files[fileID] = fi
	}
	if pl != nil && !fi.scanned {
		if err := c.scan(fi, pl); err != nil {
			return nil, err
		}
	}
	return fi, nil
}

func (c *fileCache) loadRecord(fi *FileInfo) error {
	md, found, err := c.layout.LoadMetadata(fi.FileID)
	if err != nil {
		return storageErr("load metadata", err)
	}
	if found {
		fi.LastObjectNumber = md.LastObjectNumber
		fi.FileSize = md.FileSize
		fi.TruncateEpoch = md.TruncateEpoch
	}

	entries, err := c.layout.ListObjects(fi.FileID)
	if err != nil {
		return storageErr("list objects", err)
	}
	for obj, e := range storage.LatestVersions(entries) {
		fi.ObjectVersions[obj] = e.Version
		if e.Checksum != "" {
			fi.ObjectChecksums[obj] = e.Checksum
		}
	}
	return nil
}

// scan derives the file size from the highest locally owned object.
func (c *fileCache) scan(fi *FileInfo, pl *placement) error {
	set, err := c.layout.ObjectSet(fi.FileID)
	if err != nil {
		return storageErr("object set", err)
	}
	fi.policy = pl.policy
	fi.scanned = true

	members := set.Members()
	last := int64(-1)
	for i := len(members) - 1; i >= 0; i-- {
		if pl.local(members[i]) {
			last = members[i]
			break
		}
	}
	if last < 0 {
		return nil
	}

	length, err := c.storedLength(fi, last, pl.policy.StripeSize)
	if err != nil {
		return err
	}
	if fi.grow(pl.policy, pl.policy.FileSizeFor(last, length)) {
		c.logger.Debug().
			Str("file_id", fi.FileID).
			Int64("last_object", fi.LastObjectNumber).
			Int64("file_size", fi.FileSize).
			Msg("file size recovered from object set")
	}
	return nil
}

func (c *fileCache) storedLength(fi *FileInfo, obj, stripeSize int64) (int64, error) {
	version := fi.ObjectVersions[obj]
	oi, err := c.layout.ReadObject(fi.FileID, obj, version, fi.ObjectChecksums[obj], stripeSize)
	if err != nil {
		return 0, storageErr("read object", err)
	}
	switch oi.Status {
	case storage.StatusPadded:
		return stripeSize, nil
	case storage.StatusExists:
		return int64(len(oi.Data)), nil
	default:
		return 0, nil
	}
}

// versionManager opens the version state of fi on first use.
func (c *fileCache) versionManager(fi *FileInfo) (*versioning.Manager, error) {
	if fi.versions != nil {
		return fi.versions, nil
	}
	m, err := versioning.Open(c.layout.FileDir(fi.FileID))
	if err != nil {
		return nil, storageErr("open versions", err)
	}
	fi.versions = m
	if ts := m.NewestTimestamp(); ts > fi.lastStamp {
		fi.lastStamp = ts
	}
	return m, nil
}

// persist writes the metadata record of fi if it changed.
func (c *fileCache) persist(fi *FileInfo) error {
	if !fi.dirty {
		return nil
	}
	if err := c.layout.SaveMetadata(fi.FileID, fi.metadata()); err != nil {
		return storageErr("save metadata", err)
	}
	fi.dirty = false
	return nil
}

func (c *fileCache) invalidate(fileID string) {
	delete(c.files, fileID)
}

func (c *fileCache) len() int {
	return len(c.files)
}

func (fi *FileInfo) String() string {
	return fmt.Sprintf("%s(last=%d size=%d epoch=%d)", fi.FileID, fi.LastObjectNumber, fi.FileSize, fi.TruncateEpoch)
}
