package osd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/versioning"
)

// truncate sets the file size. The head replica disseminates the request to
// every peer before applying it locally, so a failed dissemination leaves
// this node unchanged.
func (w *worker) truncate(req TruncateRequest) (*TruncateResponse, error) {
	nodeID := w.e.cfg.NodeID
	if req.NewFileSize < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidArgument, req.NewFileSize)
	}
	if !req.Internal && req.Locations.Replicated() && !req.Locations.IsHead(nodeID) {
		return nil, &RedirectError{Head: req.Locations.Head()}
	}
	pl, err := w.placement(req.Policy, req.Locations)
	if err != nil {
		return nil, err
	}
	fi, err := w.cache.get(req.FileID, pl)
	if err != nil {
		return nil, err
	}

	// A peer may already know the epoch from a gmax update sent after the
	// head applied it, so disseminated truncates accept an equal epoch.
	stale := req.Epoch <= fi.TruncateEpoch
	if req.Internal {
		stale = req.Epoch < fi.TruncateEpoch
	}
	if stale {
		return nil, &StaleEpochError{Requested: req.Epoch, Current: fi.TruncateEpoch}
	}

	if !req.Internal {
		fwd := req
		fwd.Internal = true
		err := w.e.disseminate("truncate", pl.peers(nodeID), func(ctx context.Context, peer string) error {
			return w.e.cfg.Peers.DisseminateTruncate(ctx, peer, fwd)
		})
		if err != nil {
			return nil, err
		}
	}

	if err := w.applyTruncate(fi, pl, req); err != nil {
		return nil, err
	}
	fi.open = true

	w.logger().Info().
		Str("file_id", req.FileID).
		Int64("file_size", fi.FileSize).
		Int64("epoch", fi.TruncateEpoch).
		Bool("internal", req.Internal).
		Msg("file truncated")

	return &TruncateResponse{FileSize: fi.FileSize, TruncateEpoch: fi.TruncateEpoch}, nil
}

// applyTruncate deletes local objects past the new end, resizes the boundary
// objects and lays down the padding fence. fi changes only if every step
// succeeds.
func (w *worker) applyTruncate(fi *FileInfo, pl *placement, req TruncateRequest) error {
	layout := w.cache.layout
	p := pl.policy
	newLast := p.LastObjectFor(req.NewFileSize)
	oldLast := fi.LastObjectNumber

	versions := make(map[int64]int64, len(fi.ObjectVersions))
	for obj, v := range fi.ObjectVersions {
		versions[obj] = v
	}
	touched := make(map[int64]bool)

	entries, err := layout.ListObjects(req.FileID)
	if err != nil {
		return storageErr("list objects", err)
	}
	var dropped []int64
	for _, e := range entries {
		if e.Object <= newLast {
			continue
		}
		if err := layout.DeleteObject(req.FileID, e.Object, e.Version, e.Checksum); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return storageErr("delete object", err)
		}
		if _, ok := versions[e.Object]; ok {
			delete(versions, e.Object)
			dropped = append(dropped, e.Object)
		}
	}

	if oldLast >= 0 && oldLast < newLast && pl.local(oldLast) && versions[oldLast] > 0 {
		v, err := w.resizeObject(fi, pl, oldLast, versions[oldLast], p.StripeSize)
		if err != nil {
			return err
		}
		versions[oldLast] = v
		touched[oldLast] = true
	}
	if pl.local(newLast) {
		v, err := w.resizeObject(fi, pl, newLast, versions[newLast], p.RemainderFor(req.NewFileSize))
		if err != nil {
			return err
		}
		versions[newLast] = v
		touched[newLast] = true
	}

	fenceStart := newLast - int64(p.Width)
	if fenceStart < 0 {
		fenceStart = 0
	}
	for obj := fenceStart; obj < newLast; obj++ {
		if !pl.local(obj) || versions[obj] > 0 {
			continue
		}
		if err := layout.CreatePaddingObject(req.FileID, obj, 1, p.StripeSize); err != nil {
			return storageErr("create padding object", err)
		}
		versions[obj] = 1
		touched[obj] = true
	}

	md := storage.Metadata{
		LastObjectNumber: newLast,
		FileSize:         req.NewFileSize,
		TruncateEpoch:    req.Epoch,
	}
	if err := layout.SaveMetadata(req.FileID, md); err != nil {
		return storageErr("save metadata", err)
	}

	if len(dropped) > 0 && (fi.versions != nil || versioning.Exists(layout.FileDir(req.FileID))) {
		m, err := w.cache.versionManager(fi)
		if err != nil {
			return err
		}
		sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
		for _, obj := range dropped {
			for _, ov := range m.ObjectVersions(obj) {
				if err := m.RemoveObjectVersionInfo(obj, ov.Version); err != nil {
					return storageErr("remove object version", err)
				}
			}
		}
	}

	fi.ObjectVersions = versions
	for obj := range touched {
		delete(fi.ObjectChecksums, obj)
		if fi.cow.Enabled() {
			fi.cowObjects[obj] = true
		}
	}
	for _, obj := range dropped {
		delete(fi.ObjectChecksums, obj)
		delete(fi.cowObjects, obj)
	}
	fi.FileSize = req.NewFileSize
	fi.LastObjectNumber = newLast
	fi.TruncateEpoch = req.Epoch
	fi.dirty = false
	if fi.cow.Enabled() {
		fi.cowWritten = true
	}
	return nil
}

// resizeObject sets the length of obj. Under copy-on-write an existing object
// is resized into a new version so snapshots keep the old content.
func (w *worker) resizeObject(fi *FileInfo, pl *placement, obj, cur, size int64) (int64, error) {
	layout := w.cache.layout
	stripe := pl.policy.StripeSize

	if !fi.cow.Enabled() || cur == 0 {
		version := cur
		if version == 0 {
			version = 1
		}
		if err := layout.TruncateObject(fi.FileID, obj, version, size, stripe, fi.ObjectChecksums[obj]); err != nil {
			return 0, storageErr("truncate object", err)
		}
		return version, nil
	}

	m, err := w.cache.versionManager(fi)
	if err != nil {
		return 0, err
	}
	oi, err := layout.ReadObject(fi.FileID, obj, cur, fi.ObjectChecksums[obj], stripe)
	if err != nil {
		return 0, storageErr("read object", err)
	}
	data := make([]byte, size)
	if oi.Status == storage.StatusExists {
		copy(data, oi.Data)
	}
	version := cur + 1
	if size > 0 {
		_, err = layout.WriteObject(fi.FileID, obj, data, version, 0, stripe, "")
	} else {
		err = layout.TruncateObject(fi.FileID, obj, version, 0, stripe, "")
	}
	if err != nil {
		return 0, storageErr("write object version", err)
	}
	if err := m.AddObjectVersionInfo(obj, version, w.stamp(fi), 0); err != nil {
		return 0, storageErr("record object version", err)
	}
	return version, nil
}

// deleteObjects removes the file from this node and, unless the request was
// disseminated, from every peer first.
func (w *worker) deleteObjects(req DeleteRequest) error {
	nodeID := w.e.cfg.NodeID
	if !req.Internal && req.Locations.Replicated() && !req.Locations.IsHead(nodeID) {
		return &RedirectError{Head: req.Locations.Head()}
	}

	_, cached := w.cache.files[req.FileID]
	exists := cached || w.cache.layout.FileExists(req.FileID)
	if !exists && !req.Internal {
		return fmt.Errorf("%w: %s", ErrFileNotFound, req.FileID)
	}

	if !req.Internal {
		fwd := req
		fwd.Internal = true
		err := w.e.disseminate("delete", req.Locations.Peers(nodeID), func(ctx context.Context, peer string) error {
			return w.e.cfg.Peers.DisseminateDelete(ctx, peer, fwd)
		})
		if err != nil {
			return err
		}
	}

	w.cache.invalidate(req.FileID)
	if err := w.cache.layout.DeleteAllObjects(req.FileID); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
		return storageErr("delete file", err)
	}

	w.logger().Info().
		Str("file_id", req.FileID).
		Bool("internal", req.Internal).
		Msg("file deleted")
	return nil
}
