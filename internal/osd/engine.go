package osd

import (
	"errors"
	"fmt"

	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/striping"
	"github.com/stripestore/osd/internal/versioning"
)

func (w *worker) placement(policy striping.Policy, locs striping.Locations) (*placement, error) {
	return resolvePlacement(w.e.cfg.NodeID, policy, locs)
}

// placementIfKnown resolves a placement when the caller supplied one, and
// returns nil when it only knows the file id.
func (w *worker) placementIfKnown(policy striping.Policy, locs striping.Locations) (*placement, error) {
	if len(locs.Replicas) == 0 && policy.StripeSize == 0 {
		return nil, nil
	}
	return w.placement(policy, locs)
}

func (w *worker) checkObjectSize(p striping.Policy) error {
	if limit := w.e.cfg.MaxObjectSize; limit > 0 && p.StripeSize > limit {
		return fmt.Errorf("%w: stripe size %d exceeds max object size %d", ErrInvalidArgument, p.StripeSize, limit)
	}
	return nil
}

// stamp returns a timestamp strictly after every earlier one of the file.
func (w *worker) stamp(fi *FileInfo) int64 {
	now := w.e.cfg.Now().UnixMilli()
	if now <= fi.lastStamp {
		now = fi.lastStamp + 1
	}
	fi.lastStamp = now
	return now
}

func (w *worker) read(req ReadRequest) (*ReadResponse, error) {
	pl, err := w.placement(req.Policy, req.Locations)
	if err != nil {
		return nil, err
	}
	stripe := pl.policy.StripeSize
	if req.Object < 0 || req.Offset < 0 || req.Offset > stripe {
		return nil, fmt.Errorf("%w: object %d offset %d", ErrInvalidArgument, req.Object, req.Offset)
	}
	fi, err := w.cache.get(req.FileID, pl)
	if err != nil {
		return nil, err
	}
	fi.open = true

	var resp *ReadResponse
	if req.SnapshotTime > 0 {
		resp, err = w.readSnapshot(fi, pl, req)
	} else {
		resp, err = w.readCurrent(fi, pl, req)
	}
	if err != nil {
		return nil, err
	}
	w.e.metrics.BytesRead.Add(float64(len(resp.Data)))
	return resp, nil
}

func (w *worker) readCurrent(fi *FileInfo, pl *placement, req ReadRequest) (*ReadResponse, error) {
	version := fi.ObjectVersions[req.Object]
	if req.VersionHint > 0 && req.VersionHint < version {
		version = req.VersionHint
	}
	if version == 0 {
		return w.readAbsent(fi, pl, req)
	}

	oi, err := w.cache.layout.ReadObject(req.FileID, req.Object, version, fi.ObjectChecksums[req.Object], pl.policy.StripeSize)
	if err != nil {
		return nil, storageErr("read object", err)
	}
	if oi.Status == storage.StatusDoesNotExist {
		return w.readAbsent(fi, pl, req)
	}
	if oi.InvalidChecksum {
		w.e.metrics.ChecksumMismatches.Inc()
	}

	isLast := req.Object >= fi.LastObjectNumber
	if isLast && pl.policy.Striped() && short(oi, req) {
		// A peer may have extended the file past this object.
		if err := w.resolveGmax(fi, pl); err != nil {
			return nil, err
		}
		isLast = req.Object >= fi.LastObjectNumber
	}
	return objectResponse(oi, isLast, req), nil
}

// short reports whether the stored object ends before the requested range.
func short(oi *storage.ObjectInformation, req ReadRequest) bool {
	if oi.Status != storage.StatusExists {
		return false
	}
	end := oi.StripeSize
	if req.Length > 0 && req.Offset+req.Length < end {
		end = req.Offset + req.Length
	}
	return int64(len(oi.Data)) < end
}

func objectResponse(oi *storage.ObjectInformation, isLast bool, req ReadRequest) *ReadResponse {
	res := oi.ObjectData(isLast, req.Offset, req.Length)
	resp := &ReadResponse{
		Data:            res.Data,
		ZeroPadding:     res.ZeroPadding,
		Status:          oi.Status,
		Version:         oi.Version,
		InvalidChecksum: oi.InvalidChecksum,
	}
	if oi.Status == storage.StatusPadded && isLast {
		resp.Status = storage.StatusDoesNotExist
	}
	return resp
}

// readAbsent decides between hole and end of file for an object with no
// local data. Striped files ask the peers first.
func (w *worker) readAbsent(fi *FileInfo, pl *placement, req ReadRequest) (*ReadResponse, error) {
	if req.Object >= fi.LastObjectNumber && pl.policy.Striped() {
		if err := w.resolveGmax(fi, pl); err != nil {
			return nil, err
		}
	}
	return absentResponse(fi, pl.policy, req), nil
}

func absentResponse(fi *FileInfo, p striping.Policy, req ReadRequest) *ReadResponse {
	end := p.StripeSize
	switch {
	case req.Object < fi.LastObjectNumber:
	case req.Object == fi.LastObjectNumber:
		end = p.RemainderFor(fi.FileSize)
	default:
		return &ReadResponse{Status: storage.StatusDoesNotExist}
	}
	if req.Length > 0 && req.Offset+req.Length < end {
		end = req.Offset + req.Length
	}
	pad := end - req.Offset
	if pad <= 0 {
		return &ReadResponse{Status: storage.StatusDoesNotExist}
	}
	return &ReadResponse{Status: storage.StatusPadded, ZeroPadding: pad}
}

// resolveGmax merges the peers' view of the file into fi.
func (w *worker) resolveGmax(fi *FileInfo, pl *placement) error {
	peers := pl.peers(w.e.cfg.NodeID)
	if len(peers) == 0 {
		return nil
	}
	views, err := w.e.fetchGmax(fi.FileID, peers, pl.locs)
	if err != nil {
		return err
	}
	merged := MergeGmax(fi.Gmax(), views...)
	if fi.adopt(merged) {
		w.logger().Debug().
			Str("file", fi.String()).
			Msg("gmax adopted from peers")
	}
	return nil
}

func (w *worker) readSnapshot(fi *FileInfo, pl *placement, req ReadRequest) (*ReadResponse, error) {
	m, err := w.cache.versionManager(fi)
	if err != nil {
		return nil, err
	}
	fv := m.Log().LatestBefore(req.SnapshotTime)
	ov := m.LatestObjectVersionBefore(req.Object, req.SnapshotTime, req.VersionHint)

	switch ov.Kind {
	case versioning.Missing:
		return &ReadResponse{Status: storage.StatusDoesNotExist}, nil
	case versioning.Padded:
		oi := &storage.ObjectInformation{Status: storage.StatusDoesNotExist, StripeSize: pl.policy.StripeSize}
		res := oi.ObjectData(false, req.Offset, req.Length)
		return &ReadResponse{Status: storage.StatusPadded, ZeroPadding: res.ZeroPadding}, nil
	}

	oi, err := w.cache.layout.ReadObject(req.FileID, req.Object, ov.Version, "", pl.policy.StripeSize)
	if err != nil {
		return nil, storageErr("read object", err)
	}
	if oi.InvalidChecksum {
		w.e.metrics.ChecksumMismatches.Inc()
	}
	if oi.Status == storage.StatusDoesNotExist {
		return nil, fmt.Errorf("%w: object %d version %d", ErrObjectNotFound, req.Object, ov.Version)
	}
	isLast := req.Object >= fv.FirstObject+fv.ObjectCount-1
	return objectResponse(oi, isLast, req), nil
}

func (w *worker) write(req WriteRequest) (*WriteResponse, error) {
	pl, err := w.placement(req.Policy, req.Locations)
	if err != nil {
		return nil, err
	}
	if err := w.checkObjectSize(pl.policy); err != nil {
		return nil, err
	}
	stripe := pl.policy.StripeSize
	if req.Object < 0 || req.Offset < 0 || req.Offset+int64(len(req.Data)) > stripe {
		return nil, fmt.Errorf("%w: object %d offset %d len %d stripe %d", ErrInvalidArgument, req.Object, req.Offset, len(req.Data), stripe)
	}
	if !pl.local(req.Object) {
		return nil, fmt.Errorf("%w: object %d not stored on %s", ErrInvalidArgument, req.Object, w.e.cfg.NodeID)
	}

	fi, err := w.cache.get(req.FileID, pl)
	if err != nil {
		return nil, err
	}
	fi.open = true
	if req.Cow.Mode != "" {
		fi.cow = req.Cow
	}

	cur := fi.ObjectVersions[req.Object]
	version, fresh, err := pickVersion(fi, req, cur)
	if err != nil {
		return nil, err
	}

	var m *versioning.Manager
	if fresh {
		if m, err = w.cache.versionManager(fi); err != nil {
			return nil, err
		}
	}

	var sum string
	if fresh && cur > 0 {
		sum, err = w.copyOnWrite(fi, pl, req, cur, version)
	} else {
		prev := ""
		if version == cur {
			prev = fi.ObjectChecksums[req.Object]
		}
		sum, err = w.cache.layout.WriteObject(req.FileID, req.Object, req.Data, version, req.Offset, stripe, prev)
	}
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRange) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return nil, storageErr("write object", err)
	}
	if fresh {
		if err := m.AddObjectVersionInfo(req.Object, version, w.stamp(fi), 0); err != nil {
			return nil, storageErr("record object version", err)
		}
	}

	fi.ObjectVersions[req.Object] = version
	if sum != "" {
		fi.ObjectChecksums[req.Object] = sum
	} else {
		delete(fi.ObjectChecksums, req.Object)
	}
	if fi.cow.Enabled() {
		fi.cowObjects[req.Object] = true
		fi.cowWritten = true
	}
	w.e.metrics.BytesWritten.Add(float64(len(req.Data)))

	end := pl.policy.ObjectStart(req.Object) + req.Offset + int64(len(req.Data))
	if fi.grow(pl.policy, end) {
		if peers := pl.peers(w.e.cfg.NodeID); len(peers) > 0 {
			w.e.broadcastGmax(req.FileID, peers, fi.Gmax())
		}
	}

	w.logger().Debug().
		Str("file_id", req.FileID).
		Int64("object", req.Object).
		Int64("version", version).
		Int64("offset", req.Offset).
		Int("len", len(req.Data)).
		Msg("object written")

	return &WriteResponse{
		FileSize:      fi.FileSize,
		TruncateEpoch: fi.TruncateEpoch,
		Version:       version,
		Checksum:      sum,
	}, nil
}

// pickVersion chooses the object version a write goes to. fresh is true when
// the version is new and has to be recorded for snapshots.
func pickVersion(fi *FileInfo, req WriteRequest, cur int64) (version int64, fresh bool, err error) {
	cow := fi.cow
	if req.Version > 0 {
		if req.Version < cur {
			return 0, false, fmt.Errorf("%w: version %d older than stored version %d", ErrInvalidArgument, req.Version, cur)
		}
		return req.Version, req.Version > cur && cow.Enabled(), nil
	}
	if cur == 0 {
		return 1, cow.Enabled(), nil
	}
	if cow.NewVersionFor(fi.cowObjects[req.Object]) {
		return cur + 1, true, nil
	}
	return cur, false, nil
}

// copyOnWrite writes the old content of the object overlaid with the new data
// as a new version. The old version stays untouched.
func (w *worker) copyOnWrite(fi *FileInfo, pl *placement, req WriteRequest, cur, version int64) (string, error) {
	stripe := pl.policy.StripeSize
	oi, err := w.cache.layout.ReadObject(req.FileID, req.Object, cur, fi.ObjectChecksums[req.Object], stripe)
	if err != nil {
		return "", err
	}

	var base []byte
	switch oi.Status {
	case storage.StatusExists:
		base = oi.Data
	case storage.StatusPadded:
		base = make([]byte, stripe)
	}
	end := req.Offset + int64(len(req.Data))
	if int64(len(base)) > end {
		end = int64(len(base))
	}
	buf := make([]byte, end)
	copy(buf, base)
	copy(buf[req.Offset:], req.Data)
	return w.cache.layout.WriteObject(req.FileID, req.Object, buf, version, 0, stripe, "")
}

func (w *worker) getFileSize(fileID string, policy striping.Policy, locs striping.Locations) (int64, error) {
	pl, err := w.placement(policy, locs)
	if err != nil {
		return 0, err
	}
	fi, err := w.cache.get(fileID, pl)
	if err != nil {
		return 0, err
	}
	if pl.policy.Striped() || pl.locs.Replicated() {
		if err := w.resolveGmax(fi, pl); err != nil {
			return 0, err
		}
	}
	return fi.FileSize, nil
}

func (w *worker) gmaxReceived(fileID string, g Gmax) error {
	fi, err := w.cache.get(fileID, nil)
	if err != nil {
		return err
	}
	w.e.metrics.GmaxReceived.Inc()
	if fi.adopt(g) {
		w.logger().Debug().Str("file", fi.String()).Msg("gmax update applied")
	}
	return nil
}

func (w *worker) localGmax(fileID string, locs striping.Locations) (Gmax, error) {
	var policy striping.Policy
	if r, _, ok := locs.CurrentReplica(w.e.cfg.NodeID); ok {
		policy = r.Policy
	}
	pl, err := w.placementIfKnown(policy, locs)
	if err != nil {
		return Gmax{}, err
	}
	fi, err := w.cache.get(fileID, pl)
	if err != nil {
		return Gmax{}, err
	}
	return fi.Gmax(), nil
}

func (w *worker) closeFile(fileID string) error {
	fi, ok := w.cache.files[fileID]
	if !ok {
		return nil
	}
	if fi.cow.Enabled() && fi.cowWritten {
		if _, err := w.commit(fi); err != nil {
			return err
		}
	}
	if err := w.cache.persist(fi); err != nil {
		return err
	}
	w.cache.invalidate(fileID)
	return nil
}

func (w *worker) commitVersion(fileID string) (int64, error) {
	fi, err := w.cache.get(fileID, nil)
	if err != nil {
		return 0, err
	}
	return w.commit(fi)
}

// commit appends a file version covering objects 0..last and starts a new
// copy-on-write session.
func (w *worker) commit(fi *FileInfo) (int64, error) {
	m, err := w.cache.versionManager(fi)
	if err != nil {
		return 0, err
	}
	ts := w.stamp(fi)
	if err := m.CreateFileVersion(ts, 0, fi.LastObjectNumber+1); err != nil {
		return 0, storageErr("create file version", err)
	}
	fi.cowObjects = make(map[int64]bool)
	fi.cowWritten = false

	w.logger().Info().
		Str("file_id", fi.FileID).
		Int64("timestamp", ts).
		Int64("objects", fi.LastObjectNumber+1).
		Msg("file version committed")
	return ts, nil
}

func (w *worker) purgeVersions(fileID string, snapshots []int64) ([]int64, error) {
	fi, err := w.cache.get(fileID, nil)
	if err != nil {
		return nil, err
	}
	m, err := w.cache.versionManager(fi)
	if err != nil {
		return nil, err
	}
	retained, err := m.PurgeUnboundFileVersions(snapshots)
	if err != nil {
		return nil, storageErr("purge file versions", err)
	}

	removed := 0
	for obj, list := range m.UnboundObjectVersions(retained) {
		for _, ov := range list {
			if ov.Version == fi.ObjectVersions[obj] {
				continue
			}
			err := w.cache.layout.DeleteObject(fileID, obj, ov.Version, "")
			if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
				return nil, storageErr("delete object version", err)
			}
			if err := m.RemoveObjectVersionInfo(obj, ov.Version); err != nil {
				return nil, storageErr("remove object version", err)
			}
			removed++
		}
	}
	if err := m.Compact(); err != nil {
		return nil, storageErr("compact object versions", err)
	}

	w.logger().Info().
		Str("file_id", fileID).
		Int("retained", len(retained)).
		Int("removed_objects", removed).
		Msg("versions purged")
	return retained, nil
}

func (w *worker) flush() error {
	var firstErr error
	for id, fi := range w.cache.files {
		if err := w.cache.persist(fi); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !fi.open {
			w.cache.invalidate(id)
		}
	}
	return firstErr
}
