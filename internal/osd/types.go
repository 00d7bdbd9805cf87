package osd

import (
	"fmt"

	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/striping"
	"github.com/stripestore/osd/internal/versioning"
)

// ReadRequest reads a byte range of one stripe object. Length <= 0 reads to
// the end of the object. SnapshotTime > 0 reads the state visible at that
// time instead of the current one.
type ReadRequest struct {
	FileID       string
	Object       int64
	Policy       striping.Policy
	Locations    striping.Locations
	Offset       int64
	Length       int64
	VersionHint  int64
	SnapshotTime int64
}

// ReadResponse carries the stored bytes plus the number of zero bytes the
// caller appends. Status is StatusExists when data was read, StatusPadded for
// a hole and StatusDoesNotExist past the end of the file.
type ReadResponse struct {
	Data            []byte
	ZeroPadding     int64
	Status          storage.Status
	Version         int64
	InvalidChecksum bool
}

// WriteRequest writes Data at Offset inside one stripe object. Version > 0
// pins the object version so a resubmitted write is applied idempotently.
type WriteRequest struct {
	FileID    string
	Object    int64
	Policy    striping.Policy
	Locations striping.Locations
	Offset    int64
	Data      []byte
	Cow       versioning.CowPolicy
	Version   int64
}

// WriteResponse reports the file state after a write.
type WriteResponse struct {
	FileSize      int64  `json:"file_size"`
	TruncateEpoch int64  `json:"truncate_epoch"`
	Version       int64  `json:"version"`
	Checksum      string `json:"checksum,omitempty"`
}

// TruncateRequest sets the file size. Internal marks a request disseminated
// by the head replica; it is applied locally without redirect or further
// dissemination.
type TruncateRequest struct {
	FileID      string             `json:"file_id"`
	NewFileSize int64              `json:"new_file_size"`
	Policy      striping.Policy    `json:"policy"`
	Locations   striping.Locations `json:"locations"`
	Epoch       int64              `json:"epoch"`
	Internal    bool               `json:"internal,omitempty"`
}

// TruncateResponse reports the applied size and epoch.
type TruncateResponse struct {
	FileSize      int64 `json:"file_size"`
	TruncateEpoch int64 `json:"truncate_epoch"`
}

// DeleteRequest removes every local object of a file.
type DeleteRequest struct {
	FileID    string             `json:"file_id"`
	Locations striping.Locations `json:"locations"`
	Internal  bool               `json:"internal,omitempty"`
}

// placement is where this node sits in a file's layout.
type placement struct {
	policy   striping.Policy
	position int
	locs     striping.Locations
}

// resolvePlacement finds nodeID in locs. Empty locations describe a file
// held by nodeID alone under policy.
func resolvePlacement(nodeID string, policy striping.Policy, locs striping.Locations) (*placement, error) {
	if len(locs.Replicas) == 0 {
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		if policy.Striped() {
			return nil, fmt.Errorf("%w: striped file without locations", ErrInvalidArgument)
		}
		return &placement{policy: policy, position: 0, locs: striping.SingleReplica(policy, nodeID)}, nil
	}

	replica, pos, ok := locs.CurrentReplica(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: node %s holds no replica", ErrInvalidArgument, nodeID)
	}
	p := replica.Policy
	if p.StripeSize == 0 {
		p = policy
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if p.Width != len(replica.OSDs) {
		return nil, fmt.Errorf("%w: width %d but %d osds", ErrInvalidArgument, p.Width, len(replica.OSDs))
	}
	return &placement{policy: p, position: pos, locs: locs}, nil
}

func (p *placement) peers(nodeID string) []string {
	return p.locs.Peers(nodeID)
}

func (p *placement) local(obj int64) bool {
	return obj >= 0 && p.policy.IsLocal(obj, p.position)
}
