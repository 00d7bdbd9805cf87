// Package striping maps file byte offsets onto stripe objects and stripe
// objects onto the storage nodes that hold them.
package striping

import (
	"errors"
	"fmt"
)

// PolicyType identifies the striping scheme.
type PolicyType string

// RAID0 is plain round-robin striping without parity.
const RAID0 PolicyType = "raid0"

// ErrInvalidPolicy is returned for policies that cannot be used to place data.
var ErrInvalidPolicy = errors.New("invalid striping policy")

// Policy describes how a file is cut into fixed-size objects and spread over
// Width nodes. Object n lives on stripe position n mod Width.
type Policy struct {
	Type       PolicyType `json:"type" yaml:"type"`
	StripeSize int64      `json:"stripe_size" yaml:"stripe_size"` // bytes per object
	Width      int        `json:"width" yaml:"width"`             // number of nodes in the stripe
}

// NewPolicy returns a RAID0 policy.
func NewPolicy(stripeSize int64, width int) Policy {
	return Policy{Type: RAID0, StripeSize: stripeSize, Width: width}
}

// Validate checks that the policy can be used.
func (p Policy) Validate() error {
	if p.Type != "" && p.Type != RAID0 {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidPolicy, p.Type)
	}
	if p.StripeSize <= 0 {
		return fmt.Errorf("%w: stripe size must be positive", ErrInvalidPolicy)
	}
	if p.Width <= 0 {
		return fmt.Errorf("%w: width must be positive", ErrInvalidPolicy)
	}
	return nil
}

// Striped reports whether more than one node shares the file's objects.
func (p Policy) Striped() bool {
	return p.Width > 1
}

// ObjectForOffset returns the object number holding byte offset off.
func (p Policy) ObjectForOffset(off int64) int64 {
	return off / p.StripeSize
}

// ObjectStart returns the file offset of the first byte of object obj.
func (p Policy) ObjectStart(obj int64) int64 {
	return obj * p.StripeSize
}

// ObjectEnd returns the file offset of the last byte of object obj.
func (p Policy) ObjectEnd(obj int64) int64 {
	return (obj+1)*p.StripeSize - 1
}

// LastObjectFor returns the number of the last object of a file with the given
// size, or -1 for an empty file.
func (p Policy) LastObjectFor(fileSize int64) int64 {
	if fileSize <= 0 {
		return -1
	}
	return (fileSize - 1) / p.StripeSize
}

// RemainderFor returns the length of the last object of a file with the given
// size. A file ending on an object boundary has a full-size last object.
func (p Policy) RemainderFor(fileSize int64) int64 {
	if fileSize <= 0 {
		return 0
	}
	r := fileSize % p.StripeSize
	if r == 0 {
		return p.StripeSize
	}
	return r
}

// FileSizeFor returns the file size implied by object obj having length n.
func (p Policy) FileSizeFor(obj, n int64) int64 {
	if obj < 0 {
		return 0
	}
	return p.ObjectStart(obj) + n
}

// Position returns the stripe position that stores object obj.
func (p Policy) Position(obj int64) int {
	return int(obj % int64(p.Width))
}

// IsLocal reports whether object obj is stored at stripe position pos.
func (p Policy) IsLocal(obj int64, pos int) bool {
	return p.Position(obj) == pos
}

// LocalObjectAtOrBefore returns the highest object number <= obj stored at
// position pos, or -1 if there is none.
func (p Policy) LocalObjectAtOrBefore(obj int64, pos int) int64 {
	if obj < 0 {
		return -1
	}
	w := int64(p.Width)
	cand := obj - ((obj-int64(pos))%w+w)%w
	if cand < 0 {
		return -1
	}
	return cand
}
