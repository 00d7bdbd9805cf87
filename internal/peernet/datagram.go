package peernet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/stripestore/osd/internal/osd"
)

// Datagram layout.
// Format: [2 magic][1 version][1 reserved][8 epoch][8 last object][8 file size][2 id length][id]
const (
	datagramMagic   = 0x4758 // "GX"
	datagramVersion = 1

	DatagramHeaderSize = 30
	MaxFileIDLength    = 1024
	MaxDatagramSize    = DatagramHeaderSize + MaxFileIDLength
)

var ErrBadDatagram = errors.New("malformed gmax datagram")

// GmaxDatagram is a gmax update for one file.
type GmaxDatagram struct {
	FileID string
	Gmax   osd.Gmax
}

// Marshal serializes the datagram.
func (d *GmaxDatagram) Marshal() ([]byte, error) {
	if d.FileID == "" || len(d.FileID) > MaxFileIDLength {
		return nil, fmt.Errorf("%w: file id length %d", ErrBadDatagram, len(d.FileID))
	}
	buf := make([]byte, DatagramHeaderSize+len(d.FileID))
	binary.BigEndian.PutUint16(buf[0:2], datagramMagic)
	buf[2] = datagramVersion
	// byte 3 reserved (zero)
	binary.BigEndian.PutUint64(buf[4:12], uint64(d.Gmax.Epoch))
	binary.BigEndian.PutUint64(buf[12:20], uint64(d.Gmax.LastObject))
	binary.BigEndian.PutUint64(buf[20:28], uint64(d.Gmax.FileSize))
	binary.BigEndian.PutUint16(buf[28:30], uint16(len(d.FileID)))
	copy(buf[DatagramHeaderSize:], d.FileID)
	return buf, nil
}

// UnmarshalGmaxDatagram parses a datagram.
func UnmarshalGmaxDatagram(data []byte) (*GmaxDatagram, error) {
	if len(data) < DatagramHeaderSize {
		return nil, fmt.Errorf("%w: too short: %d < %d", ErrBadDatagram, len(data), DatagramHeaderSize)
	}
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != datagramMagic {
		return nil, fmt.Errorf("%w: bad magic %#04x", ErrBadDatagram, magic)
	}
	if data[2] != datagramVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadDatagram, data[2])
	}
	n := int(binary.BigEndian.Uint16(data[28:30]))
	if n == 0 || n > MaxFileIDLength || len(data) != DatagramHeaderSize+n {
		return nil, fmt.Errorf("%w: file id length %d in %d bytes", ErrBadDatagram, n, len(data))
	}
	return &GmaxDatagram{
		FileID: string(data[DatagramHeaderSize:]),
		Gmax: osd.Gmax{
			Epoch:      int64(binary.BigEndian.Uint64(data[4:12])),
			LastObject: int64(binary.BigEndian.Uint64(data[12:20])),
			FileSize:   int64(binary.BigEndian.Uint64(data[20:28])),
		},
	}, nil
}
