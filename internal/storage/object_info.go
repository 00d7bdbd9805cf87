package storage

// Status is the local state of a requested object version.
type Status int

const (
	// StatusExists means the object has stored data.
	StatusExists Status = iota
	// StatusDoesNotExist means nothing is stored for the object.
	StatusDoesNotExist
	// StatusPadded means the object is a full-size zero object.
	StatusPadded
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "EXISTS"
	case StatusDoesNotExist:
		return "DOES_NOT_EXIST"
	case StatusPadded:
		return "PADDED"
	default:
		return "UNKNOWN"
	}
}

// ObjectInformation is the result of reading one object version.
type ObjectInformation struct {
	Status          Status
	Data            []byte
	StripeSize      int64
	Version         int64
	Checksum        string
	InvalidChecksum bool
}

// ReadResult is the part of an object returned to a client. Data may be
// shorter than the requested range; ZeroPadding counts the zero bytes the
// client must append. Data == nil with ZeroPadding > 0 is a hole.
type ReadResult struct {
	Data        []byte
	ZeroPadding int64
}

// ObjectData clips the object to [offset, offset+length) and computes the
// padding. length <= 0 reads to the end of the stripe. A non-last object is
// always padded up to the requested range; the last object is returned short.
func (oi *ObjectInformation) ObjectData(isLast bool, offset, length int64) ReadResult {
	end := oi.StripeSize
	if length > 0 && offset+length < end {
		end = offset + length
	}
	want := end - offset
	if want < 0 {
		want = 0
	}

	if oi.Status != StatusExists {
		if isLast {
			return ReadResult{}
		}
		return ReadResult{ZeroPadding: want}
	}

	var data []byte
	if offset < int64(len(oi.Data)) {
		stop := end
		if stop > int64(len(oi.Data)) {
			stop = int64(len(oi.Data))
		}
		data = oi.Data[offset:stop]
	}
	if data == nil {
		data = []byte{}
	}
	if isLast {
		return ReadResult{Data: data}
	}
	return ReadResult{Data: data, ZeroPadding: want - int64(len(data))}
}
