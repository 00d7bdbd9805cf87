package striping

// Replica is one complete copy of a file, striped over OSDs. OSDs[i] holds the
// objects at stripe position i.
type Replica struct {
	Policy Policy   `json:"policy"`
	OSDs   []string `json:"osds"`
}

// Position returns the stripe position of nodeID in the replica, or -1.
func (r Replica) Position(nodeID string) int {
	for i, id := range r.OSDs {
		if id == nodeID {
			return i
		}
	}
	return -1
}

// Locations lists every replica of a file. The first replica is the head.
type Locations struct {
	Replicas []Replica `json:"replicas"`
}

// SingleReplica wraps one replica in a Locations value.
func SingleReplica(p Policy, osds ...string) Locations {
	return Locations{Replicas: []Replica{{Policy: p, OSDs: osds}}}
}

// CurrentReplica returns the replica nodeID belongs to and its stripe position.
func (l Locations) CurrentReplica(nodeID string) (Replica, int, bool) {
	for _, r := range l.Replicas {
		if pos := r.Position(nodeID); pos >= 0 {
			return r, pos, true
		}
	}
	return Replica{}, -1, false
}

// Replicated reports whether the file has more than one replica.
func (l Locations) Replicated() bool {
	return len(l.Replicas) > 1
}

// Head returns the node coordinating truncates and deletes for the file.
func (l Locations) Head() string {
	if len(l.Replicas) == 0 || len(l.Replicas[0].OSDs) == 0 {
		return ""
	}
	return l.Replicas[0].OSDs[0]
}

// IsHead reports whether nodeID may initiate head-only operations. For a
// single-replica file every stripe member qualifies.
func (l Locations) IsHead(nodeID string) bool {
	if !l.Replicated() {
		_, _, ok := l.CurrentReplica(nodeID)
		return ok
	}
	return l.Replicas[0].Position(nodeID) >= 0
}

// StripePeers returns the other OSDs of nodeID's replica.
func (l Locations) StripePeers(nodeID string) []string {
	r, _, ok := l.CurrentReplica(nodeID)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.OSDs))
	for _, id := range r.OSDs {
		if id != nodeID {
			out = append(out, id)
		}
	}
	return out
}

// Peers returns every other OSD holding a stripe or replica of the file.
func (l Locations) Peers(nodeID string) []string {
	seen := map[string]struct{}{nodeID: {}}
	var out []string
	for _, r := range l.Replicas {
		for _, id := range r.OSDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
