package osd

// Gmax is the (epoch, last object, size) triple peers exchange to agree on
// the extent of a striped file.
type Gmax struct {
	Epoch      int64 `json:"truncate_epoch"`
	LastObject int64 `json:"last_object"`
	FileSize   int64 `json:"file_size"`
}

// Dominates reports whether g wins over o: the higher epoch wins, within an
// epoch the larger last object, then the larger size.
func (g Gmax) Dominates(o Gmax) bool {
	if g.Epoch != o.Epoch {
		return g.Epoch > o.Epoch
	}
	if g.LastObject != o.LastObject {
		return g.LastObject > o.LastObject
	}
	return g.FileSize > o.FileSize
}

// MergeGmax folds all values into the dominating one.
func MergeGmax(first Gmax, rest ...Gmax) Gmax {
	best := first
	for _, g := range rest {
		if g.Dominates(best) {
			best = g
		}
	}
	return best
}
