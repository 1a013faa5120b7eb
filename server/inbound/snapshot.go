package inbound

import "sort"

// Identifier names one message in a mailbox listing. Index is the
// position at the time of the listing; Hash is the server's unique id for
// the message and stays stable while the message exists.
type Identifier struct {
	Index int
	Hash  string
}

// Snapshot is a mailbox listing in ascending Index order.
type Snapshot []Identifier

// Hashes returns the hashes in listing order.
func (s Snapshot) Hashes() []string {
	out := make([]string, len(s))
	for i, id := range s {
		out[i] = id.Hash
	}
	return out
}

// Before returns the entries of s whose Index is lower than index.
func (s Snapshot) Before(index int) Snapshot {
	var out Snapshot
	for _, id := range s {
		if id.Index < index {
			out = append(out, id)
		}
	}
	return out
}

// Boundary returns the index in cur after which every entry arrived since
// prev was taken. It is the newest position in cur holding the newest
// message of prev that is still present. The second return value is false
// when no message of prev survives; the boundary is then 0.
func Boundary(prev, cur Snapshot) (int, bool) {
	newest := make(map[string]int, len(cur))
	for _, id := range cur {
		if idx, ok := newest[id.Hash]; !ok || id.Index > idx {
			newest[id.Hash] = id.Index
		}
	}

	for i := len(prev) - 1; i >= 0; i-- {
		if idx, ok := newest[prev[i].Hash]; ok {
			return idx, true
		}
	}
	return 0, false
}

// NewIndices returns the indices of cur that are new relative to prev, in
// ascending order.
func NewIndices(prev, cur Snapshot) []int {
	boundary, _ := Boundary(prev, cur)

	var out []int
	for _, id := range cur {
		if id.Index > boundary {
			out = append(out, id.Index)
		}
	}
	sort.Ints(out)
	return out
}
