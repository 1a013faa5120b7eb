package inbound

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func snap(hashes ...string) Snapshot {
	s := make(Snapshot, len(hashes))
	for i, h := range hashes {
		s[i] = Identifier{Index: i + 1, Hash: h}
	}
	return s
}

func TestNewIndices(t *testing.T) {
	tests := []struct {
		name string
		prev Snapshot
		cur  Snapshot
		want []int
	}{
		{"stable mailbox", snap("h1", "h2"), snap("h1", "h2", "h3"), []int{3}},
		{"deletion shift", snap("h1", "h2", "h3"), snap("h2", "h3", "h4"), []int{3}},
		{"full clear", snap("h1"), snap("h9", "h10"), []int{1, 2}},
		{"nothing new", snap("h1", "h2"), snap("h1", "h2"), nil},
		{"empty mailbox", snap("h1", "h2"), snap(), nil},
		{"newest deleted", snap("h1", "h2", "h3"), snap("h1", "h2", "h4"), []int{3}},
		{"previously empty", snap(), snap("h1", "h2"), []int{1, 2}},
		{"several new after shift", snap("h1", "h2"), snap("h2", "h3", "h4", "h5"), []int{2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewIndices(tt.prev, tt.cur))
		})
	}
}

func TestBoundary(t *testing.T) {
	b, ok := Boundary(snap("h1", "h2", "h3"), snap("h2", "h3", "h4"))
	assert.True(t, ok)
	assert.Equal(t, 2, b)

	b, ok = Boundary(snap("h1"), snap("h9"))
	assert.False(t, ok)
	assert.Equal(t, 0, b)
}

func TestBoundaryPrefersNewestOldEntry(t *testing.T) {
	// h3 is newer than h1 in the old listing, so it decides the boundary
	// even though h1 also survives.
	prev := snap("h1", "h2", "h3")
	cur := snap("h1", "h3", "h5", "h6")
	b, ok := Boundary(prev, cur)
	assert.True(t, ok)
	assert.Equal(t, 2, b)
	assert.Equal(t, []int{3, 4}, NewIndices(prev, cur))
}

func TestSnapshotHashes(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, snap("a", "b").Hashes())
	assert.Empty(t, snap().Hashes())
}

func TestSnapshotBefore(t *testing.T) {
	s := snap("h1", "h2", "h3")
	assert.Equal(t, snap("h1", "h2"), s.Before(3))
	assert.Empty(t, s.Before(1))
	assert.Equal(t, s, s.Before(10))
}
