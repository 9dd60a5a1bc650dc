// Package partition derives per-cluster membership sets from an assignment
// vector. Membership is held in Roaring Bitmaps, which stay compact for both
// dense clusters and stragglers and support fast set algebra between runs.
package partition

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/RoaringBitmap/roaring/v2"
)

// Membership holds one bitmap of sample indices per cluster.
type Membership struct {
	clusters []*roaring.Bitmap
}

// FromAssignments builds the membership sets for an assignment vector.
// Every assignment must be below clusters.
func FromAssignments(assignments []uint32, clusters int) (*Membership, error) {
	m := &Membership{
		clusters: make([]*roaring.Bitmap, clusters),
	}
	for c := range m.clusters {
		m.clusters[c] = roaring.New()
	}

	for i, c := range assignments {
		if int(c) >= clusters {
			return nil, fmt.Errorf("partition: sample %d assigned to cluster %d, only %d clusters", i, c, clusters)
		}
		m.clusters[c].Add(uint32(i))
	}

	return m, nil
}

// Clusters returns the number of clusters.
func (m *Membership) Clusters() int {
	return len(m.clusters)
}

// Count returns the number of samples in cluster c.
func (m *Membership) Count(c int) uint64 {
	return m.clusters[c].GetCardinality()
}

// Counts returns the per-cluster sample counts.
func (m *Membership) Counts() []uint64 {
	counts := make([]uint64, len(m.clusters))
	for c, rb := range m.clusters {
		counts[c] = rb.GetCardinality()
	}
	return counts
}

// NonEmpty returns the number of clusters holding at least one sample.
func (m *Membership) NonEmpty() int {
	n := 0
	for _, rb := range m.clusters {
		if !rb.IsEmpty() {
			n++
		}
	}
	return n
}

// Contains reports whether sample i belongs to cluster c.
func (m *Membership) Contains(c int, i uint32) bool {
	return m.clusters[c].Contains(i)
}

// Members returns an iterator over the sample indices of cluster c, in
// ascending order.
func (m *Membership) Members(c int) iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		it := m.clusters[c].Iterator()
		for it.HasNext() {
			if !yield(it.Next()) {
				return
			}
		}
	}
}

// Moved returns the set of samples whose cluster differs between m and
// other. Both memberships must cover the same sample range.
func (m *Membership) Moved(other *Membership) *roaring.Bitmap {
	moved := roaring.New()
	for c := range m.clusters {
		var theirs *roaring.Bitmap
		if c < len(other.clusters) {
			theirs = other.clusters[c]
		} else {
			theirs = roaring.New()
		}
		moved.Or(roaring.Xor(m.clusters[c], theirs))
	}
	return moved
}

// MarshalBinary serializes the membership sets.
func (m *Membership) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(m.clusters)))
	buf.Write(count[:])

	for _, rb := range m.clusters {
		rb.RunOptimize()
		data, err := rb.ToBytes()
		if err != nil {
			return nil, err
		}
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
		buf.Write(size[:])
		buf.Write(data)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary restores membership sets written by MarshalBinary.
func (m *Membership) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("partition: truncated membership header")
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]

	// Every bitmap carries at least a 4-byte size prefix, so the payload
	// bounds the plausible cluster count. Checked before allocating.
	if uint64(count)*4 > uint64(len(data)) {
		return fmt.Errorf("partition: %d clusters cannot fit in %d bytes", count, len(data))
	}

	m.clusters = make([]*roaring.Bitmap, count)
	for c := range m.clusters {
		if len(data) < 4 {
			return fmt.Errorf("partition: truncated bitmap %d", c)
		}
		size := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < size {
			return fmt.Errorf("partition: bitmap %d needs %d bytes, have %d", c, size, len(data))
		}
		rb := roaring.New()
		if err := rb.UnmarshalBinary(data[:size]); err != nil {
			return err
		}
		m.clusters[c] = rb
		data = data[size:]
	}

	return nil
}

