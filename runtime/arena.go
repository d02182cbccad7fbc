package runtime

import (
	"errors"
	"fmt"

	"github.com/sbl8/stagestream/core"
	"github.com/sbl8/stagestream/model"
)

// ArenaRegion is the receive segment of one contributing writer rank.
type ArenaRegion struct {
	Rank   int
	Offset uint64
	Size   uint64
}

// Arena is the reader's flat receive buffer. It is laid out as one region
// per contributing writer rank, in rank order, each ending with the rank's
// segment-end marker byte.
type Arena struct {
	buffer  []byte
	regions []ArenaRegion
	resizes int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Layout adopts the segments of m. The buffer is resized when its total
// size changes; a resize that fits the current capacity reuses it.
func (a *Arena) Layout(m model.RankPosMap) error {
	var cursor uint64
	regions := make([]ArenaRegion, len(m))
	for i, p := range m {
		if p.Offset != cursor {
			return fmt.Errorf("rank %d segment at %d, want %d", p.Rank, p.Offset, cursor)
		}
		if p.Size == 0 {
			return fmt.Errorf("rank %d segment has no marker byte", p.Rank)
		}
		if i > 0 && p.Rank <= m[i-1].Rank {
			return fmt.Errorf("rank %d listed after rank %d", p.Rank, m[i-1].Rank)
		}
		regions[i] = ArenaRegion{Rank: p.Rank, Offset: p.Offset, Size: p.Size}
		cursor += p.Size
	}

	if cursor != uint64(len(a.buffer)) {
		if cursor <= uint64(cap(a.buffer)) {
			a.buffer = a.buffer[:cursor]
		} else {
			a.buffer = core.AlignedBytes(int(core.AlignedSize(uintptr(cursor))))[:cursor]
		}
		a.resizes++
	}
	a.regions = regions
	return nil
}

// Buffer returns the raw receive buffer.
func (a *Arena) Buffer() []byte {
	return a.buffer
}

// Regions returns the current layout.
func (a *Arena) Regions() []ArenaRegion {
	return a.regions
}

// Region returns the region assigned to rank.
func (a *Arena) Region(rank int) (ArenaRegion, bool) {
	for _, r := range a.regions {
		if r.Rank == rank {
			return r, true
		}
	}
	return ArenaRegion{}, false
}

// Segment returns rank's whole segment, marker byte included.
func (a *Arena) Segment(rank int) ([]byte, bool) {
	r, ok := a.Region(rank)
	if !ok {
		return nil, false
	}
	return a.buffer[r.Offset : r.Offset+r.Size], true
}

// Marker returns the segment-end marker byte of rank.
func (a *Arena) Marker(rank int) (byte, bool) {
	r, ok := a.Region(rank)
	if !ok {
		return 0, false
	}
	return a.buffer[r.Offset+r.Size-1], true
}

// ReadAt returns size bytes at offset without copying.
func (a *Arena) ReadAt(offset, size uint64) ([]byte, error) {
	end := offset + size
	if end < offset || end > uint64(len(a.buffer)) {
		return nil, errors.New("read exceeds buffer bounds")
	}
	return a.buffer[offset:end], nil
}

// TotalSize returns the laid out size.
func (a *Arena) TotalSize() uint64 {
	return uint64(len(a.buffer))
}

// Resizes counts layouts that changed the buffer size.
func (a *Arena) Resizes() int {
	return a.resizes
}
