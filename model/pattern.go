// Package model holds the per-step matching state of a stream reader.
//
// A GlobalWritePattern is the decoded manifest: one block list per stream
// rank, empty for ranks that publish nothing (readers included). Matching a
// pattern against a reader's selections yields a RankPosMap, the set of
// contributing writer ranks, which CalculatePosition then lays out as
// disjoint segments of one flat receive buffer.
//
// Key operations:
//   - CalculateOverlap: contributing ranks for a set of read requests
//   - CalculatePosition: segment assignment and block offset rebasing
//   - ContributorsFor: the inverse question asked by writers in fixed mode
package model

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/sbl8/stagestream/core"
	"github.com/sbl8/stagestream/kernels"
)

// GlobalWritePattern is indexed by stream rank.
type GlobalWritePattern [][]core.Block

// Clone returns a deep copy so that rebasing never touches the decoded
// manifest.
func (p GlobalWritePattern) Clone() GlobalWritePattern {
	if p == nil {
		return nil
	}
	out := make(GlobalWritePattern, len(p))
	for r, blocks := range p {
		if blocks == nil {
			continue
		}
		out[r] = make([]core.Block, len(blocks))
		for i := range blocks {
			out[r][i] = blocks[i].Clone()
		}
	}
	return out
}

// Validate checks that every block lies inside its rank's payload and that
// value blocks carry exactly their declared bytes.
func (p GlobalWritePattern) Validate() error {
	for r, blocks := range p {
		total := core.TotalDataSize(blocks)
		for i := range blocks {
			b := &blocks[i]
			if b.BufferStart+b.BufferCount > total {
				return fmt.Errorf("rank %d block %q: range [%d,%d) outside payload of %d bytes",
					r, b.Name, b.BufferStart, b.BufferStart+b.BufferCount, total)
			}
			if b.ShapeID.IsValue() && uint64(len(b.Value)) != b.BufferCount {
				return fmt.Errorf("rank %d block %q: inline value %d bytes, declared %d",
					r, b.Name, len(b.Value), b.BufferCount)
			}
			if b.ShapeID.IsArray() && len(b.Start) != 0 && len(b.Start) != len(b.Count) {
				return fmt.Errorf("rank %d block %q: start has %d dims, count %d",
					r, b.Name, len(b.Start), len(b.Count))
			}
		}
	}
	return nil
}

// LogValue summarises the pattern for debug records.
func (p GlobalWritePattern) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(p))
	for r, blocks := range p {
		if len(blocks) == 0 {
			continue
		}
		names := make([]string, len(blocks))
		for i := range blocks {
			names[i] = fmt.Sprintf("%s:%s[%d+%d]", blocks[i].Name, blocks[i].ShapeID,
				blocks[i].BufferStart, blocks[i].BufferCount)
		}
		attrs = append(attrs, slog.Any(fmt.Sprintf("rank%d", r), names))
	}
	return slog.GroupValue(attrs...)
}

// RankPos is one contributing writer rank and its receive buffer segment.
type RankPos struct {
	Rank   int
	Offset uint64
	Size   uint64
}

// RankPosMap holds contributing ranks in ascending rank order.
type RankPosMap []RankPos

// Lookup returns the segment assigned to rank.
func (m RankPosMap) Lookup(rank int) (RankPos, bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].Rank >= rank })
	if i < len(m) && m[i].Rank == rank {
		return m[i], true
	}
	return RankPos{}, false
}

// TotalSize is the receive buffer size the map lays out.
func (m RankPosMap) TotalSize() uint64 {
	var n uint64
	for _, p := range m {
		n += p.Size
	}
	return n
}

// Ranks lists the contributing ranks.
func (m RankPosMap) Ranks() []int {
	out := make([]int, len(m))
	for i, p := range m {
		out[i] = p.Rank
	}
	return out
}

// SameRanks reports whether both maps name exactly the same ranks.
func (m RankPosMap) SameRanks(o RankPosMap) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if m[i].Rank != o[i].Rank {
			return false
		}
	}
	return true
}

// Matches reports whether block b serves request req. Value blocks match by
// name alone. Array blocks must overlap the requested box; a block with a
// zero-length dimension never matches.
func Matches(b *core.Block, req *core.ReadRequest) bool {
	if b.Name != req.Name {
		return false
	}
	switch {
	case b.ShapeID.IsValue():
		return true
	case b.ShapeID.IsArray():
		if b.Empty() {
			return false
		}
		return kernels.Intersects(
			kernels.Box{Start: b.Start, Count: b.Count},
			kernels.Box{Start: req.Start, Count: req.Count},
		)
	}
	return false
}

// CalculateOverlap returns the writer ranks holding data for at least one of
// reqs, in ascending order, with unassigned positions.
func CalculateOverlap(p GlobalWritePattern, reqs []core.ReadRequest) RankPosMap {
	var out RankPosMap
	for rank, blocks := range p {
		if rankContributes(blocks, reqs) {
			out = append(out, RankPos{Rank: rank})
		}
	}
	return out
}

func rankContributes(blocks []core.Block, reqs []core.ReadRequest) bool {
	for i := range blocks {
		for j := range reqs {
			if Matches(&blocks[i], &reqs[j]) {
				return true
			}
		}
	}
	return false
}

// CalculatePosition assigns each rank in m the next free segment of the
// receive buffer and rebases that rank's blocks in p to absolute offsets. A
// segment holds the rank's whole payload plus one trailing marker byte. It
// returns the total buffer size.
func CalculatePosition(p GlobalWritePattern, m RankPosMap) uint64 {
	var cursor uint64
	for i := range m {
		rank := m[i].Rank
		var blocks []core.Block
		if rank >= 0 && rank < len(p) {
			blocks = p[rank]
		}
		m[i].Offset = cursor
		m[i].Size = core.SegmentSize(blocks)
		for j := range blocks {
			blocks[j].BufferStart += cursor
		}
		cursor += m[i].Size
	}
	return cursor
}

// FixedOverlap is CalculateOverlap for fixed steps. A fixed step carries no
// manifest, so a rank publishing any value block contributes to every
// reader; values of the whole stream stay current without selections.
func FixedOverlap(p GlobalWritePattern, reqs []core.ReadRequest) RankPosMap {
	var out RankPosMap
	for rank, blocks := range p {
		if streamsTo(blocks, reqs) {
			out = append(out, RankPos{Rank: rank})
		}
	}
	return out
}

func streamsTo(blocks []core.Block, reqs []core.ReadRequest) bool {
	for i := range blocks {
		if blocks[i].ShapeID.IsValue() {
			return true
		}
	}
	return rankContributes(blocks, reqs)
}

// ContributorsFor returns, in ascending order, the readers writer sends to
// in fixed steps: exactly those whose FixedOverlap contains writer.
func ContributorsFor(p GlobalWritePattern, writer int, byReader map[int][]core.ReadRequest) []int {
	if writer < 0 || writer >= len(p) {
		return nil
	}
	var out []int
	for reader, reqs := range byReader {
		if streamsTo(p[writer], reqs) {
			out = append(out, reader)
		}
	}
	sort.Ints(out)
	return out
}
