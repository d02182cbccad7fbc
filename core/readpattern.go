package core

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// localReadHeaderSize covers [TotalLen(8)][Rank(4)].
const localReadHeaderSize = 8 + 4

// ReadPatterns is a decoded global read pattern: every reader's declared
// selections keyed by the reader's stream rank.
type ReadPatterns struct {
	Locked bool
	ByRank map[int][]ReadRequest
}

// SerializeReadPattern encodes a reader's requests as a self-framing local
// read pattern. Only the selection (name, type, start, count) travels; the
// destinations stay local.
// Layout: [TotalLen(8)][Rank(4)][msgpack body]
func SerializeReadPattern(reqs []ReadRequest, rank int) ([]byte, error) {
	body, err := msgpack.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode read pattern: %w", err)
	}
	out := make([]byte, localReadHeaderSize, localReadHeaderSize+len(body))
	binary.LittleEndian.PutUint64(out[0:8], uint64(localReadHeaderSize+len(body)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(int32(rank)))
	return append(out, body...), nil
}

// AggregateReadPatterns concatenates local read patterns behind a global
// header carrying the aggregated reader-selections-locked flag.
// Layout: [0(1)][Locked(1)][TotalLen(8)][local read patterns...]
func AggregateReadPatterns(locals [][]byte, locked bool) []byte {
	total := GlobalHeaderSize
	for _, l := range locals {
		total += len(l)
	}
	out := make([]byte, GlobalHeaderSize, total)
	out[1] = boolByte(locked)
	binary.LittleEndian.PutUint64(out[2:10], uint64(total))
	for _, l := range locals {
		out = append(out, l...)
	}
	return out
}

// DecodeReadPatterns reconstructs every reader's selections from a broadcast
// global read pattern.
func DecodeReadPatterns(buf []byte) (*ReadPatterns, error) {
	if len(buf) < GlobalHeaderSize {
		return nil, fmt.Errorf("%w: short read pattern header", ErrCorruptManifest)
	}
	if total := binary.LittleEndian.Uint64(buf[2:10]); total != uint64(len(buf)) {
		return nil, fmt.Errorf("%w: read pattern length word %d, buffer %d", ErrCorruptManifest, total, len(buf))
	}

	rp := &ReadPatterns{
		Locked: buf[1] != 0,
		ByRank: make(map[int][]ReadRequest),
	}
	err := forEachFrame(buf[GlobalHeaderSize:], func(frame []byte) error {
		if len(frame) < localReadHeaderSize {
			return fmt.Errorf("%w: short local read header", ErrCorruptManifest)
		}
		rank := int(int32(binary.LittleEndian.Uint32(frame[8:12])))
		var reqs []ReadRequest
		if err := msgpack.Unmarshal(frame[localReadHeaderSize:], &reqs); err != nil {
			return fmt.Errorf("%w: rank %d: %v", ErrCorruptManifest, rank, err)
		}
		rp.ByRank[rank] = reqs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rp, nil
}
