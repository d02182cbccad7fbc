package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorruptManifest is returned when a manifest buffer is truncated or its
// framing is inconsistent.
var ErrCorruptManifest = errors.New("core: corrupt manifest")

// Global manifest header layout.
// Layout: [EndOfStream(1)][Locked(1)][TotalLen(8)][local patterns...]
const (
	GlobalHeaderSize = 1 + 1 + 8
	// LocalHeaderSize covers [TotalLen(8)][Rank(4)][Locked(1)][Count(4)].
	LocalHeaderSize = 8 + 4 + 1 + 4
	// minBlockSize is a block record with an empty name, no dimensions and
	// no inline value.
	minBlockSize = 2 + 1 + 1 + 3 + 8 + 8 + 4
)

// Manifest is a decoded global write pattern.
type Manifest struct {
	EndOfStream bool
	Locked      bool
	Pattern     [][]Block // indexed by stream rank
}

// SerializeWritePattern encodes one writer rank's blocks as a self-framing
// local write pattern whose first 8-byte word is its own total length.
// Layout: [TotalLen(8)][Rank(4)][Locked(1)][Count(4)][block records...]
func SerializeWritePattern(blocks []Block, rank int, locked bool) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Write(make([]byte, 8)) // total length, patched below

	if err := binary.Write(buf, binary.LittleEndian, int32(rank)); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(boolByte(locked)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(blocks))); err != nil {
		return nil, err
	}
	for i := range blocks {
		if err := writeBlock(buf, &blocks[i]); err != nil {
			return nil, fmt.Errorf("block %q: %w", blocks[i].Name, err)
		}
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(out)))
	return out, nil
}

// writeBlock appends one block record.
// Layout: [NameLen(2)][Name][Type(1)][Shape(1)]
// [NShape(1)][Shape(8*n)][NStart(1)][Start(8*n)][NCount(1)][Count(8*n)]
// [BufferStart(8)][BufferCount(8)][ValueLen(4)][Value]
func writeBlock(buf *bytes.Buffer, b *Block) error {
	if len(b.Name) > 0xFFFF {
		return errors.New("name too long")
	}

	if err := binary.Write(buf, binary.LittleEndian, uint16(len(b.Name))); err != nil {
		return err
	}
	buf.WriteString(b.Name)
	buf.WriteByte(byte(b.Type))
	buf.WriteByte(byte(b.ShapeID))

	for _, dims := range []Dims{b.Shape, b.Start, b.Count} {
		if len(dims) > 0xFF {
			return errors.New("too many dimensions")
		}
		buf.WriteByte(byte(len(dims)))
		for _, v := range dims {
			if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, b.BufferStart); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, b.BufferCount); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(b.Value))); err != nil {
		return err
	}
	if len(b.Value) > 0 {
		if n, err := buf.Write(b.Value); err != nil || n != len(b.Value) {
			return errors.New("failed to write value")
		}
	}
	return nil
}

// AggregateWritePatterns concatenates the local write patterns of all writer
// ranks behind a global header. The global locked flag is set only when every
// writer reported its definitions locked.
func AggregateWritePatterns(locals [][]byte) ([]byte, error) {
	locked := len(locals) > 0
	total := GlobalHeaderSize
	for i, l := range locals {
		if len(l) < LocalHeaderSize || binary.LittleEndian.Uint64(l[0:8]) != uint64(len(l)) {
			return nil, fmt.Errorf("%w: local pattern %d has bad framing", ErrCorruptManifest, i)
		}
		if l[12] == 0 {
			locked = false
		}
		total += len(l)
	}

	out := make([]byte, GlobalHeaderSize, total)
	out[0] = 0
	out[1] = boolByte(locked)
	binary.LittleEndian.PutUint64(out[2:10], uint64(total))
	for _, l := range locals {
		out = append(out, l...)
	}
	return out, nil
}

// EndOfStreamManifest returns the terminal manifest broadcast by the writer
// master when the producer side has closed.
func EndOfStreamManifest() []byte {
	return []byte{1}
}

// IsEndOfStream reports whether a global manifest carries the end-of-stream
// sentinel.
func IsEndOfStream(buf []byte) bool {
	return len(buf) > 0 && buf[0] == 1
}

// DecodeManifest reconstructs the global write pattern from a broadcast
// manifest. streamSize sizes the pattern; ranks absent from the manifest
// (readers) get empty block lists. When the sentinel is set nothing else is
// decoded.
func DecodeManifest(buf []byte, streamSize int) (*Manifest, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrCorruptManifest)
	}
	if IsEndOfStream(buf) {
		return &Manifest{EndOfStream: true}, nil
	}
	if len(buf) < GlobalHeaderSize {
		return nil, fmt.Errorf("%w: short global header", ErrCorruptManifest)
	}
	total := binary.LittleEndian.Uint64(buf[2:10])
	if total != uint64(len(buf)) {
		return nil, fmt.Errorf("%w: length word %d, buffer %d", ErrCorruptManifest, total, len(buf))
	}

	m := &Manifest{
		Locked:  buf[1] != 0,
		Pattern: make([][]Block, streamSize),
	}

	err := forEachFrame(buf[GlobalHeaderSize:], func(frame []byte) error {
		rank, blocks, err := decodeLocalPattern(frame)
		if err != nil {
			return err
		}
		if rank < 0 || rank >= streamSize {
			return fmt.Errorf("%w: rank %d outside stream of %d", ErrCorruptManifest, rank, streamSize)
		}
		m.Pattern[rank] = blocks
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// forEachFrame walks a sequence of frames that each begin with their own
// 8-byte total length.
func forEachFrame(buf []byte, fn func(frame []byte) error) error {
	for pos := 0; pos < len(buf); {
		if len(buf)-pos < 8 {
			return fmt.Errorf("%w: truncated frame header at %d", ErrCorruptManifest, pos)
		}
		n := binary.LittleEndian.Uint64(buf[pos : pos+8])
		if n < 8 || n > uint64(len(buf)-pos) {
			return fmt.Errorf("%w: frame length %d at %d", ErrCorruptManifest, n, pos)
		}
		if err := fn(buf[pos : pos+int(n)]); err != nil {
			return err
		}
		pos += int(n)
	}
	return nil
}

func decodeLocalPattern(frame []byte) (int, []Block, error) {
	if len(frame) < LocalHeaderSize {
		return 0, nil, fmt.Errorf("%w: short local header", ErrCorruptManifest)
	}
	r := &manifestReader{r: bytes.NewReader(frame[8:])}
	rank := int(int32(r.u32()))
	r.u8() // per-rank locked flag, folded into the global header
	count := r.u32()
	if r.err != nil {
		return 0, nil, r.err
	}
	if uint64(count) > uint64(r.r.Len()/minBlockSize) {
		return 0, nil, fmt.Errorf("%w: rank %d claims %d blocks in %d bytes", ErrCorruptManifest, rank, count, r.r.Len())
	}

	blocks := make([]Block, 0, count)
	for i := uint32(0); i < count; i++ {
		b := r.block()
		if r.err != nil {
			return 0, nil, fmt.Errorf("rank %d block %d: %w", rank, i, r.err)
		}
		blocks = append(blocks, b)
	}
	if r.r.Len() != 0 {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes in rank %d", ErrCorruptManifest, r.r.Len(), rank)
	}
	return rank, blocks, nil
}

// manifestReader is a bytes.Reader with a sticky error.
type manifestReader struct {
	r   *bytes.Reader
	err error
}

func (m *manifestReader) fail(what string) {
	if m.err == nil {
		m.err = fmt.Errorf("%w: truncated %s", ErrCorruptManifest, what)
	}
}

func (m *manifestReader) u8() byte {
	if m.err != nil {
		return 0
	}
	b, err := m.r.ReadByte()
	if err != nil {
		m.fail("byte")
	}
	return b
}

func (m *manifestReader) u16() uint16 {
	var v uint16
	if m.err == nil && binary.Read(m.r, binary.LittleEndian, &v) != nil {
		m.fail("uint16")
	}
	return v
}

func (m *manifestReader) u32() uint32 {
	var v uint32
	if m.err == nil && binary.Read(m.r, binary.LittleEndian, &v) != nil {
		m.fail("uint32")
	}
	return v
}

func (m *manifestReader) u64() uint64 {
	var v uint64
	if m.err == nil && binary.Read(m.r, binary.LittleEndian, &v) != nil {
		m.fail("uint64")
	}
	return v
}

func (m *manifestReader) raw(n int) []byte {
	if m.err != nil {
		return nil
	}
	if n > m.r.Len() {
		m.fail("payload")
		return nil
	}
	out := make([]byte, n)
	if _, err := m.r.Read(out); err != nil && n > 0 {
		m.fail("payload")
	}
	return out
}

func (m *manifestReader) dims(n int) Dims {
	if n == 0 {
		return nil
	}
	d := make(Dims, n)
	for i := range d {
		d[i] = m.u64()
	}
	return d
}

func (m *manifestReader) block() Block {
	var b Block
	nameLen := int(m.u16())
	b.Name = string(m.raw(nameLen))
	b.Type = DataType(m.u8())
	b.ShapeID = ShapeID(m.u8())
	b.Shape = m.dims(int(m.u8()))
	b.Start = m.dims(int(m.u8()))
	b.Count = m.dims(int(m.u8()))
	b.BufferStart = m.u64()
	b.BufferCount = m.u64()
	if valueLen := int(m.u32()); valueLen > 0 {
		b.Value = m.raw(valueLen)
	}
	return b
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
