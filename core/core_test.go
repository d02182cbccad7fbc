package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func sampleBlocks() []Block {
	return []Block{
		{
			Name:        "temperature",
			Type:        TypeFloat64,
			ShapeID:     GlobalArray,
			Shape:       Dims{16, 8},
			Start:       Dims{4, 0},
			Count:       Dims{4, 8},
			BufferStart: 0,
			BufferCount: 4 * 8 * 8,
		},
		{
			Name:        "step",
			Type:        TypeInt32,
			ShapeID:     GlobalValue,
			BufferStart: 256,
			BufferCount: 4,
			Value:       []byte{42, 0, 0, 0},
		},
		{
			Name:        "label",
			Type:        TypeString,
			ShapeID:     LocalValue,
			BufferStart: 260,
			BufferCount: 5,
			Value:       []byte("hello"),
		},
		{
			Name:        "particles",
			Type:        TypeFloat32,
			ShapeID:     LocalArray,
			Start:       Dims{0},
			Count:       Dims{0},
			BufferStart: 265,
			BufferCount: 0,
		},
	}
}

func TestWritePatternRoundTrip(t *testing.T) {
	t.Parallel()
	blocks := sampleBlocks()

	local, err := SerializeWritePattern(blocks, 1, true)
	if err != nil {
		t.Fatalf("SerializeWritePattern failed: %v", err)
	}
	global, err := AggregateWritePatterns([][]byte{local})
	if err != nil {
		t.Fatalf("AggregateWritePatterns failed: %v", err)
	}

	m, err := DecodeManifest(global, 3)
	if err != nil {
		t.Fatalf("DecodeManifest failed: %v", err)
	}
	if m.EndOfStream {
		t.Fatal("unexpected end of stream")
	}
	if !m.Locked {
		t.Error("locked flag lost")
	}
	if len(m.Pattern) != 3 {
		t.Fatalf("pattern size = %d, want 3", len(m.Pattern))
	}
	if len(m.Pattern[0]) != 0 || len(m.Pattern[2]) != 0 {
		t.Error("ranks without a local pattern should be empty")
	}
	if !reflect.DeepEqual(m.Pattern[1], blocks) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", m.Pattern[1], blocks)
	}
}

func TestLocalPatternLengthWord(t *testing.T) {
	t.Parallel()
	local, err := SerializeWritePattern(sampleBlocks(), 0, false)
	if err != nil {
		t.Fatalf("SerializeWritePattern failed: %v", err)
	}
	got := uint64(local[0]) | uint64(local[1])<<8 | uint64(local[2])<<16 | uint64(local[3])<<24
	if got != uint64(len(local)) {
		t.Errorf("length word = %d, buffer = %d", got, len(local))
	}
}

func TestAggregateLockedRequiresAllWriters(t *testing.T) {
	t.Parallel()
	a, _ := SerializeWritePattern(nil, 0, true)
	b, _ := SerializeWritePattern(nil, 1, false)

	global, err := AggregateWritePatterns([][]byte{a, b})
	if err != nil {
		t.Fatalf("AggregateWritePatterns failed: %v", err)
	}
	m, err := DecodeManifest(global, 2)
	if err != nil {
		t.Fatalf("DecodeManifest failed: %v", err)
	}
	if m.Locked {
		t.Error("manifest locked although one writer is not")
	}

	b, _ = SerializeWritePattern(nil, 1, true)
	global, _ = AggregateWritePatterns([][]byte{a, b})
	m, _ = DecodeManifest(global, 2)
	if !m.Locked {
		t.Error("manifest not locked although every writer is")
	}
}

func TestEndOfStreamManifest(t *testing.T) {
	t.Parallel()
	buf := EndOfStreamManifest()
	if !IsEndOfStream(buf) {
		t.Fatal("sentinel not recognised")
	}
	m, err := DecodeManifest(buf, 4)
	if err != nil {
		t.Fatalf("DecodeManifest failed: %v", err)
	}
	if !m.EndOfStream {
		t.Error("EndOfStream not reported")
	}
	if m.Pattern != nil {
		t.Error("pattern decoded past the sentinel")
	}
}

func TestDecodeManifestCorrupt(t *testing.T) {
	t.Parallel()
	local, _ := SerializeWritePattern(sampleBlocks(), 0, false)
	global, _ := AggregateWritePatterns([][]byte{local})

	// An empty local pattern whose block count claims 2^32-1 records.
	empty, _ := SerializeWritePattern(nil, 0, false)
	binary.LittleEndian.PutUint32(empty[13:17], 0xFFFFFFFF)
	huge, _ := AggregateWritePatterns([][]byte{empty})

	tests := []struct {
		name string
		buf  []byte
		size int
	}{
		{name: "empty", buf: nil, size: 1},
		{name: "block count exceeds frame", buf: huge, size: 1},
		{name: "short header", buf: []byte{0, 0, 3}, size: 1},
		{name: "truncated", buf: global[:len(global)-3], size: 1},
		{name: "rank out of range", buf: global, size: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeManifest(tt.buf, tt.size); !errors.Is(err, ErrCorruptManifest) {
				t.Errorf("DecodeManifest() error = %v, want ErrCorruptManifest", err)
			}
		})
	}
}

func TestUnknownTypeSurvivesCodec(t *testing.T) {
	t.Parallel()
	blocks := []Block{{Name: "odd", Type: DataType(0x7F), ShapeID: GlobalValue, BufferCount: 1, Value: []byte{9}}}
	local, _ := SerializeWritePattern(blocks, 0, false)
	global, _ := AggregateWritePatterns([][]byte{local})
	m, err := DecodeManifest(global, 1)
	if err != nil {
		t.Fatalf("DecodeManifest failed: %v", err)
	}
	if m.Pattern[0][0].Type != DataType(0x7F) {
		t.Errorf("type tag = %d, want 0x7F", m.Pattern[0][0].Type)
	}
}

func TestReadPatternRoundTrip(t *testing.T) {
	t.Parallel()
	reqs := []ReadRequest{
		{Name: "temperature", Type: TypeFloat64, Start: Dims{2, 0}, Count: Dims{4, 8}, Data: make([]byte, 8)},
		{Name: "step", Type: TypeInt32},
	}
	a, err := SerializeReadPattern(reqs, 3)
	if err != nil {
		t.Fatalf("SerializeReadPattern failed: %v", err)
	}
	b, err := SerializeReadPattern(nil, 4)
	if err != nil {
		t.Fatalf("SerializeReadPattern failed: %v", err)
	}

	rp, err := DecodeReadPatterns(AggregateReadPatterns([][]byte{a, b}, true))
	if err != nil {
		t.Fatalf("DecodeReadPatterns failed: %v", err)
	}
	if !rp.Locked {
		t.Error("locked flag lost")
	}
	got := rp.ByRank[3]
	if len(got) != 2 {
		t.Fatalf("rank 3 requests = %d, want 2", len(got))
	}
	if got[0].Name != "temperature" || !got[0].Start.Equal(Dims{2, 0}) || !got[0].Count.Equal(Dims{4, 8}) {
		t.Errorf("selection mismatch: %+v", got[0])
	}
	if got[0].Data != nil {
		t.Error("destination buffer must not travel")
	}
	if _, ok := rp.ByRank[4]; !ok {
		t.Error("rank 4 missing from read patterns")
	}
}

func TestTypeOf(t *testing.T) {
	t.Parallel()
	type celsius float64
	if got := TypeOf[float32](); got != TypeFloat32 {
		t.Errorf("TypeOf[float32] = %v", got)
	}
	if got := TypeOf[celsius](); got != TypeFloat64 {
		t.Errorf("TypeOf[celsius] = %v", got)
	}
	if got := TypeOf[string](); got != TypeString {
		t.Errorf("TypeOf[string] = %v", got)
	}
}

func TestValueOf(t *testing.T) {
	t.Parallel()
	v := ValueOf(int32(42))
	if v.Type != TypeInt32 || v.Interface() != int32(42) {
		t.Errorf("ValueOf(int32) = %v (%v)", v, v.Type)
	}
	f, ok := v.Float64()
	if !ok || f != 42 {
		t.Errorf("Float64() = %v, %v", f, ok)
	}
	s := ValueOf("abc")
	if s.Interface() != "abc" {
		t.Errorf("ValueOf(string) = %v", s)
	}
	if _, ok := s.Float64(); ok {
		t.Error("string value converted to float")
	}
	if (Value{}).IsValid() {
		t.Error("zero Value should be invalid")
	}
}

func TestAsBytes(t *testing.T) {
	t.Parallel()
	data := []float32{1.0, 2.0}
	raw := AsBytes(data)
	want := []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0x40}
	if !bytes.Equal(raw, want) {
		t.Errorf("AsBytes = %v, want %v", raw, want)
	}
	raw[2], raw[3] = 0x00, 0x40
	if data[0] != 2.0 {
		t.Error("AsBytes should alias the slice")
	}
}

func TestSegmentSize(t *testing.T) {
	t.Parallel()
	blocks := sampleBlocks()
	if got := TotalDataSize(blocks); got != 265 {
		t.Errorf("TotalDataSize = %d, want 265", got)
	}
	if got := SegmentSize(blocks); got != 266 {
		t.Errorf("SegmentSize = %d, want 266", got)
	}
}

func TestAlignedBytes(t *testing.T) {
	t.Parallel()
	buf := AlignedBytes(100)
	if len(buf) != 100 {
		t.Fatalf("len = %d, want 100", len(buf))
	}
	if AlignedBytes(0) != nil {
		t.Error("zero size should return nil")
	}
}

func BenchmarkDecodeManifest(b *testing.B) {
	locals := make([][]byte, 0, 8)
	for r := 0; r < 8; r++ {
		l, _ := SerializeWritePattern(sampleBlocks(), r, true)
		locals = append(locals, l)
	}
	global, _ := AggregateWritePatterns(locals)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeManifest(global, 16); err != nil {
			b.Fatal(err)
		}
	}
}
