package core

// TotalDataSize returns the number of payload bytes a writer rank's blocks
// occupy in its step buffer. The segment a reader reserves for the rank is
// one byte larger; the extra byte is the segment-end marker.
func TotalDataSize(blocks []Block) uint64 {
	var total uint64
	for i := range blocks {
		total += blocks[i].BufferCount
	}
	return total
}

// SegmentSize is TotalDataSize plus the trailing marker byte.
func SegmentSize(blocks []Block) uint64 {
	return TotalDataSize(blocks) + 1
}

// PayloadSize returns the byte length of count elements of type t.
func PayloadSize(t DataType, count Dims) (uint64, bool) {
	size, ok := t.Size()
	if !ok {
		return 0, false
	}
	return uint64(size) * count.Product(), true
}

// Segment-end marker values.
const (
	MarkerContinue byte = 0
	MarkerFinal    byte = 1
)
