package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	CacheLineSize = 64
)

// IsAligned reports whether addr, typically the first byte of a receive
// buffer, starts a cache line.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignedSize rounds size up to whole cache lines. The receive arena
// allocates this capacity so that small growth between steps reslices in
// place.
func AlignedSize(size uintptr) uintptr {
	return (size + uintptr(CacheLineSize-1)) & ^uintptr(CacheLineSize-1)
}

// AlignedBytes allocates a byte slice with its underlying array aligned to
// CacheLineSize. Receive buffers are allocated this way so that typed views
// of fetched array payloads start on a cache line.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}

	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}
