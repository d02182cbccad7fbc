package runtime

import (
	"testing"
	"unsafe"

	"github.com/sbl8/stagestream/core"
	"github.com/sbl8/stagestream/model"
)

func TestArenaLayout(t *testing.T) {
	t.Parallel()
	a := NewArena()
	m := model.RankPosMap{
		{Rank: 0, Offset: 0, Size: 25},
		{Rank: 2, Offset: 25, Size: 17},
	}
	if err := a.Layout(m); err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if a.TotalSize() != 42 {
		t.Errorf("TotalSize = %d, want 42", a.TotalSize())
	}
	if len(a.Regions()) != 2 {
		t.Fatalf("regions = %d, want 2", len(a.Regions()))
	}

	seg, ok := a.Segment(2)
	if !ok || len(seg) != 17 {
		t.Fatalf("Segment(2) = %d bytes, %v", len(seg), ok)
	}
	seg[16] = 1
	if mk, _ := a.Marker(2); mk != 1 {
		t.Errorf("Marker(2) = %d, want 1", mk)
	}
	if _, ok := a.Segment(1); ok {
		t.Error("rank 1 has no segment")
	}
}

func TestArenaRegionsDoNotOverlap(t *testing.T) {
	t.Parallel()
	a := NewArena()
	m := model.RankPosMap{{Rank: 1}, {Rank: 3}, {Rank: 4}, {Rank: 7}}
	for i := range m {
		if i > 0 {
			m[i].Offset = m[i-1].Offset + m[i-1].Size
		}
		m[i].Size = uint64(8*i + 1)
	}
	if err := a.Layout(m); err != nil {
		t.Fatalf("Layout failed: %v", err)
	}

	regions := a.Regions()
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			r1, r2 := regions[i], regions[j]
			if r1.Offset < r2.Offset+r2.Size && r2.Offset < r1.Offset+r1.Size {
				t.Errorf("regions for ranks %d and %d overlap", r1.Rank, r2.Rank)
			}
		}
	}
}

func TestArenaLayoutRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		m    model.RankPosMap
	}{
		{"gap", model.RankPosMap{{Rank: 0, Offset: 0, Size: 4}, {Rank: 1, Offset: 6, Size: 4}}},
		{"no marker", model.RankPosMap{{Rank: 0, Offset: 0, Size: 0}}},
		{"unordered", model.RankPosMap{{Rank: 2, Offset: 0, Size: 1}, {Rank: 1, Offset: 1, Size: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewArena().Layout(tt.m); err == nil {
				t.Error("Layout accepted an invalid map")
			}
		})
	}
}

func TestArenaResize(t *testing.T) {
	t.Parallel()
	a := NewArena()
	if err := a.Layout(model.RankPosMap{{Rank: 0, Size: 64}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Layout(model.RankPosMap{{Rank: 1, Size: 64}}); err != nil {
		t.Fatal(err)
	}
	if a.Resizes() != 1 {
		t.Errorf("same size relayout resized: %d", a.Resizes())
	}
	if !core.IsAligned(uintptr(unsafe.Pointer(&a.Buffer()[0]))) {
		t.Error("arena buffer is not cache line aligned")
	}
	if err := a.Layout(model.RankPosMap{{Rank: 0, Size: 16}}); err != nil {
		t.Fatal(err)
	}
	if a.Resizes() != 2 || a.TotalSize() != 16 {
		t.Errorf("shrink: resizes=%d size=%d", a.Resizes(), a.TotalSize())
	}
	// Growing within the aligned capacity reslices in place.
	first := &a.Buffer()[0]
	if err := a.Layout(model.RankPosMap{{Rank: 0, Size: 60}}); err != nil {
		t.Fatal(err)
	}
	if &a.Buffer()[0] != first {
		t.Error("growth within capacity reallocated")
	}
	if err := a.Layout(nil); err != nil {
		t.Fatal(err)
	}
	if a.TotalSize() != 0 {
		t.Errorf("empty layout size = %d", a.TotalSize())
	}
}

func TestArenaReadAt(t *testing.T) {
	t.Parallel()
	a := NewArena()
	if err := a.Layout(model.RankPosMap{{Rank: 0, Size: 8}}); err != nil {
		t.Fatal(err)
	}
	copy(a.Buffer(), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	b, err := a.ReadAt(2, 3)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if b[0] != 3 || b[2] != 5 {
		t.Errorf("ReadAt = %v", b)
	}
	if _, err := a.ReadAt(6, 3); err == nil {
		t.Error("expected error reading past the end")
	}
	if _, err := a.ReadAt(^uint64(0), 2); err == nil {
		t.Error("expected error on offset overflow")
	}
}
