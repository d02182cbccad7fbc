package demo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sbl8/stagestream/config"
)

func TestPartition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, readers int
	}{
		{10, 3}, {8, 2}, {3, 5}, {1024, 7},
	}
	for _, tt := range tests {
		next := 0
		for j := 0; j < tt.readers; j++ {
			start, count := Partition(tt.n, tt.readers, j)
			if start != next {
				t.Errorf("n=%d readers=%d: partition %d starts at %d, want %d", tt.n, tt.readers, j, start, next)
			}
			next = start + count
		}
		if next != tt.n {
			t.Errorf("n=%d readers=%d: partitions cover %d", tt.n, tt.readers, next)
		}
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		locked    bool
		threading bool
		remote    bool
	}{
		{"flexible", false, false, false},
		{"flexible threaded", false, true, false},
		{"fixed", true, false, false},
		{"remote", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			f := config.DefaultFile()
			f.Engine.Threading = tt.threading
			f.Stream.Writers, f.Stream.Readers = 3, 2
			f.Stream.Steps, f.Stream.Elements = 4, 10
			f.Stream.Remote = tt.remote

			res, err := Run(ctx, f, Options{
				Locked: tt.locked,
				Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.Steps != 4 {
				t.Errorf("steps = %d, want 4", res.Steps)
			}
			if res.Bytes != 4*30*8 {
				t.Errorf("bytes = %d, want %d", res.Bytes, 4*30*8)
			}
			for i, rs := range res.Readers {
				if tt.locked && rs.FixedSteps != 3 {
					t.Errorf("reader %d fixed steps = %d, want 3", i, rs.FixedSteps)
				}
				if !tt.locked && rs.FlexibleSteps != 4 {
					t.Errorf("reader %d flexible steps = %d, want 4", i, rs.FlexibleSteps)
				}
			}
		})
	}
}

func TestRunRejectsInvalidFile(t *testing.T) {
	t.Parallel()
	f := config.DefaultFile()
	f.Stream.Readers = 0
	if _, err := Run(context.Background(), f, Options{}); err == nil {
		t.Error("Run accepted zero readers")
	}
}
