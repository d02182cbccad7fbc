package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/sbl8/stagestream/comm"
	"github.com/sbl8/stagestream/core"
	"github.com/sbl8/stagestream/kernels"
	"github.com/sbl8/stagestream/model"
)

func newTestWriter() *Writer {
	return &Writer{
		log:       engineLog{Logger: discardLogger()},
		stream:    comm.NewFabric().Group(1)[0],
		stepBegun: true,
	}
}

func TestWriterPut(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		t       core.DataType
		shape   core.ShapeID
		dims    [3]core.Dims
		data    []byte
		wantErr error
	}{
		{"array", core.TypeInt16, core.GlobalArray, [3]core.Dims{{4}, {0}, {2}}, make([]byte, 4), nil},
		{"local array", core.TypeInt16, core.LocalArray, [3]core.Dims{nil, nil, {2}}, make([]byte, 4), nil},
		{"value", core.TypeFloat64, core.GlobalValue, [3]core.Dims{}, make([]byte, 8), nil},
		{"string", core.TypeString, core.LocalValue, [3]core.Dims{}, []byte("abc"), nil},
		{"unknown type", core.DataType(0x7F), core.GlobalValue, [3]core.Dims{}, []byte{1}, kernels.ErrUnknownType},
		{"short array", core.TypeInt16, core.GlobalArray, [3]core.Dims{{4}, {0}, {2}}, make([]byte, 3), kernels.ErrShortBuffer},
		{"short value", core.TypeFloat64, core.GlobalValue, [3]core.Dims{}, make([]byte, 4), kernels.ErrShortBuffer},
		{"start dims", core.TypeInt16, core.GlobalArray, [3]core.Dims{{4}, {0, 0}, {2}}, make([]byte, 4), kernels.ErrDimMismatch},
		{"shape dims", core.TypeInt16, core.GlobalArray, [3]core.Dims{{4, 4}, {0}, {2}}, make([]byte, 4), kernels.ErrDimMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWriter()
			err := w.Put("v", tt.t, tt.shape, tt.dims[0], tt.dims[1], tt.dims[2], tt.data)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				if len(w.blocks) != 1 || w.blocks[0].BufferCount != uint64(len(tt.data)) {
					t.Errorf("blocks = %+v", w.blocks)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Put() error = %v, want %v", err, tt.wantErr)
			}
			if len(w.payload) != 0 {
				t.Error("rejected block reached the payload")
			}
		})
	}
}

func TestWriterPayloadOffsets(t *testing.T) {
	t.Parallel()
	w := newTestWriter()
	if err := PutArray(w, "a", core.Dims{3}, core.Dims{0}, core.Dims{3}, []uint32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := PutValue(w, "b", uint8(5)); err != nil {
		t.Fatal(err)
	}
	if err := w.PutString("c", "xyz"); err != nil {
		t.Fatal(err)
	}
	if len(w.payload) != 16 {
		t.Fatalf("payload = %d bytes, want 16", len(w.payload))
	}
	if w.blocks[1].BufferStart != 12 || w.blocks[2].BufferStart != 13 {
		t.Errorf("offsets = %d, %d", w.blocks[1].BufferStart, w.blocks[2].BufferStart)
	}
	if string(w.blocks[2].Value) != "xyz" || w.blocks[1].Value[0] != 5 {
		t.Error("inline values not recorded")
	}
	if err := (model.GlobalWritePattern{w.blocks}).Validate(); err != nil {
		t.Errorf("published blocks invalid: %v", err)
	}
}

func TestWriterCheckLayout(t *testing.T) {
	t.Parallel()
	w := newTestWriter()
	if err := PutArray(w, "a", core.Dims{4}, core.Dims{0}, core.Dims{2}, []int64{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := PutValue(w, "n", int32(1)); err != nil {
		t.Fatal(err)
	}
	w.pattern = model.GlobalWritePattern{w.blocks}.Clone()

	w.blocks, w.payload = nil, nil
	if err := PutArray(w, "a", core.Dims{4}, core.Dims{0}, core.Dims{2}, []int64{3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := PutValue(w, "n", int32(2)); err != nil {
		t.Fatal(err)
	}
	if err := w.checkLayout(); err != nil {
		t.Errorf("changed values rejected: %v", err)
	}

	w.blocks, w.payload = nil, nil
	if err := PutArray(w, "a", core.Dims{4}, core.Dims{2}, core.Dims{2}, []int64{3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := PutValue(w, "n", int32(2)); err != nil {
		t.Fatal(err)
	}
	if err := w.checkLayout(); !errors.Is(err, ErrDefinitionsChanged) {
		t.Errorf("moved block = %v, want ErrDefinitionsChanged", err)
	}

	w.blocks = w.blocks[:1]
	if err := w.checkLayout(); !errors.Is(err, ErrDefinitionsChanged) {
		t.Errorf("dropped block = %v, want ErrDefinitionsChanged", err)
	}
}

func TestWriterMisuse(t *testing.T) {
	t.Parallel()
	w := newTestWriter()
	w.stepBegun = false
	if err := w.Put("v", core.TypeInt8, core.GlobalValue, nil, nil, nil, []byte{1}); !errors.Is(err, ErrStepNotBegun) {
		t.Errorf("Put outside step = %v", err)
	}
	w.closed = true
	if _, err := w.BeginStep(testCtx(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginStep after close = %v", err)
	}
}

// eventLog records window and exposure calls in order.
type eventLog []string

type loggedWindow struct {
	comm.Window
	events *eventLog
}

func (w loggedWindow) Free(context.Context) error {
	*w.events = append(*w.events, "free")
	return nil
}

type loggedExposer struct{ events *eventLog }

func (e loggedExposer) Expose(rank int, _ []byte) {
	*e.events = append(*e.events, fmt.Sprintf("expose %d", rank))
}

func (e loggedExposer) Withdraw(rank int) {
	*e.events = append(*e.events, fmt.Sprintf("withdraw %d", rank))
}

func TestWriterWithdrawsAfterFree(t *testing.T) {
	t.Parallel()
	var events eventLog
	w := newTestWriter()
	w.stepBegun = false
	w.step = 2
	w.win = loggedWindow{events: &events}
	w.exposer = loggedExposer{events: &events}

	if err := w.transition(context.Background(), 3); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if want := (eventLog{"free", "withdraw 0"}); !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if w.win != nil {
		t.Error("window kept after transition")
	}
}
