package cborarray

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"particle-roi-go/internal/frame"
)

func TestDecodeMultiDimArrayUint8(t *testing.T) {
	value := cbor.Tag{
		Number: TagMultiDimArray,
		Content: []any{
			[]any{2, 2},
			cbor.Tag{
				Number:  TagUint8,
				Content: []byte{1, 2, 3, 4},
			},
		},
	}

	got, err := Decode(value)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	want := frame.Plane{Width: 2, Height: 2, Pix: []uint16{1, 2, 3, 4}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Decode mismatch: got %#v want %#v", got, want)
	}
}

func TestDecodeUint32Clamps(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], 70000)
	binary.LittleEndian.PutUint32(data[4:], 12)
	value := cbor.Tag{
		Number: TagMultiDimArray,
		Content: []any{
			[]any{uint64(1), uint64(2)},
			cbor.Tag{Number: TagUint32LE, Content: data},
		},
	}
	got, err := Decode(value)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got.Pix[0] != math.MaxUint16 || got.Pix[1] != 12 {
		t.Fatalf("unexpected pixels %v", got.Pix)
	}
}

func TestEncodeDecodeThroughCBOR(t *testing.T) {
	p := frame.NewPlane(3, 2)
	copy(p.Pix, []uint16{0, 1, 256, 4000, 65535, 7})

	payload, err := cbor.Marshal(Encode(p))
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded any
	if err := cbor.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	got, err := Decode(decoded)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, p)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"not a tag", []any{1, 2}},
		{"wrong tag", cbor.Tag{Number: 41, Content: []any{}}},
		{"bad dims", cbor.Tag{Number: TagMultiDimArray, Content: []any{[]any{2}, cbor.Tag{Number: TagUint8, Content: []byte{1, 2}}}}},
		{"size mismatch", cbor.Tag{Number: TagMultiDimArray, Content: []any{[]any{2, 2}, cbor.Tag{Number: TagUint8, Content: []byte{1, 2}}}}},
		{"overflowing dims", cbor.Tag{Number: TagMultiDimArray, Content: []any{[]any{2, uint64(1) << 62}, cbor.Tag{Number: TagUint16LE, Content: []byte{0, 0}}}}},
		{"unknown element tag", cbor.Tag{Number: TagMultiDimArray, Content: []any{[]any{1, 1}, cbor.Tag{Number: 72, Content: []byte{1, 2}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.value); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeCompressedRejected(t *testing.T) {
	value := cbor.Tag{
		Number: TagMultiDimArray,
		Content: []any{
			[]any{1, 1},
			cbor.Tag{Number: TagUint16LE, Content: cbor.Tag{Number: 56500, Content: []any{"bslz4", 2, []byte{0}}}},
		},
	}
	if _, err := Decode(value); !errors.Is(err, ErrCompressed) {
		t.Fatalf("expected ErrCompressed, got %v", err)
	}
}
