package modbus

import (
	"errors"
	"math"
	"testing"
)

func TestDecodeUint32WordOrder(t *testing.T) {
	got, err := Decode([]uint16{1, 0}, TypeUint32, BigEndian)
	if err != nil {
		t.Fatalf("decode big-endian: %v", err)
	}
	if got.Value != 65536 {
		t.Fatalf("big-endian uint32 = %v, want 65536", got.Value)
	}

	got, err = Decode([]uint16{1, 0}, TypeUint32, LittleEndian)
	if err != nil {
		t.Fatalf("decode little-endian: %v", err)
	}
	if got.Value != 1 {
		t.Fatalf("little-endian uint32 = %v, want 1", got.Value)
	}
}

func TestDecodeInt32Negative(t *testing.T) {
	got, err := Decode([]uint16{0xFFFF, 0xFFFE}, TypeInt32, BigEndian)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != -2 {
		t.Fatalf("int32 = %v, want -2", got.Value)
	}
	if got.Bits != 0xFFFFFFFE {
		t.Fatalf("bits = %#x, want 0xFFFFFFFE", got.Bits)
	}
}

func TestDecodeInt16Negative(t *testing.T) {
	got, err := Decode([]uint16{0x8000}, TypeInt16, BigEndian)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != -32768 {
		t.Fatalf("int16 = %v, want -32768", got.Value)
	}
}

func TestDecodeInt64Negative(t *testing.T) {
	got, err := Decode([]uint16{0xFFFF, 0xFFFF, 0xFFFF, 0xFFFE}, TypeInt64, BigEndian)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != -2 {
		t.Fatalf("int64 = %v, want -2", got.Value)
	}
}

func TestDecodeFloat32(t *testing.T) {
	bits := uint64(math.Float32bits(12.5))
	words, err := Encode(bits, TypeFloat32, BigEndian)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(words, TypeFloat32, BigEndian)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != 12.5 {
		t.Fatalf("float32 = %v, want 12.5", got.Value)
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	cases := []struct {
		name     string
		dataType DataType
		order    ByteOrder
		bits     uint64
		want     float64
	}{
		{"uint16 big", TypeUint16, BigEndian, 599, 599},
		{"int16 little", TypeInt16, LittleEndian, 0xFFFE, -2},
		{"uint32 little", TypeUint32, LittleEndian, 70000, 70000},
		{"int32 big", TypeInt32, BigEndian, 0xFFFFFFFE, -2},
		{"uint64 big", TypeUint64, BigEndian, 1 << 40, float64(uint64(1) << 40)},
		{"int64 little", TypeInt64, LittleEndian, 0xFFFFFFFFFFFFFFFE, -2},
		{"float32 big", TypeFloat32, BigEndian, uint64(math.Float32bits(-0.125)), -0.125},
		{"float32 little", TypeFloat32, LittleEndian, uint64(math.Float32bits(3.25)), 3.25},
		{"float64 big", TypeFloat64, BigEndian, math.Float64bits(59.9), 59.9},
		{"float64 little", TypeFloat64, LittleEndian, math.Float64bits(-1e12), -1e12},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			words, err := Encode(tc.bits, tc.dataType, tc.order)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(words, tc.dataType, tc.order)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if math.Abs(got.Value-tc.want) > 1e-9 {
				t.Fatalf("round trip = %v, want %v", got.Value, tc.want)
			}
		})
	}
}

func TestDecodeWordCountMismatch(t *testing.T) {
	_, err := Decode([]uint16{1, 2, 3}, TypeUint32, BigEndian)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decodeErr.Want != 2 || decodeErr.Got != 3 {
		t.Fatalf("unexpected counts: want=%d got=%d", decodeErr.Want, decodeErr.Got)
	}
}

func TestDecodeUnsupportedType(t *testing.T) {
	_, err := Decode([]uint16{1, 2}, TypeBitfield, BigEndian)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError for bitfield, got %v", err)
	}
	if _, err := Decode([]uint16{1}, DataType("string"), BigEndian); err == nil {
		t.Fatal("expected error for unknown data type")
	}
}

func TestDecodeInvalidByteOrder(t *testing.T) {
	if _, err := Decode([]uint16{1, 2}, TypeUint32, ByteOrder("middle")); err == nil {
		t.Fatal("expected error for invalid byte order")
	}
}
