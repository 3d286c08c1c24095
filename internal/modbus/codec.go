package modbus

import (
	"math"
)

// DataType identifies how a point's raw register words are interpreted.
type DataType string

const (
	TypeUint16   DataType = "uint16"
	TypeInt16    DataType = "int16"
	TypeUint32   DataType = "uint32"
	TypeInt32    DataType = "int32"
	TypeUint64   DataType = "uint64"
	TypeInt64    DataType = "int64"
	TypeFloat32  DataType = "float32"
	TypeFloat64  DataType = "float64"
	TypeBitfield DataType = "bitfield"
	TypeEnum     DataType = "enum"

	// Derived types never own registers; they reinterpret a base point's
	// raw value.
	TypeSingleBit  DataType = "single_bit"
	TypeSingleEnum DataType = "single_enum"
)

// ByteOrder controls word significance when combining multi-register values.
type ByteOrder string

const (
	BigEndian    ByteOrder = "big-endian"
	LittleEndian ByteOrder = "little-endian"
)

// wordCounts maps each multi-register numeric type to its exact word requirement.
var wordCounts = map[DataType]int{
	TypeUint16:  1,
	TypeInt16:   1,
	TypeUint32:  2,
	TypeInt32:   2,
	TypeFloat32: 2,
	TypeUint64:  4,
	TypeInt64:   4,
	TypeFloat64: 4,
}

// WordCount returns the exact number of 16-bit words a data type requires.
// The second result is false for types the codec does not combine
// (bitfield, enum and the derived types).
func (t DataType) WordCount() (int, bool) {
	n, ok := wordCounts[t]
	return n, ok
}

// IsDerivedType reports whether the type reinterprets a base point's value.
func (t DataType) IsDerivedType() bool {
	return t == TypeSingleBit || t == TypeSingleEnum
}

// Valid reports whether the byte order is one of the two supported values.
func (o ByteOrder) Valid() bool {
	return o == BigEndian || o == LittleEndian
}

// Decoded is one scalar decoded from raw register words.
type Decoded struct {
	// Bits holds the combined raw bit pattern, words joined per byte order.
	// It is the substrate for bitfield and enum derivation.
	Bits uint64
	// Value is the typed interpretation of Bits.
	Value float64
}

// Decode combines raw 16-bit register words into a single typed value.
// The word count must exactly match the type's requirement; any mismatch
// fails with a *DecodeError rather than silently truncating.
func Decode(words []uint16, dataType DataType, order ByteOrder) (Decoded, error) {
	if len(words) == 0 {
		return Decoded{}, &DecodeError{DataType: dataType, Got: 0, Reason: "no register words"}
	}
	if !order.Valid() {
		return Decoded{}, &DecodeError{DataType: dataType, Got: len(words), Reason: "unsupported byte order " + string(order)}
	}
	want, ok := dataType.WordCount()
	if !ok {
		return Decoded{}, &DecodeError{DataType: dataType, Got: len(words), Reason: "unsupported data type"}
	}
	if len(words) != want {
		return Decoded{}, &DecodeError{DataType: dataType, Want: want, Got: len(words), Reason: "word count mismatch"}
	}

	bits := combineWords(words, order)

	var value float64
	switch dataType {
	case TypeUint16, TypeUint32, TypeUint64:
		value = float64(bits)
	case TypeInt16:
		value = float64(int16(bits))
	case TypeInt32:
		value = float64(int32(bits))
	case TypeInt64:
		value = float64(int64(bits))
	case TypeFloat32:
		value = float64(math.Float32frombits(uint32(bits)))
	case TypeFloat64:
		value = math.Float64frombits(bits)
	}

	return Decoded{Bits: bits, Value: value}, nil
}

// Combine joins up to four raw words into one bit pattern per the byte
// order, without any type interpretation. Bitfield and enum points use it to
// build the substrate their derived children extract from.
func Combine(words []uint16, order ByteOrder) (uint64, error) {
	if len(words) == 0 || len(words) > 4 {
		return 0, &DecodeError{Got: len(words), Reason: "word count must be 1 to 4"}
	}
	if !order.Valid() {
		return 0, &DecodeError{Got: len(words), Reason: "unsupported byte order " + string(order)}
	}
	return combineWords(words, order), nil
}

// combineWords joins words with the first word most significant. Little-endian
// reverses word order before applying the same shift pattern.
func combineWords(words []uint16, order ByteOrder) uint64 {
	var combined uint64
	if order == LittleEndian {
		for i := len(words) - 1; i >= 0; i-- {
			combined = combined<<16 | uint64(words[i])
		}
		return combined
	}
	for _, w := range words {
		combined = combined<<16 | uint64(w)
	}
	return combined
}

// Encode splits a raw bit pattern into register words for the given type.
// It is the inverse of Decode's word combination and exists mainly for tests
// and simulators.
func Encode(bits uint64, dataType DataType, order ByteOrder) ([]uint16, error) {
	want, ok := dataType.WordCount()
	if !ok {
		return nil, &DecodeError{DataType: dataType, Reason: "unsupported data type"}
	}
	words := make([]uint16, want)
	for i := 0; i < want; i++ {
		shift := uint(16 * (want - 1 - i))
		words[i] = uint16(bits >> shift)
	}
	if order == LittleEndian {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	return words, nil
}
