package modbus

import "testing"

func TestUnpackBitPayload(t *testing.T) {
	req := ReadRequest{Kind: KindCoils, Count: 8}

	bits, err := unpack(req, []byte{0b00000101})
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	want := []uint16{1, 0, 1, 0, 0, 0, 0, 0}
	if len(bits) != len(want) {
		t.Fatalf("got %d bits, want %d", len(bits), len(want))
	}
	for i := range want {
		if bits[i] != want[i] {
			t.Fatalf("bit %d = %d, want %d (all: %v)", i, bits[i], want[i], bits)
		}
	}
}

func TestUnpackBitPayloadSpansBytes(t *testing.T) {
	// Bit 8 is the LSB of the second byte.
	req := ReadRequest{Kind: KindDiscretes, Count: 10}

	bits, err := unpack(req, []byte{0x00, 0b00000011})
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if bits[8] != 1 || bits[9] != 1 {
		t.Fatalf("bits 8..9 = %d,%d, want 1,1", bits[8], bits[9])
	}
	for i := 0; i < 8; i++ {
		if bits[i] != 0 {
			t.Fatalf("bit %d = %d, want 0", i, bits[i])
		}
	}
}

func TestUnpackRegisterPayload(t *testing.T) {
	req := ReadRequest{Kind: KindHolding, Count: 2}

	words, err := unpack(req, []byte{0x02, 0x57, 0xFF, 0xFE})
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if words[0] != 599 || words[1] != 0xFFFE {
		t.Fatalf("words = %v, want [599 65534]", words)
	}
}

func TestUnpackShortBitResponse(t *testing.T) {
	req := ReadRequest{Kind: KindCoils, Count: 9}

	if _, err := unpack(req, []byte{0xFF}); err == nil {
		t.Fatal("expected error for 1 byte covering 9 bits")
	}
}

func TestUnpackShortRegisterResponse(t *testing.T) {
	req := ReadRequest{Kind: KindInput, Count: 2}

	if _, err := unpack(req, []byte{0x00, 0x01, 0x00}); err == nil {
		t.Fatal("expected error for 3 bytes covering 2 registers")
	}
}
