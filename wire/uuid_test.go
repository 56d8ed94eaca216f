package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btlinux/gattd/bluetooth"
)

func TestUuidRoundTrip(t *testing.T) {
	u := bluetooth.Uuid{0x00, 0x00, 0x18, 0x0d, 0x00, 0x00, 0x10, 0x00,
		0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb}

	encoded := UuidToWire(u)
	if len(encoded) != 16 {
		t.Fatalf("encoded uuid has length %d, want 16", len(encoded))
	}
	if !bytes.Equal(encoded, u[:]) {
		t.Errorf("encoded uuid %x does not match source %x", encoded, u[:])
	}

	decoded, err := UuidFromWire(encoded)
	if err != nil {
		t.Fatalf("failed to decode uuid: %v", err)
	}
	if decoded != u {
		t.Errorf("round trip mismatch: got %s want %s", decoded, u)
	}
}

func TestUuidToWireCopies(t *testing.T) {
	u := bluetooth.Uuid{0x01}
	encoded := UuidToWire(u)
	encoded[0] = 0xff
	if u[0] != 0x01 {
		t.Error("UuidToWire aliased the source array")
	}
}

func TestUuidFromWireRejectsBadLength(t *testing.T) {
	for _, n := range []int{0, 1, 15, 17, 32} {
		_, err := UuidFromWire(make([]byte, n))
		if err == nil {
			t.Errorf("UuidFromWire accepted %d bytes", n)
			continue
		}
		if !errors.Is(err, ErrLengthMismatch) {
			t.Errorf("UuidFromWire(%d bytes) returned %v, want ErrLengthMismatch", n, err)
		}
	}
}
