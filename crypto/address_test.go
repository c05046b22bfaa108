package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 20)
	addr := NewAddress(AccountPrefix, raw)

	encoded := addr.String()
	if !strings.HasPrefix(encoded, "rwd1") {
		t.Fatalf("expected rwd1 prefix, got %s", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("decoded address mismatch: %x vs %x", decoded.Bytes(), addr.Bytes())
	}
	if decoded.Prefix() != AccountPrefix {
		t.Fatalf("unexpected prefix %q", decoded.Prefix())
	}
}

func TestNewAddressCopiesInput(t *testing.T) {
	raw := bytes.Repeat([]byte{0x01}, 20)
	addr := NewAddress(AccountPrefix, raw)
	raw[0] = 0xFF
	if addr.Bytes()[0] != 0x01 {
		t.Fatalf("address must not alias caller bytes")
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "   ", "rwd1notvalid", "hello"} {
		if _, err := DecodeAddress(input); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", input, err)
		}
	}
}

func TestAddressFromKey(t *testing.T) {
	addr := NewAddress(AccountPrefix, bytes.Repeat([]byte{0x07}, 20))
	restored, err := AddressFromKey(AccountPrefix, addr.Key())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.String() != addr.String() {
		t.Fatalf("expected %s, got %s", addr, restored)
	}
	if _, err := AddressFromKey(AccountPrefix, "short"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestMustAddressPanicsOnGarbage(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid address")
		}
	}()
	MustAddress("rwd1notanaddress")
}
