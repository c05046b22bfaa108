package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix defines the human-readable part used when rendering addresses.
type AddressPrefix string

const (
	// AccountPrefix identifies depositor and payee accounts.
	AccountPrefix AddressPrefix = "rwd"
	// ModulePrefix identifies module-owned accounts such as the protocol treasury.
	ModulePrefix AddressPrefix = "rwdmod"

	addressLength = 20
)

// ErrInvalidAddress is returned when an address cannot be decoded.
var ErrInvalidAddress = errors.New("invalid address")

// Address represents a 20-byte account identifier with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress builds an address from raw bytes. It panics when b is not 20 bytes
// long; use DecodeAddress for untrusted input.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != addressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

func (a Address) String() string {
	if len(a.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20 address bytes.
func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address carries no bytes.
func (a Address) IsZero() bool {
	return len(a.bytes) == 0
}

// Equal compares the raw bytes of two addresses, ignoring the prefix.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

// Key returns a comparable representation suitable for map keys.
func (a Address) Key() string {
	return string(a.bytes)
}

// DecodeAddress parses a bech32 encoded address.
func DecodeAddress(addrStr string) (Address, error) {
	trimmed := strings.TrimSpace(addrStr)
	if trimmed == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: converting bits: %v", ErrInvalidAddress, err)
	}
	if len(conv) != addressLength {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, addressLength, len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// AddressFromKey restores an address from the value produced by Key.
func AddressFromKey(prefix AddressPrefix, key string) (Address, error) {
	if len(key) != addressLength {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, addressLength, len(key))
	}
	return NewAddress(prefix, []byte(key)), nil
}

// MustAddress decodes addrStr and panics when it is not a valid address.
func MustAddress(addrStr string) Address {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		panic(err)
	}
	return addr
}
