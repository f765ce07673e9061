// Package identity normalizes the wallet addresses that act as chat identities.
//
// Identities are self-asserted hex addresses. Comparisons are case-insensitive and
// canonical forms use the EIP-55 checksum encoding so that map keys never split on case.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when a string is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

// Broadcast is the destination address of group messages (the zero address).
var Broadcast = common.Address{}.Hex()

// Normalize validates addr and returns its checksummed form.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// Canonical returns the checksummed form of addr, or addr trimmed when it is not an address.
func Canonical(addr string) string {
	normalized, err := Normalize(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return normalized
}

// Equal reports whether a and b name the same identity.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// IsBroadcast reports whether addr is empty or the broadcast sentinel.
func IsBroadcast(addr string) bool {
	addr = strings.TrimSpace(addr)
	return addr == "" || Equal(addr, Broadcast)
}

// Short renders addr as 0x1234...abcd for display when no name is known.
func Short(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
