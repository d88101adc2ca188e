// Package identity defines principal and entity addresses.
//
// Owners, callers, beacons, proxies, and implementations are all named by an
// Address. The null address never authorizes anything and is rejected
// wherever an owner or implementation reference is required.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidAddress = errors.New("identity: invalid address")

// Address is an opaque, case-sensitive principal or entity handle. Two
// addresses name the same principal only when they are byte-equal.
type Address string

// Null is the zero identity.
const Null Address = ""

// New allocates a fresh random address.
func New() Address {
	id := uuid.New()
	return Address("0x" + hex.EncodeToString(id[:]))
}

// Parse trims surrounding space and validates the rest. Case is preserved.
// Empty input yields Null.
func Parse(raw string) (Address, error) {
	a := Address(strings.TrimSpace(raw))
	if err := a.Validate(); err != nil {
		return Null, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return a, nil
}

// Validate checks that a holds only letters, digits, and the separators
// ".-_:". Null is valid.
func (a Address) Validate() error {
	for i := 0; i < len(a); i++ {
		c := a[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_' || c == ':'
		if !(isAlpha || isDigit || isSep) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, string(a))
		}
	}
	return nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// IsNull reports whether a is empty or an all-zero hex address.
func (a Address) IsNull() bool {
	v := strings.TrimSpace(string(a))
	if v == "" {
		return true
	}
	if !strings.HasPrefix(v, "0x") || len(v) == 2 {
		return false
	}
	return strings.Trim(v[2:], "0") == ""
}

func (a Address) String() string {
	if a.IsNull() {
		return "<null>"
	}
	return string(a)
}
