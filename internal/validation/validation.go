// Package validation checks user supplied target addresses before they
// reach the resolver or the store.
package validation

import (
	"fmt"
	"net"
	"strings"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
)

// =============================================================================
// Host Name Rules
// =============================================================================

// HostRules bound the shape of a DNS host name.
type HostRules struct {
	MaxLength      int
	MaxLabelLength int
	AllowUnders    bool
}

// DefaultHostRules follows RFC 1123 with underscores tolerated, since
// internal zones use them.
func DefaultHostRules() HostRules {
	return HostRules{
		MaxLength:      253,
		MaxLabelLength: 63,
		AllowUnders:    true,
	}
}

// ValidateHostName checks name against rules. A single trailing dot is
// accepted.
func ValidateHostName(name string, rules HostRules) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return fmt.Errorf("host name is empty: %w", errors.ErrInvalidAddress)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("host name too long: maximum %d characters: %w", rules.MaxLength, errors.ErrInvalidAddress)
	}

	for i, label := range strings.Split(name, ".") {
		if err := validateLabel(label, rules); err != nil {
			return fmt.Errorf("label %d of %q: %w", i+1, name, err)
		}
	}
	return nil
}

func validateLabel(label string, rules HostRules) error {
	if label == "" {
		return fmt.Errorf("empty label: %w", errors.ErrInvalidAddress)
	}
	if len(label) > rules.MaxLabelLength {
		return fmt.Errorf("longer than %d characters: %w", rules.MaxLabelLength, errors.ErrInvalidAddress)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("cannot start or end with '-': %w", errors.ErrInvalidAddress)
	}

	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		case c == '_' && rules.AllowUnders:
		default:
			return fmt.Errorf("invalid character %q at position %d: %w", c, i, errors.ErrInvalidAddress)
		}
	}
	return nil
}

// =============================================================================
// Target Addresses
// =============================================================================

// ValidateAddress accepts an IPv4 or IPv6 literal or a host name. It only
// checks syntax; resolution happens later.
func ValidateAddress(address string) error {
	if address == "" {
		return errors.NewMissingField("address")
	}
	if strings.TrimSpace(address) != address {
		return fmt.Errorf("address %q has surrounding space: %w", address, errors.ErrInvalidAddress)
	}

	if ip := net.ParseIP(address); ip != nil {
		if ip.IsUnspecified() {
			return fmt.Errorf("%s: unspecified address: %w", address, errors.ErrInvalidAddress)
		}
		return nil
	}

	// host:port and URLs are not targets.
	if strings.ContainsAny(address, ":/") {
		return fmt.Errorf("%q is not a host name or IP address: %w", address, errors.ErrInvalidAddress)
	}

	return ValidateHostName(address, DefaultHostRules())
}

// IsIPLiteral reports whether address needs no resolution.
func IsIPLiteral(address string) bool {
	return net.ParseIP(address) != nil
}
