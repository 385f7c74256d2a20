package protocol

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateAlias checks the room naming rules: 3 to 32 bytes, no whitespace.
func ValidateAlias(alias string) error {
	if len(alias) < MinAliasLen || len(alias) > MaxAliasLen {
		return fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidAlias, alias, MinAliasLen, MaxAliasLen)
	}
	if strings.IndexFunc(alias, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains spaces", ErrInvalidAlias, alias)
	}
	return nil
}

func ValidateHandle(handle string) error {
	if len(handle) < MinHandleLen || len(handle) > MaxHandleLen {
		return fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidHandle, handle, MinHandleLen, MaxHandleLen)
	}
	if strings.IndexFunc(handle, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains spaces", ErrInvalidHandle, handle)
	}
	return nil
}

// NormalizeCapacity applies the default when the requested capacity is unset
// or above the system maximum.
func NormalizeCapacity(capacity int) int {
	if capacity <= 0 || capacity > MaxRoomMembers {
		return DefaultRoomCapacity
	}
	return capacity
}

// SameAlias compares aliases case-insensitively.
func SameAlias(a, b string) bool { return strings.EqualFold(a, b) }
