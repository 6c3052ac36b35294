package common

import (
	"errors"
	"strings"
)

const (
	// Any is the wildcard accepted by every rule field.
	Any = "any"
	// Ephemeral stands in for an unknown or unset port in flow keys and output.
	Ephemeral = "(ephemeral)"
)

var (
	ErrNoIPv4Layer   = errors.New("frame has no ipv4 layer")
	ErrDecodeFailure = errors.New("failed to decode frame")
)

// IsAny reports whether a rule field is the wildcard. Empty counts as any.
func IsAny(field string) bool {
	field = strings.TrimSpace(field)
	return field == "" || strings.EqualFold(field, Any)
}
