package rules

import (
	"strings"

	"fwsim/common"
)

// IPMatches is an exact, trimmed comparison. There are no subnet semantics.
func IPMatches(ruleField, value string) bool {
	if common.IsAny(ruleField) {
		return true
	}
	return strings.TrimSpace(ruleField) == strings.TrimSpace(value)
}

func ProtocolMatches(ruleField, value string) bool {
	if common.IsAny(ruleField) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(ruleField), strings.TrimSpace(value))
}

// PortMatches works on the textual port grammar. Malformed text never matches.
func PortMatches(ruleField string, value uint16) bool {
	spec, _ := ParsePort(ruleField)
	return spec.Matches(value)
}
