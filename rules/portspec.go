package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"fwsim/common"
)

// PortKind tags the PortSpec variant.
type PortKind uint8

const (
	PortAny PortKind = iota
	PortExact
	PortRange
	PortSet
	// PortInvalid is unparseable text. It never matches.
	PortInvalid
)

// PortSpec is a parsed port field: any, a single port, an inclusive range "a-b" or a set "a,b,c".
type PortSpec struct {
	Kind   PortKind
	Lo, Hi int
	Set    []int
	text   string
}

var AnyPort = PortSpec{Kind: PortAny, text: common.Any}

// ParsePort parses the textual port grammar. Malformed text still returns a spec (PortInvalid) along with the error,
// so callers can choose to keep a never matching rule instead of rejecting it.
func ParsePort(text string) (PortSpec, error) {
	text = strings.TrimSpace(text)
	if common.IsAny(text) {
		return AnyPort, nil
	}
	invalid := PortSpec{Kind: PortInvalid, text: text}

	if strings.Contains(text, "-") {
		parts := strings.SplitN(text, "-", 2)
		lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return invalid, fmt.Errorf("%w: bad range %q", ErrInvalidPort, text)
		}
		return PortSpec{Kind: PortRange, Lo: lo, Hi: hi, text: text}, nil
	}
	if strings.Contains(text, ",") {
		var set []int
		for _, part := range strings.Split(text, ",") {
			p, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return invalid, fmt.Errorf("%w: bad list entry %q in %q", ErrInvalidPort, part, text)
			}
			set = append(set, p)
		}
		return PortSpec{Kind: PortSet, Set: set, text: text}, nil
	}
	p, err := strconv.Atoi(text)
	if err != nil {
		return invalid, fmt.Errorf("%w: %q", ErrInvalidPort, text)
	}
	return PortSpec{Kind: PortExact, Lo: p, Hi: p, text: text}, nil
}

// MustParsePort is for literals in code and tests.
func MustParsePort(text string) PortSpec {
	spec, err := ParsePort(text)
	if err != nil {
		panic(err)
	}
	return spec
}

func (s PortSpec) Matches(port uint16) bool {
	p := int(port)
	switch s.Kind {
	case PortAny:
		return true
	case PortExact:
		return s.Lo == p
	case PortRange:
		return p >= s.Lo && p <= s.Hi
	case PortSet:
		for _, v := range s.Set {
			if v == p {
				return true
			}
		}
	}
	return false
}

func (s PortSpec) Valid() bool {
	return s.Kind != PortInvalid
}

func (s PortSpec) String() string {
	if s.text == "" && s.Kind == PortAny {
		return common.Any
	}
	return s.text
}

func (s PortSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the text form or a bare number. Unparseable text is kept as PortInvalid.
func (s *PortSpec) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		var n json.Number
		if errNum := json.Unmarshal(data, &n); errNum != nil {
			return fmt.Errorf("port must be a string or number: %w", err)
		}
		text = n.String()
	}
	spec, _ := ParsePort(text)
	*s = spec
	return nil
}
