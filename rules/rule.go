package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fwsim/common"
)

var (
	ErrInvalidRule   = errors.New("invalid rule")
	ErrInvalidAction = errors.New("invalid action, use allow or deny")
	ErrInvalidPort   = errors.New("invalid port")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrAtBoundary    = errors.New("rule cannot move further")
)

type Action uint8

const (
	Deny Action = iota
	Allow
)

func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOW":
		return Allow, nil
	case "DENY":
		return Deny, nil
	}
	return Deny, fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

func (a Action) String() string {
	if a == Allow {
		return "ALLOW"
	}
	return "DENY"
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAction, data)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Rule is one entry of the rule table. The json names follow the snapshot format.
type Rule struct {
	ID       string   `json:"id"`
	Action   Action   `json:"action"`
	Protocol string   `json:"proto"`
	SrcIP    string   `json:"src"`
	DstIP    string   `json:"dst"`
	Port     PortSpec `json:"port"`
	Log      bool     `json:"log"`
}

// Spec is the unvalidated input for a new rule. Empty fields mean any.
type Spec struct {
	Action   string `yaml:"action"`
	Protocol string `yaml:"proto"`
	SrcIP    string `yaml:"src"`
	DstIP    string `yaml:"dst"`
	Port     string `yaml:"port"`
	Log      bool   `yaml:"log"`
}

// Build validates s. The returned rule has no id yet.
func (s Spec) Build() (Rule, error) {
	action, err := ParseAction(s.Action)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	port, err := ParsePort(s.Port)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return Rule{
		Action:   action,
		Protocol: orAny(strings.ToUpper(strings.TrimSpace(s.Protocol))),
		SrcIP:    orAny(strings.TrimSpace(s.SrcIP)),
		DstIP:    orAny(strings.TrimSpace(s.DstIP)),
		Port:     port,
		Log:      s.Log,
	}, nil
}

func orAny(s string) string {
	if common.IsAny(s) {
		return common.Any
	}
	return s
}

// Matches - all four predicates must hold. The port is the (possibly translated) destination port.
func (r *Rule) Matches(pkt *common.Packet) bool {
	return IPMatches(r.SrcIP, pkt.SrcIP) &&
		IPMatches(r.DstIP, pkt.DstIP) &&
		ProtocolMatches(r.Protocol, pkt.Protocol) &&
		r.Port.Matches(pkt.DstPort)
}

func (r Rule) String() string {
	s := fmt.Sprintf("[%s] %s %s %s -> %s:%s", r.ID, r.Action, r.Protocol, r.SrcIP, r.DstIP, r.Port)
	if r.Log {
		s += " (log)"
	}
	return s
}
