package engine

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"fwsim/nat"
	"fwsim/rules"
)

// Snapshot is the exported state, in the same shape the browser simulator downloaded.
type Snapshot struct {
	Rules    []rules.Rule  `json:"rules"`
	NatTable []nat.Mapping `json:"natTable"`
}

// importRule keeps the action as text so a missing action is rejected instead of defaulting to deny.
type importRule struct {
	Action   string         `json:"action"`
	Protocol string         `json:"proto"`
	SrcIP    string         `json:"src"`
	DstIP    string         `json:"dst"`
	Port     rules.PortSpec `json:"port"`
	Log      bool           `json:"log"`
}

type importSnapshot struct {
	Rules    []importRule  `json:"rules"`
	NatTable []nat.Mapping `json:"natTable"`
}

// ExportSnapshot returns both tables, ids included, as indented JSON.
func (e *Engine) ExportSnapshot() ([]byte, error) {
	snap := Snapshot{Rules: e.Rules(), NatTable: e.NatMappings()}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	e.events.Add("Config exported")
	return out, nil
}

// ImportSnapshot replaces the tables present in data, or none of them. A table whose key is absent or null is
// left as it is. Incoming ids are replaced with fresh ones and the array order becomes the priority order.
// Unparseable ports are kept and never match.
func (e *Engine) ImportSnapshot(data []byte) error {
	var snap *importSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if snap == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidFormat)
	}

	rs := make([]rules.Rule, len(snap.Rules))
	for i, in := range snap.Rules {
		action, err := rules.ParseAction(in.Action)
		if err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidFormat, i, err)
		}
		rs[i] = rules.Rule{
			Action:   action,
			Protocol: in.Protocol,
			SrcIP:    in.SrcIP,
			DstIP:    in.DstIP,
			Port:     in.Port,
			Log:      in.Log,
		}
	}
	for i, m := range snap.NatTable {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: nat mapping %d: %v", ErrInvalidFormat, i, err)
		}
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if snap.NatTable != nil {
		if err := e.nat.Replace(snap.NatTable); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	}
	if snap.Rules != nil {
		e.rules.Replace(rs)
	}
	log.Info().Msgf("Imported %d rules and %d nat mappings", len(rs), len(snap.NatTable))
	e.events.Add("Config imported")
	return nil
}
