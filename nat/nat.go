/*
Package nat implements destination NAT (port forwarding) for simulated packets.

Only inbound translation is modelled: a packet whose destination port equals a mapping's external port is
rewritten to the mapping's internal host and port before the rule table sees it.
*/
package nat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fwsim/common"
)

var (
	ErrInvalidMapping  = errors.New("invalid nat mapping")
	ErrMappingNotFound = errors.New("nat mapping not found")
)

// Mapping represents a port forwarding rule. The json names follow the snapshot format.
type Mapping struct {
	ID           string `json:"id" yaml:"-"`
	ExternalPort int    `json:"external" yaml:"external"`
	InternalHost string `json:"internalHost" yaml:"internalHost"`
	InternalPort int    `json:"internalPort" yaml:"internalPort"`
}

func (m Mapping) Validate() error {
	if m.ExternalPort <= 0 || m.ExternalPort > 65535 {
		return fmt.Errorf("%w: external port %d out of range", ErrInvalidMapping, m.ExternalPort)
	}
	if m.InternalPort <= 0 || m.InternalPort > 65535 {
		return fmt.Errorf("%w: internal port %d out of range", ErrInvalidMapping, m.InternalPort)
	}
	if strings.TrimSpace(m.InternalHost) == "" {
		return fmt.Errorf("%w: internal host is required", ErrInvalidMapping)
	}
	return nil
}

func (m Mapping) String() string {
	return fmt.Sprintf("[%s] %d -> %s:%d", m.ID, m.ExternalPort, m.InternalHost, m.InternalPort)
}

// Table is the ordered mapping list. Not safe for concurrent use, the engine owns the locking.
type Table struct {
	mappings []Mapping
}

func NewTable() *Table {
	return &Table{}
}

// Add validates and inserts the mapping at the front.
func (t *Table) Add(external int, internalHost string, internalPort int) (Mapping, error) {
	m := Mapping{ExternalPort: external, InternalHost: strings.TrimSpace(internalHost), InternalPort: internalPort}
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	m.ID = uuid.NewString()
	t.mappings = append([]Mapping{m}, t.mappings...)
	log.Debug().Msgf("port forwarding rule %s", m)
	return m, nil
}

func (t *Table) Delete(id string) error {
	for i := range t.mappings {
		if t.mappings[i].ID == id {
			t.mappings = append(t.mappings[:i], t.mappings[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMappingNotFound, id)
}

// Replace validates every mapping first, the table is only touched when all of them are valid.
// Incoming ids are discarded.
func (t *Table) Replace(ms []Mapping) error {
	out := make([]Mapping, len(ms))
	for i, m := range ms {
		m.InternalHost = strings.TrimSpace(m.InternalHost)
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		m.ID = uuid.NewString()
		out[i] = m
	}
	t.mappings = out
	return nil
}

// Lookup returns the first mapping for the external port.
func (t *Table) Lookup(port uint16) (Mapping, bool) {
	for _, m := range t.mappings {
		if m.ExternalPort == int(port) {
			return m, true
		}
	}
	return Mapping{}, false
}

// Translate rewrites the packet destination in place when a mapping matches its destination port.
func (t *Table) Translate(pkt *common.Packet) (Mapping, bool) {
	m, ok := t.Lookup(pkt.DstPort)
	if !ok {
		return Mapping{}, false
	}
	pkt.SetDst(m.InternalHost, uint16(m.InternalPort))
	log.Info().Msgf("NAT applied: external %d -> %s:%d", m.ExternalPort, pkt.DstIP, pkt.DstPort)
	return m, true
}

func (t *Table) Mappings() []Mapping {
	out := make([]Mapping, len(t.mappings))
	copy(out, t.mappings)
	return out
}

func (t *Table) Len() int {
	return len(t.mappings)
}
