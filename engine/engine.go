/*
Package engine decides the fate of simulated packets.

A decision runs through four steps: the connection table fast path, destination NAT, an advisory payload scan,
and finally a first match scan of the rule table. Anything left over is denied.
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fwsim/common"
	"fwsim/conntrack"
	"fwsim/ids"
	"fwsim/nat"
	"fwsim/rules"
)

// Pseudo rule ids reported when no rule decided the packet.
const (
	RuleStateful = "(stateful)"
	RuleDefault  = "(default)"
)

var (
	ErrInvalidFormat = errors.New("invalid snapshot format")
	ErrAmbiguousID   = errors.New("id prefix is ambiguous")
)

type Verdict struct {
	Action rules.Action
	RuleID string
	Log    bool // copied from the deciding rule
}

func (v Verdict) Allowed() bool {
	return v.Action == rules.Allow
}

func (v Verdict) String() string {
	return fmt.Sprintf("%s (rule: %s)", v.Action, v.RuleID)
}

// Status is a point in time summary of the engine.
type Status struct {
	Stateful    bool
	Nat         bool
	Rules       int
	NatMappings int
	Connections int
}

func (s Status) String() string {
	return fmt.Sprintf("stateful: %t | nat: %t | rules: %d | nat entries: %d | connections: %d",
		s.Stateful, s.Nat, s.Rules, s.NatMappings, s.Connections)
}

type Option func(*Engine)

func WithConntrack(t *conntrack.Table) Option {
	return func(e *Engine) { e.conns = t }
}

func WithEventLog(l *EventLog) Option {
	return func(e *Engine) { e.events = l }
}

func WithStateful(on bool) Option {
	return func(e *Engine) { e.stateful = on }
}

func WithNat(on bool) Option {
	return func(e *Engine) { e.natEnabled = on }
}

// Engine owns the rule, NAT and connection tables of one simulation.
type Engine struct {
	lock       sync.RWMutex
	rules      *rules.Table
	nat        *nat.Table
	conns      *conntrack.Table
	events     *EventLog
	metrics    *Metrics
	stateful   bool
	natEnabled bool
}

// New returns an engine with empty tables, stateful tracking and NAT switched on.
func New(opts ...Option) *Engine {
	e := &Engine{
		rules:      rules.NewTable(),
		nat:        nat.NewTable(),
		stateful:   true,
		natEnabled: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.conns == nil {
		e.conns = conntrack.New(conntrack.DefaultCapacity)
	}
	if e.events == nil {
		e.events = NewEventLog(DefaultEventLogSize)
	}
	e.metrics = newMetrics(e.conns)
	return e
}

// Decide runs one packet through the engine. NAT may rewrite the packet and the scanner sets pkt.Signature.
// The connection table is never updated here, see Record and Simulate.
func (e *Engine) Decide(pkt *common.Packet) Verdict {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if e.stateful && e.conns.Lookup(pkt) {
		log.Debug().Msgf("Stateful match for %s", pkt)
		return e.decided(Verdict{Action: rules.Allow, RuleID: RuleStateful}, "stateful")
	}

	if e.natEnabled {
		if m, ok := e.nat.Translate(pkt); ok {
			e.metrics.NatTranslations.Inc()
			e.events.Add("NAT applied: external %d -> %s:%d", m.ExternalPort, pkt.DstIP, pkt.DstPort)
		}
	}

	// Advisory only. A flagged packet still goes through the rule table.
	if sig, ok := ids.Scan(pkt.Payload); ok {
		pkt.Signature = sig.Name
		e.metrics.SignatureHits.WithLabelValues(sig.Name).Inc()
		e.events.Add("IDS: %s signature detected in %s", sig.Name, pkt)
		log.Warn().Msgf("Signature %s detected in %s", sig.Name, pkt)
	}

	if r, ok := e.rules.Match(pkt); ok {
		return e.decided(Verdict{Action: r.Action, RuleID: r.ID, Log: r.Log}, "rule")
	}
	return e.decided(Verdict{Action: rules.Deny, RuleID: RuleDefault}, "default")
}

func (e *Engine) decided(v Verdict, source string) Verdict {
	e.metrics.Decisions.WithLabelValues(strings.ToLower(v.Action.String()), source).Inc()
	return v
}

// Record marks the packet's flow as established.
func (e *Engine) Record(pkt *common.Packet) {
	e.conns.Record(pkt)
}

// Simulate decides the packet the way the shell does: allowed packets are recorded when stateful tracking is on,
// and the outcome goes to the event log.
func (e *Engine) Simulate(pkt *common.Packet) Verdict {
	v := e.Decide(pkt)

	level := zerolog.DebugLevel
	if v.Log {
		level = zerolog.InfoLevel
	}
	if v.Allowed() {
		if e.Stateful() {
			e.Record(pkt)
		}
		e.events.Add("ALLOWED %s (rule:%s)", pkt, v.RuleID)
		log.WithLevel(level).Msgf("ALLOWED %s (rule:%s)", pkt, v.RuleID)
	} else {
		e.events.Add("BLOCKED %s (rule:%s)", pkt, v.RuleID)
		log.WithLevel(level).Msgf("BLOCKED %s (rule:%s)", pkt, v.RuleID)
	}
	return v
}

func (e *Engine) AddRule(spec rules.Spec) (string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	r, err := e.rules.Add(spec)
	if err != nil {
		return "", err
	}
	e.events.Add("Rule add %s", r.ID)
	return r.ID, nil
}

// LoadRules replaces the rule table with specs, first spec has the highest priority.
// Nothing changes if any spec is invalid.
func (e *Engine) LoadRules(specs []rules.Spec) error {
	built := make([]rules.Rule, 0, len(specs))
	for i, spec := range specs {
		r, err := spec.Build()
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		built = append(built, r)
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	e.rules.Replace(built)
	return nil
}

func (e *Engine) DeleteRule(id string) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if err := e.rules.Delete(id); err != nil {
		return err
	}
	e.events.Add("Rule del %s", id)
	return nil
}

// MoveRule returns rules.ErrAtBoundary when the rule is already first (up) or last (down).
func (e *Engine) MoveRule(id string, dir rules.Direction) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.rules.Move(id, dir)
}

func (e *Engine) AddNatMapping(external int, internalHost string, internalPort int) (string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	m, err := e.nat.Add(external, internalHost, internalPort)
	if err != nil {
		return "", err
	}
	e.events.Add("NAT add %s", m.ID)
	return m.ID, nil
}

// LoadNatMappings replaces the NAT table, all or nothing.
func (e *Engine) LoadNatMappings(ms []nat.Mapping) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.nat.Replace(ms)
}

func (e *Engine) DeleteNatMapping(id string) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if err := e.nat.Delete(id); err != nil {
		return err
	}
	e.events.Add("NAT del %s", id)
	return nil
}

func (e *Engine) SetStateful(on bool) {
	e.lock.Lock()
	e.stateful = on
	e.lock.Unlock()
	e.events.Add("stateful set %t", on)
}

func (e *Engine) SetNat(on bool) {
	e.lock.Lock()
	e.natEnabled = on
	e.lock.Unlock()
	e.events.Add("nat set %t", on)
}

func (e *Engine) Stateful() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.stateful
}

func (e *Engine) Status() Status {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return Status{
		Stateful:    e.stateful,
		Nat:         e.natEnabled,
		Rules:       e.rules.Len(),
		NatMappings: e.nat.Len(),
		Connections: e.conns.Len(),
	}
}

func (e *Engine) Rules() []rules.Rule {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.rules.Rules()
}

func (e *Engine) NatMappings() []nat.Mapping {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.nat.Mappings()
}

func (e *Engine) Connections() []conntrack.Entry {
	return e.conns.Entries()
}

func (e *Engine) Conntrack() *conntrack.Table {
	return e.conns
}

func (e *Engine) ClearConnections() {
	e.conns.Clear()
}

func (e *Engine) Events(n int) []Event {
	return e.events.Recent(n)
}

func (e *Engine) ClearEvents() {
	e.events.Clear()
}

// ResolveRuleID accepts a full id or a unique prefix of one.
func (e *Engine) ResolveRuleID(prefix string) (string, error) {
	rs := e.Rules()
	known := make([]string, len(rs))
	for i, r := range rs {
		known[i] = r.ID
	}
	id, err := resolve(known, prefix)
	if errors.Is(err, errNoMatch) {
		return "", fmt.Errorf("%w: %s", rules.ErrRuleNotFound, prefix)
	}
	return id, err
}

// ResolveNatID accepts a full id or a unique prefix of one.
func (e *Engine) ResolveNatID(prefix string) (string, error) {
	ms := e.NatMappings()
	known := make([]string, len(ms))
	for i, m := range ms {
		known[i] = m.ID
	}
	id, err := resolve(known, prefix)
	if errors.Is(err, errNoMatch) {
		return "", fmt.Errorf("%w: %s", nat.ErrMappingNotFound, prefix)
	}
	return id, err
}

var errNoMatch = errors.New("no match")

func resolve(candidates []string, prefix string) (string, error) {
	if prefix == "" {
		return "", errNoMatch
	}
	found := ""
	for _, id := range candidates {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			if found != "" {
				return "", fmt.Errorf("%w: %s", ErrAmbiguousID, prefix)
			}
			found = id
		}
	}
	if found == "" {
		return "", errNoMatch
	}
	return found, nil
}
