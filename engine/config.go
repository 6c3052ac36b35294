package engine

import (
	"fwsim/config"
	"fwsim/conntrack"
)

// NewFromConfig builds an engine with the configured toggles and tables.
func NewFromConfig(cfg *config.Config) (*Engine, error) {
	conns := conntrack.New(cfg.Conntrack.Capacity, conntrack.WithTTL(cfg.Conntrack.TTL))
	e := New(
		WithConntrack(conns),
		WithEventLog(NewEventLog(cfg.EventLogSize)),
		WithStateful(cfg.Stateful),
		WithNat(cfg.Nat),
	)
	if err := e.LoadRules(cfg.Rules); err != nil {
		return nil, err
	}
	if err := e.LoadNatMappings(cfg.NatTable); err != nil {
		return nil, err
	}
	return e, nil
}
