package rules

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fwsim/common"
)

type Direction int

const (
	Up Direction = iota
	Down
)

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	}
	return Up, fmt.Errorf("unknown direction %q, use up or down", s)
}

// Table is the ordered rule list. Index 0 has the highest priority.
// It is not safe for concurrent use, the engine owns the locking.
type Table struct {
	rules []Rule
}

func NewTable(rs ...Rule) *Table {
	t := &Table{}
	t.Replace(rs)
	return t
}

// Add inserts the rule at the front, newest rules take top priority.
func (t *Table) Add(spec Spec) (Rule, error) {
	r, err := spec.Build()
	if err != nil {
		return Rule{}, err
	}
	r.ID = uuid.NewString()
	t.rules = append([]Rule{r}, t.rules...)
	log.Debug().Msgf("Rule added %s", r)
	return r, nil
}

func (t *Table) index(id string) int {
	for i := range t.rules {
		if t.rules[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Table) Get(id string) (Rule, bool) {
	i := t.index(id)
	if i == -1 {
		return Rule{}, false
	}
	return t.rules[i], true
}

func (t *Table) Delete(id string) error {
	i := t.index(id)
	if i == -1 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	t.rules = append(t.rules[:i], t.rules[i+1:]...)
	return nil
}

// Move swaps the rule with its neighbour. Moving past either end returns ErrAtBoundary and leaves the table alone.
func (t *Table) Move(id string, dir Direction) error {
	i := t.index(id)
	if i == -1 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	j := i - 1
	if dir == Down {
		j = i + 1
	}
	if j < 0 || j >= len(t.rules) {
		return ErrAtBoundary
	}
	t.rules[i], t.rules[j] = t.rules[j], t.rules[i]
	return nil
}

// Match returns the first rule, top to bottom, matching the packet.
func (t *Table) Match(pkt *common.Packet) (Rule, bool) {
	for i := range t.rules {
		if t.rules[i].Matches(pkt) {
			return t.rules[i], true
		}
	}
	return Rule{}, false
}

// Replace swaps in a new rule list, giving every rule a fresh id. Order is kept.
func (t *Table) Replace(rs []Rule) {
	out := make([]Rule, len(rs))
	for i, r := range rs {
		r.ID = uuid.NewString()
		if !r.Port.Valid() {
			log.Warn().Msgf("Rule %s has an unparseable port %q, it will never match", r.ID, r.Port)
		}
		out[i] = r
	}
	t.rules = out
}

// Rules returns a copy in priority order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

func (t *Table) Len() int {
	return len(t.rules)
}
