/*
Package conntrack remembers flows that have already been allowed, so their return traffic can skip the rule table.

The table is bounded and evicts in insertion order. Entries never time out unless a TTL is configured.
*/
package conntrack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fwsim/common"
)

const DefaultCapacity = 100

// Key is one direction of a flow. A zero port is an unknown (ephemeral) port.
type Key struct {
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
	Protocol         string
}

func KeyOf(pkt *common.Packet) Key {
	return Key{
		SrcIP:    pkt.SrcIP,
		SrcPort:  pkt.SrcPort,
		DstIP:    pkt.DstIP,
		DstPort:  pkt.DstPort,
		Protocol: strings.ToUpper(pkt.Protocol),
	}
}

func (k Key) Reverse() Key {
	return Key{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}
}

// String is the canonical flow encoding, src:port->dst:port/PROTO
func (k Key) String() string {
	return fmt.Sprintf("%s:%s->%s:%s/%s", k.SrcIP, common.PortString(k.SrcPort), k.DstIP, common.PortString(k.DstPort), k.Protocol)
}

type Entry struct {
	Key      Key
	LastSeen time.Time
}

func (e Entry) String() string {
	return fmt.Sprintf("%s (%s)", e.Key, e.LastSeen.Format(time.Kitchen))
}

type Option func(*Table)

// WithTTL expires entries that were not recorded again within ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(t *Table) { t.ttl = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// Table holds entries newest first.
type Table struct {
	lock     sync.RWMutex
	entries  []Entry
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func New(capacity int, opts ...Option) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Table{capacity: capacity, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) expired(e Entry, now time.Time) bool {
	return t.ttl > 0 && now.Sub(e.LastSeen) > t.ttl
}

// Lookup matches the packet in either direction.
func (t *Table) Lookup(pkt *common.Packet) bool {
	fwd := KeyOf(pkt)
	rev := fwd.Reverse()
	now := t.now()

	t.lock.RLock()
	defer t.lock.RUnlock()
	for _, e := range t.entries {
		if (e.Key == fwd || e.Key == rev) && !t.expired(e, now) {
			return true
		}
	}
	return false
}

// Record puts the flow at the front. An already known flow is moved rather than duplicated.
func (t *Table) Record(pkt *common.Packet) {
	key := KeyOf(pkt)
	t.lock.Lock()
	defer t.lock.Unlock()

	for i, e := range t.entries {
		if e.Key == key {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	t.entries = append([]Entry{{Key: key, LastSeen: t.now()}}, t.entries...)
	log.Debug().Msgf("Connection recorded %s", key)
	t.evictLocked()
}

// EvictOverCapacity drops the oldest entries beyond the capacity.
func (t *Table) EvictOverCapacity() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.evictLocked()
}

func (t *Table) evictLocked() int {
	over := len(t.entries) - t.capacity
	if over <= 0 {
		return 0
	}
	t.entries = t.entries[:t.capacity]
	return over
}

// Sweep removes expired entries and returns how many were deleted.
func (t *Table) Sweep() int {
	if t.ttl <= 0 {
		return 0
	}
	now := t.now()
	t.lock.Lock()
	defer t.lock.Unlock()
	kept := t.entries[:0]
	deleted := 0
	for _, e := range t.entries {
		if t.expired(e, now) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	return deleted
}

// StartGarbageCollector sweeps expired entries every interval until ctx is done. It returns at once when the
// table has no TTL or the interval is not positive.
func (t *Table) StartGarbageCollector(ctx context.Context, interval time.Duration) {
	if t.ttl <= 0 {
		return
	}
	if interval <= 0 {
		log.Warn().Msgf("Connection table GC not started, interval %s is not positive", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted := t.Sweep()
			log.Debug().Msgf("Connection table stats. Deleted = %d, Total = %d", deleted, t.Len())
		}
	}
}

// Entries returns a copy, newest first.
func (t *Table) Entries() []Entry {
	t.lock.RLock()
	defer t.lock.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.entries)
}

func (t *Table) Capacity() int {
	return t.capacity
}

func (t *Table) Clear() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.entries = nil
}
