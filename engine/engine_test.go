package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"fwsim/common"
	"fwsim/config"
	"fwsim/conntrack"
	"fwsim/nat"
	"fwsim/rules"
)

func TestMain(m *testing.M) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
	os.Exit(m.Run())
}

// seeded returns an engine with [DENY tcp any 10.0.0.5 22, ALLOW any any 10.0.0.5 any].
func seeded(t *testing.T) (*Engine, string, string) {
	e := New()
	allowID, err := e.AddRule(rules.Spec{Action: "allow", DstIP: "10.0.0.5"})
	require.Nil(t, err)
	denyID, err := e.AddRule(rules.Spec{Action: "deny", Protocol: "tcp", DstIP: "10.0.0.5", Port: "22", Log: true})
	require.Nil(t, err)
	return e, denyID, allowID
}

func TestDefaultDeny(t *testing.T) {
	e := New()
	v := e.Decide(common.NewPacket("tcp", "1.2.3.4", "10.0.0.5", 80, ""))
	require.Equal(t, rules.Deny, v.Action)
	require.Equal(t, RuleDefault, v.RuleID)

	e, _, _ = seeded(t)
	v = e.Decide(common.NewPacket("udp", "1.2.3.4", "10.0.0.99", 53, ""))
	require.Equal(t, rules.Deny, v.Action)
	require.Equal(t, RuleDefault, v.RuleID)
}

func TestFirstMatchWins(t *testing.T) {
	e, denyID, allowID := seeded(t)

	v := e.Decide(common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 22, ""))
	require.Equal(t, rules.Deny, v.Action)
	require.Equal(t, denyID, v.RuleID)
	require.True(t, v.Log)

	v = e.Decide(common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 80, ""))
	require.Equal(t, rules.Allow, v.Action)
	require.Equal(t, allowID, v.RuleID)

	// After moving the deny below the allow, port 22 is allowed.
	require.Nil(t, e.MoveRule(denyID, rules.Down))
	v = e.Decide(common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 22, ""))
	require.Equal(t, allowID, v.RuleID)
}

func TestMoveAtBoundary(t *testing.T) {
	e, denyID, allowID := seeded(t)
	before := e.Rules()
	require.True(t, errors.Is(e.MoveRule(denyID, rules.Up), rules.ErrAtBoundary))
	require.True(t, errors.Is(e.MoveRule(allowID, rules.Down), rules.ErrAtBoundary))
	require.Equal(t, before, e.Rules())
	require.True(t, errors.Is(e.MoveRule("nope", rules.Up), rules.ErrRuleNotFound))
}

func TestAddDeleteValidation(t *testing.T) {
	e, denyID, _ := seeded(t)

	_, err := e.AddRule(rules.Spec{Protocol: "tcp"})
	require.True(t, errors.Is(err, rules.ErrInvalidRule))
	require.Len(t, e.Rules(), 2)

	require.True(t, errors.Is(e.DeleteRule("nope"), rules.ErrRuleNotFound))
	require.Nil(t, e.DeleteRule(denyID))
	require.Len(t, e.Rules(), 1)

	_, err = e.AddNatMapping(0, "10.0.0.5", 80)
	require.True(t, errors.Is(err, nat.ErrInvalidMapping))
	_, err = e.AddNatMapping(8080, "", 80)
	require.True(t, errors.Is(err, nat.ErrInvalidMapping))
	id, err := e.AddNatMapping(8080, "10.0.0.5", 80)
	require.Nil(t, err)
	require.True(t, errors.Is(e.DeleteNatMapping("nope"), nat.ErrMappingNotFound))
	require.Nil(t, e.DeleteNatMapping(id))
	require.Empty(t, e.NatMappings())
}

func TestNatBeforeRules(t *testing.T) {
	e := New()
	ruleID, err := e.AddRule(rules.Spec{Action: "allow", DstIP: "10.0.0.5", Port: "80"})
	require.Nil(t, err)
	_, err = e.AddNatMapping(8080, "10.0.0.5", 80)
	require.Nil(t, err)

	pkt := common.NewPacket("tcp", "203.0.113.5", "198.51.100.1", 8080, "")
	v := e.Decide(pkt)
	require.Equal(t, rules.Allow, v.Action)
	require.Equal(t, ruleID, v.RuleID)
	require.True(t, pkt.Translated)
	require.Equal(t, "10.0.0.5", pkt.DstIP)
	require.Equal(t, uint16(80), pkt.DstPort)
	require.Equal(t, "198.51.100.1", pkt.OrigDstIP)
	require.Equal(t, uint16(8080), pkt.OrigDstPort)
	require.Equal(t, float64(1), testutil.ToFloat64(e.Metrics().NatTranslations))

	t.Log("############### NAT disabled #################")
	e.SetNat(false)
	pkt = common.NewPacket("tcp", "203.0.113.5", "198.51.100.1", 8080, "")
	v = e.Decide(pkt)
	require.Equal(t, RuleDefault, v.RuleID)
	require.False(t, pkt.Translated)
}

func TestStatefulShortCircuit(t *testing.T) {
	e := New()
	out := common.NewPacket("tcp", "10.0.0.2", "10.0.0.9", 80, "")
	e.Record(out)

	back := &common.Packet{Protocol: "TCP", SrcIP: "10.0.0.9", SrcPort: 80, DstIP: "10.0.0.2"}
	v := e.Decide(back)
	require.Equal(t, rules.Allow, v.Action)
	require.Equal(t, RuleStateful, v.RuleID)

	e.SetStateful(false)
	v = e.Decide(back)
	require.Equal(t, RuleDefault, v.RuleID)
}

func TestUnsolicitedNeverStateful(t *testing.T) {
	e := New()
	v := e.Simulate(common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 22, ""))
	require.Equal(t, RuleDefault, v.RuleID)
	require.Empty(t, e.Connections())
}

func TestSimulateRecordsAllowed(t *testing.T) {
	e, _, allowID := seeded(t)
	v := e.Simulate(common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 80, ""))
	require.Equal(t, allowID, v.RuleID)
	require.Len(t, e.Connections(), 1)

	// The reply now takes the fast path even after the allow rule is gone.
	require.Nil(t, e.DeleteRule(allowID))
	reply := &common.Packet{Protocol: "TCP", SrcIP: "10.0.0.5", SrcPort: 80, DstIP: "203.0.113.5"}
	require.Equal(t, RuleStateful, e.Simulate(reply).RuleID)

	// Denied packets are never recorded.
	e.Simulate(common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 22, ""))
	require.Len(t, e.Connections(), 1)

	// Stateful off, allowed packets are not recorded either.
	e.SetStateful(false)
	_, err := e.AddRule(rules.Spec{Action: "allow"})
	require.Nil(t, err)
	e.Simulate(common.NewPacket("udp", "203.0.113.7", "10.0.0.5", 53, ""))
	require.Len(t, e.Connections(), 1)

	events := e.Events(0)
	require.Contains(t, events[0].Message, "ALLOWED UDP 203.0.113.7")
	require.Equal(t, float64(1), testutil.ToFloat64(e.Metrics().Decisions.WithLabelValues("allow", "stateful")))
	require.Equal(t, float64(1), testutil.ToFloat64(e.Metrics().Decisions.WithLabelValues("deny", "rule")))
}

func TestConnectionCapacity(t *testing.T) {
	e := New(WithConntrack(conntrack.New(80)))
	_, err := e.AddRule(rules.Spec{Action: "allow"})
	require.Nil(t, err)
	for i := 0; i < 300; i++ {
		v := e.Simulate(&common.Packet{Protocol: "TCP", SrcIP: fmt.Sprintf("10.1.%d.%d", i/250, i%250), SrcPort: uint16(1024 + i), DstIP: "10.0.0.5", DstPort: 443})
		require.True(t, v.Allowed())
		require.LessOrEqual(t, len(e.Connections()), 80)
	}
	require.Equal(t, float64(80), testutil.ToFloat64(e.Metrics().Connections))
}

// The scanner only flags the packet. Blocking an exploit still needs a deny rule.
func TestSignatureIsAdvisory(t *testing.T) {
	e, _, allowID := seeded(t)
	pkt := common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 80, "id=1 UNION SELECT * FROM users")
	v := e.Decide(pkt)
	require.Equal(t, rules.Allow, v.Action)
	require.Equal(t, allowID, v.RuleID)
	require.Equal(t, "sqli", pkt.Signature)
	require.Equal(t, "exploit", pkt.Class())
	require.Equal(t, float64(1), testutil.ToFloat64(e.Metrics().SignatureHits.WithLabelValues("sqli")))

	// A stateful hit skips the scan entirely.
	e.Record(pkt)
	again := common.NewPacket("tcp", "203.0.113.5", "10.0.0.5", 80, "<script>")
	require.Equal(t, RuleStateful, e.Decide(again).RuleID)
	require.Empty(t, again.Signature)
}

func TestSnapshotRoundTrip(t *testing.T) {
	e, _, _ := seeded(t)
	_, err := e.AddNatMapping(8080, "10.0.0.5", 80)
	require.Nil(t, err)

	data, err := e.ExportSnapshot()
	require.Nil(t, err)
	require.Contains(t, string(data), "\n  \"rules\": [")
	require.Contains(t, string(data), `"natTable"`)

	other := New()
	require.Nil(t, other.ImportSnapshot(data))
	orig, imported := e.Rules(), other.Rules()
	require.Len(t, imported, 2)
	for i := range orig {
		require.NotEqual(t, orig[i].ID, imported[i].ID)
		require.Equal(t, orig[i].Action, imported[i].Action)
		require.Equal(t, orig[i].Port.String(), imported[i].Port.String())
		require.Equal(t, orig[i].Log, imported[i].Log)
	}
	require.Len(t, other.NatMappings(), 1)
	require.NotEqual(t, e.NatMappings()[0].ID, other.NatMappings()[0].ID)
}

func TestImportIsAtomic(t *testing.T) {
	e, _, _ := seeded(t)
	_, err := e.AddNatMapping(8080, "10.0.0.5", 80)
	require.Nil(t, err)
	rulesBefore, natBefore := e.Rules(), e.NatMappings()

	for _, doc := range []string{
		`{not json`,
		`null`,
		`[]`,
		`{"rules": "nope"}`,
		`{"rules": [{"action": "allow"}, {"proto": "tcp"}]}`,
		`{"rules": [{"action": "allow"}], "natTable": [{"external": 0, "internalHost": "a", "internalPort": 1}]}`,
		`{"rules": [], "natTable": [{"external": 80, "internalHost": "", "internalPort": 1}]}`,
	} {
		err := e.ImportSnapshot([]byte(doc))
		require.True(t, errors.Is(err, ErrInvalidFormat), doc)
		require.Equal(t, rulesBefore, e.Rules(), doc)
		require.Equal(t, natBefore, e.NatMappings(), doc)
	}
}

func TestImportKeepsAbsentTables(t *testing.T) {
	e, _, _ := seeded(t)
	_, err := e.AddNatMapping(8080, "10.0.0.5", 80)
	require.Nil(t, err)
	rulesBefore, natBefore := e.Rules(), e.NatMappings()

	require.Nil(t, e.ImportSnapshot([]byte(`{}`)))
	require.Equal(t, rulesBefore, e.Rules())
	require.Equal(t, natBefore, e.NatMappings())

	require.Nil(t, e.ImportSnapshot([]byte(`{"rules": [{"action": "allow", "port": "53"}], "natTable": null}`)))
	require.Len(t, e.Rules(), 1)
	require.Equal(t, natBefore, e.NatMappings())

	// An explicit empty array still clears the table.
	require.Nil(t, e.ImportSnapshot([]byte(`{"natTable": []}`)))
	require.Empty(t, e.NatMappings())
	require.Len(t, e.Rules(), 1)
}

func TestImportOrderAndBadPorts(t *testing.T) {
	e := New()
	require.Nil(t, e.ImportSnapshot([]byte(`{
		"rules": [
			{"id": "a", "action": "deny", "proto": "tcp", "src": "any", "dst": "10.0.0.5", "port": "ssh"},
			{"id": "b", "action": "ALLOW", "proto": "any", "src": "any", "dst": "10.0.0.5", "port": 22}
		]
	}`)))
	rs := e.Rules()
	require.Len(t, rs, 2)
	require.Equal(t, rules.Deny, rs[0].Action)
	require.False(t, rs[0].Port.Valid())
	require.Empty(t, e.NatMappings())

	// The broken deny never matches, so the allow below it decides.
	v := e.Decide(common.NewPacket("tcp", "1.2.3.4", "10.0.0.5", 22, ""))
	require.Equal(t, rs[1].ID, v.RuleID)
}

func TestResolveIDs(t *testing.T) {
	e, denyID, _ := seeded(t)
	id, err := e.ResolveRuleID(denyID)
	require.Nil(t, err)
	require.Equal(t, denyID, id)

	_, err = e.ResolveRuleID("zzzz-not-there")
	require.True(t, errors.Is(err, rules.ErrRuleNotFound))
	_, err = e.ResolveNatID("x")
	require.True(t, errors.Is(err, nat.ErrMappingNotFound))

	_, err = resolve([]string{"abc1", "abc2"}, "abc")
	require.True(t, errors.Is(err, ErrAmbiguousID))
	id, err = resolve([]string{"abc1", "abd2"}, "abd")
	require.Nil(t, err)
	require.Equal(t, "abd2", id)
}

func TestEventLog(t *testing.T) {
	l := NewEventLog(3)
	l.now = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC) }
	for i := 0; i < 5; i++ {
		l.Add("event %d", i)
	}
	require.Equal(t, 3, l.Len())
	recent := l.Recent(2)
	require.Equal(t, "event 4", recent[0].Message)
	require.Equal(t, "event 3", recent[1].Message)
	require.Equal(t, "[09:30:00] event 4", recent[0].String())
	l.Clear()
	require.Empty(t, l.Recent(10))
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Nat = false
	cfg.NatTable = []nat.Mapping{{ExternalPort: 2222, InternalHost: "10.0.0.5", InternalPort: 22}}
	e, err := NewFromConfig(cfg)
	require.Nil(t, err)
	st := e.Status()
	require.True(t, st.Stateful)
	require.False(t, st.Nat)
	require.Equal(t, 2, st.Rules)
	require.Equal(t, 1, st.NatMappings)

	// Config order is priority order, so the ssh deny comes first.
	rs := e.Rules()
	require.Equal(t, rules.Deny, rs[0].Action)
	require.Equal(t, rules.Allow, rs[1].Action)

	cfg.Rules = append(cfg.Rules, rules.Spec{Action: "nope"})
	_, err = NewFromConfig(cfg)
	require.True(t, errors.Is(err, rules.ErrInvalidRule))
}

func TestReplay(t *testing.T) {
	e, _, _ := seeded(t)

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.Nil(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	frames := [][]byte{
		common.CreateFrameTCP(t, "203.0.113.5", "10.0.0.5", 40000, 80, "hello"),
		common.CreateFrameTCP(t, "10.0.0.5", "203.0.113.5", 80, 40000, "<script>"),
		common.CreateFrameTCP(t, "203.0.113.5", "10.0.0.5", 40001, 22, ""),
		common.CreateFrameUDP(t, "203.0.113.5", "10.0.0.6", 5353, 53, ""),
		{0xde, 0xad},
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), CaptureLength: len(f), Length: len(f)}
		require.Nil(t, w.WritePacket(ci, f))
	}

	stats, err := e.Replay(context.Background(), &buf)
	require.Nil(t, err)
	require.Equal(t, ReplayStats{Frames: 5, Allowed: 2, Denied: 2, Skipped: 1}, stats)

	_, err = e.Replay(context.Background(), bytes.NewReader([]byte("not a pcap")))
	require.NotNil(t, err)
}
