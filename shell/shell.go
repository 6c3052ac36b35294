/*
Package shell is the command processor of the simulator.

The grammar follows the old browser terminal: `add rule allow tcp any 10.0.0.5 80 log`,
`simulate pkt tcp 203.0.113.5 10.0.0.5 80`, `show rules` and so on. Ids can be abbreviated to any unique prefix.
*/
package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"fwsim/common"
	"fwsim/engine"
	"fwsim/rules"
)

var (
	ErrQuit  = errors.New("quit")
	ErrUsage = errors.New("usage")
)

const (
	shortIDLen     = 8
	defaultLogRows = 40
)

const helpText = `Available commands:
help                              show this
clear                             clear screen
show rules                        list firewall rules (top to bottom)
show nat                          list NAT/port-forward entries
show conn                         show stateful connection table
show logs [n]                     show recent logs
show status | status              show firewall status
add rule <allow|deny> [proto] [src] [dst] [port] [log]
    e.g. add rule allow tcp any 10.0.0.5 80 log
del rule <rule-id>                remove rule by id
move rule <rule-id> up|down       change priority
add nat <external> <host:port>    e.g. add nat 8080 10.0.0.5:80
del nat <nat-id>
set stateful on|off               toggle stateful tracking
set nat on|off                    toggle NAT handling
simulate pkt <proto> <src> <dst> <port> [payload]
    e.g. simulate pkt tcp 203.0.113.5 10.0.0.5 80
clear logs | clear conn           empty the log or connection table
export config [file]              print or write JSON of rules & nat
import config <file|json>         load JSON, replacing rules & nat
quit | exit
`

// Shell executes one command line at a time against an engine.
type Shell struct {
	eng *engine.Engine
	out io.Writer
}

func New(eng *engine.Engine, out io.Writer) *Shell {
	return &Shell{eng: eng, out: out}
}

func (s *Shell) println(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

func usage(text string) error {
	return fmt.Errorf("%w: %s", ErrUsage, text)
}

// Exec runs a single command line. ErrQuit is returned for quit/exit.
func (s *Shell) Exec(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	sub := ""
	if len(parts) > 1 {
		sub = strings.ToLower(parts[1])
	}
	log.Debug().Msgf("shell command %q", line)

	switch cmd {
	case "help", "?":
		fmt.Fprint(s.out, helpText)
		return nil
	case "quit", "exit":
		return ErrQuit
	case "status":
		s.println("%s", s.eng.Status())
		return nil
	case "show":
		return s.show(sub, parts[2:])
	case "add":
		switch sub {
		case "rule":
			return s.addRule(parts[2:])
		case "nat":
			return s.addNat(parts[2:])
		}
		return usage("add rule|nat ...")
	case "del":
		switch sub {
		case "rule":
			return s.delRule(parts[2:])
		case "nat":
			return s.delNat(parts[2:])
		}
		return usage("del rule|nat <id>")
	case "move":
		if sub != "rule" {
			return usage("move rule <id> up|down")
		}
		return s.moveRule(parts[2:])
	case "set":
		return s.set(sub, parts[2:])
	case "simulate":
		if sub != "pkt" {
			return usage("simulate pkt <proto> <src> <dst> <port> [payload]")
		}
		return s.simulate(parts[2:])
	case "clear":
		switch sub {
		case "logs":
			s.eng.ClearEvents()
			s.println("logs cleared")
		case "conn":
			s.eng.ClearConnections()
			s.println("connections cleared")
		default:
			fmt.Fprint(s.out, "\033[H\033[2J")
		}
		return nil
	case "export":
		if sub != "config" {
			return usage("export config [file]")
		}
		return s.export(parts[2:])
	case "import":
		if sub != "config" || len(parts) < 3 {
			return usage("import config <file|json>")
		}
		return s.importConfig(dropWords(line, 2))
	}
	return fmt.Errorf("unknown command %q, type help", cmd)
}

// dropWords removes the first n words and keeps the rest of the line verbatim, inline JSON included.
func dropWords(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n && rest != ""; i++ {
		rest = strings.TrimSpace(rest[len(strings.Fields(rest)[0]):])
	}
	return rest
}

func (s *Shell) show(what string, args []string) error {
	switch what {
	case "rules":
		return s.showRules()
	case "nat":
		return s.showNat()
	case "conn", "connection", "connections":
		return s.showConn()
	case "logs":
		n := defaultLogRows
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return usage("show logs [n]")
			}
			n = v
		}
		events := s.eng.Events(n)
		if len(events) == 0 {
			s.println("(no logs)")
		}
		for _, ev := range events {
			s.println("%s", ev)
		}
		return nil
	case "status":
		s.println("%s", s.eng.Status())
		return nil
	}
	return usage("show rules|nat|conn|logs|status")
}

func short(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func (s *Shell) showRules() error {
	rs := s.eng.Rules()
	if len(rs) == 0 {
		s.println("(no rules)")
		return nil
	}
	data := make([][]string, len(rs))
	for i, r := range rs {
		logFlag := ""
		if r.Log {
			logFlag = "log"
		}
		data[i] = []string{strconv.Itoa(i + 1), short(r.ID), r.Action.String(), r.Protocol, r.SrcIP, r.DstIP, r.Port.String(), logFlag}
	}
	return tableView{header: []string{"#", "ID", "ACTION", "PROTO", "SRC", "DST", "PORT", "LOG"}, rows: data, noun: "rules"}.render(s.out)
}

func (s *Shell) showNat() error {
	ms := s.eng.NatMappings()
	if len(ms) == 0 {
		s.println("(no nat entries)")
		return nil
	}
	data := make([][]string, len(ms))
	for i, m := range ms {
		data[i] = []string{short(m.ID), strconv.Itoa(m.ExternalPort), fmt.Sprintf("%s:%d", m.InternalHost, m.InternalPort)}
	}
	return tableView{header: []string{"ID", "EXTERNAL", "INTERNAL"}, rows: data, noun: "nat entries"}.render(s.out)
}

func (s *Shell) showConn() error {
	entries := s.eng.Connections()
	if len(entries) == 0 {
		s.println("(no connections)")
		return nil
	}
	data := make([][]string, len(entries))
	for i, e := range entries {
		data[i] = []string{e.Key.String(), e.LastSeen.Format("15:04:05")}
	}
	return tableView{header: []string{"FLOW", "LAST SEEN"}, rows: data, noun: "connections"}.render(s.out)
}

// add rule allow tcp any 10.0.0.5 80 log
func (s *Shell) addRule(args []string) error {
	if len(args) == 0 {
		return usage("add rule <allow|deny> [proto] [src] [dst] [port] [log]")
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return common.Any
	}
	spec := rules.Spec{
		Action:   args[0],
		Protocol: arg(1),
		SrcIP:    arg(2),
		DstIP:    arg(3),
		Port:     arg(4),
		Log:      len(args) > 5 && strings.EqualFold(args[5], "log"),
	}
	id, err := s.eng.AddRule(spec)
	if err != nil {
		return err
	}
	for _, r := range s.eng.Rules() {
		if r.ID == id {
			s.println("Rule added: %s", r)
		}
	}
	return nil
}

func (s *Shell) delRule(args []string) error {
	if len(args) != 1 {
		return usage("del rule <id>")
	}
	id, err := s.eng.ResolveRuleID(args[0])
	if err != nil {
		return err
	}
	if err := s.eng.DeleteRule(id); err != nil {
		return err
	}
	s.println("Rule %s removed", id)
	return nil
}

func (s *Shell) moveRule(args []string) error {
	if len(args) != 2 {
		return usage("move rule <id> up|down")
	}
	id, err := s.eng.ResolveRuleID(args[0])
	if err != nil {
		return err
	}
	dir, err := rules.ParseDirection(strings.ToLower(args[1]))
	if err != nil {
		return err
	}
	err = s.eng.MoveRule(id, dir)
	if errors.Is(err, rules.ErrAtBoundary) {
		s.println("cannot move")
		return nil
	} else if err != nil {
		return err
	}
	s.println("Rule %s moved %s", id, strings.ToLower(args[1]))
	return nil
}

// add nat 8080 10.0.0.5:80
func (s *Shell) addNat(args []string) error {
	if len(args) != 2 || !strings.Contains(args[1], ":") {
		return usage("add nat <external> <host:port>")
	}
	ext, err := strconv.Atoi(args[0])
	if err != nil {
		return usage("add nat <external> <host:port>")
	}
	idx := strings.LastIndex(args[1], ":")
	host := args[1][:idx]
	port, err := strconv.Atoi(args[1][idx+1:])
	if err != nil {
		return usage("add nat <external> <host:port>")
	}
	id, err := s.eng.AddNatMapping(ext, host, port)
	if err != nil {
		return err
	}
	s.println("NAT mapping added: %d -> %s:%d (id:%s)", ext, host, port, id)
	return nil
}

func (s *Shell) delNat(args []string) error {
	if len(args) != 1 {
		return usage("del nat <id>")
	}
	id, err := s.eng.ResolveNatID(args[0])
	if err != nil {
		return err
	}
	if err := s.eng.DeleteNatMapping(id); err != nil {
		return err
	}
	s.println("NAT %s removed", id)
	return nil
}

func parseOnOff(args []string) (bool, error) {
	if len(args) != 1 {
		return false, usage("set stateful|nat on|off")
	}
	switch strings.ToLower(args[0]) {
	case "on", "true":
		return true, nil
	case "off", "false":
		return false, nil
	}
	return false, usage("set stateful|nat on|off")
}

func (s *Shell) set(what string, args []string) error {
	on, err := parseOnOff(args)
	if err != nil {
		return err
	}
	switch what {
	case "stateful":
		s.eng.SetStateful(on)
		s.println("stateful = %t", on)
	case "nat":
		s.eng.SetNat(on)
		s.println("natEnabled = %t", on)
	default:
		return usage("set stateful|nat on|off")
	}
	return nil
}

// simulate pkt tcp 203.0.113.5 10.0.0.5 80 [payload]
func (s *Shell) simulate(args []string) error {
	if len(args) < 4 {
		return usage("simulate pkt <proto> <src> <dst> <port> [payload]")
	}
	port, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil {
		return usage("port must be between 0 and 65535")
	}
	pkt := common.NewPacket(args[0], args[1], args[2], uint16(port), strings.Join(args[4:], " "))
	PrintVerdict(s.out, pkt, s.eng.Simulate(pkt))
	return nil
}

// PrintVerdict writes the outcome of a simulated packet, the way the shell shows it.
func PrintVerdict(w io.Writer, pkt *common.Packet, v engine.Verdict) {
	dst := common.PortString(pkt.DstPort)
	if pkt.Translated {
		dst = common.PortString(pkt.OrigDstPort)
	}
	service := ""
	if name := common.ServiceName(pkt.DstPort, pkt.Protocol); name != "" {
		service = " (" + name + ")"
	}
	fmt.Fprintf(w, "-> Simulating packet: %s %s:%s -> %s:%s%s\n", pkt.Protocol, pkt.SrcIP, common.PortString(pkt.SrcPort), origDst(pkt), dst, service)
	if pkt.Translated {
		fmt.Fprintf(w, "   NAT: %s:%s -> %s:%s\n", pkt.OrigDstIP, common.PortString(pkt.OrigDstPort), pkt.DstIP, common.PortString(pkt.DstPort))
	}
	if pkt.IsExploit() {
		fmt.Fprintf(w, "! IDS: %s signature detected (%s)\n", pkt.Signature, pkt.Class())
	}
	fmt.Fprintf(w, "> MATCH: %s (rule: %s)\n", v.Action, v.RuleID)
}

func origDst(pkt *common.Packet) string {
	if pkt.Translated {
		return pkt.OrigDstIP
	}
	return pkt.DstIP
}

func (s *Shell) export(args []string) error {
	data, err := s.eng.ExportSnapshot()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		s.println("%s", data)
		return nil
	}
	if err := os.WriteFile(args[0], append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}
	s.println("Exported config -> %s", args[0])
	return nil
}

// importConfig takes either a file name or the JSON document itself.
func (s *Shell) importConfig(arg string) error {
	data := []byte(arg)
	if !strings.HasPrefix(arg, "{") {
		var err error
		data, err = os.ReadFile(arg)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", arg, err)
		}
	}
	if err := s.eng.ImportSnapshot(data); err != nil {
		return err
	}
	s.println("Import successful")
	return s.showRules()
}
