package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fwsim/common"
	"fwsim/config"
	"fwsim/engine"
	"fwsim/shell"
)

type app struct {
	ctx         context.Context
	eng         *engine.Engine
	metricsAddr string
}

type CLI struct {
	Shell    ShellCmd    `kong:"cmd,default='1',help='Start the interactive shell.'"`
	Simulate SimulateCmd `kong:"cmd,help='Decide a single packet and exit, with status 2 when it is denied.'"`
	Replay   ReplayCmd   `kong:"cmd,help='Run every frame of a pcap file through the engine.'"`
	Export   ExportCmd   `kong:"cmd,help='Print the rule and NAT snapshot as JSON.'"`

	Config      string `kong:"short='c',help='Path to the YAML configuration file.'"`
	LogLevel    string `kong:"short='v',help='Log level (debug, info, warn, error). Overrides the config file.'"`
	Snapshot    string `kong:"help='JSON snapshot to import on startup, replacing the configured rules and NAT table.'"`
	MetricsAddr string `kong:"help='Serve prometheus metrics on this address. Overrides the config file.'"`
}

type ShellCmd struct{}

func (c *ShellCmd) Run(a *app) error {
	if a.metricsAddr != "" {
		go func() {
			if err := a.eng.ServeMetrics(a.ctx, a.metricsAddr); err != nil {
				log.Error().Err(err).Msgf("Metrics server on %s stopped", a.metricsAddr)
			}
		}()
	}
	return shell.New(a.eng, os.Stdout).Run(a.ctx)
}

type SimulateCmd struct {
	Proto   string   `arg:"" help:"Protocol (tcp, udp, icmp...)."`
	Src     string   `arg:"" help:"Source IP."`
	Dst     string   `arg:"" help:"Destination IP."`
	Port    uint16   `arg:"" help:"Destination port."`
	Payload []string `arg:"" optional:"" help:"Payload text."`
}

func (c *SimulateCmd) Run(a *app) error {
	pkt := common.NewPacket(c.Proto, c.Src, c.Dst, c.Port, strings.Join(c.Payload, " "))
	v := a.eng.Simulate(pkt)
	shell.PrintVerdict(os.Stdout, pkt, v)
	if !v.Allowed() {
		return deniedError{v}
	}
	return nil
}

// deniedError makes `fwsim simulate` exit with status 2 when the packet is denied.
type deniedError struct {
	verdict engine.Verdict
}

func (e deniedError) Error() string {
	return "packet denied (rule: " + e.verdict.RuleID + ")"
}

func (deniedError) ExitCode() int {
	return 2
}

type ReplayCmd struct {
	File string `arg:"" type:"existingfile" help:"pcap file to replay."`
}

func (c *ReplayCmd) Run(a *app) error {
	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()
	stats, err := a.eng.Replay(a.ctx, f)
	fmt.Println(stats)
	return err
}

type ExportCmd struct {
	Out string `arg:"" optional:"" help:"Write to this file instead of stdout."`
}

func (c *ExportCmd) Run(a *app) error {
	data, err := a.eng.ExportSnapshot()
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if c.Out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Out, data, 0o644)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("fwsim"),
		kong.Description("Packet filtering firewall simulator."),
		kong.UsageOnError(),
		kong.DefaultEnvars("FWSIM"),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config '%s': %v", cli.Config, err))
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	loglvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		panic("Failed to parse log level, try debug")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(loglvl).With().Timestamp().Logger()
	log.Debug().Msgf("Config: %+v", cfg)

	eng, err := engine.NewFromConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine from config")
	}
	if cli.Snapshot != "" {
		data, err := os.ReadFile(cli.Snapshot)
		if err != nil {
			log.Fatal().Err(err).Msgf("Failed to read snapshot %s", cli.Snapshot)
		}
		if err := eng.ImportSnapshot(data); err != nil {
			log.Fatal().Err(err).Msgf("Failed to import snapshot %s", cli.Snapshot)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Conntrack.TTL > 0 {
		go eng.Conntrack().StartGarbageCollector(ctx, cfg.Conntrack.GCInterval)
	}
	addr := cfg.Metrics.Listen
	if cli.MetricsAddr != "" {
		addr = cli.MetricsAddr
	}

	err = kctx.Run(&app{ctx: ctx, eng: eng, metricsAddr: addr})
	stop()
	kctx.FatalIfErrorf(err)
}
