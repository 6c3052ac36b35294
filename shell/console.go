package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog/log"
)

const prompt = "fw-sim> "

func completer() *readline.PrefixCompleter {
	onOff := []readline.PrefixCompleterInterface{readline.PcItem("on"), readline.PcItem("off")}
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("status"),
		readline.PcItem("show",
			readline.PcItem("rules"),
			readline.PcItem("nat"),
			readline.PcItem("conn"),
			readline.PcItem("logs"),
			readline.PcItem("status"),
		),
		readline.PcItem("add", readline.PcItem("rule", readline.PcItem("allow"), readline.PcItem("deny")), readline.PcItem("nat")),
		readline.PcItem("del", readline.PcItem("rule"), readline.PcItem("nat")),
		readline.PcItem("move", readline.PcItem("rule")),
		readline.PcItem("set",
			readline.PcItem("stateful", onOff...),
			readline.PcItem("nat", onOff...),
		),
		readline.PcItem("simulate", readline.PcItem("pkt", readline.PcItem("tcp"), readline.PcItem("udp"), readline.PcItem("icmp"))),
		readline.PcItem("clear", readline.PcItem("logs"), readline.PcItem("conn")),
		readline.PcItem("export", readline.PcItem("config")),
		readline.PcItem("import", readline.PcItem("config")),
		readline.PcItem("quit"),
		readline.PcItem("exit"),
	)
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fwsim_history")
}

// Run reads commands from the terminal until quit, EOF or ctx is cancelled.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
		Stdout:          s.out,
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	return s.serve(ctx, rl)
}

// lineReader is the part of *readline.Instance the loop needs.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

func (s *Shell) serve(ctx context.Context, rl lineReader) error {
	defer rl.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rl.Close()
		case <-done:
		}
	}()

	fmt.Fprintf(s.out, "Firewall simulator. Type help for commands.\n%s\n", s.eng.Status())
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		err = s.Exec(strings.TrimSpace(line))
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			log.Debug().Err(err).Msgf("command %q failed", line)
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}
