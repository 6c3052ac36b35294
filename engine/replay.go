package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"

	"fwsim/common"
)

type ReplayStats struct {
	Frames  int
	Allowed int
	Denied  int
	Skipped int // not IPv4, or failed to decode
	Exploit int
}

func (s ReplayStats) String() string {
	return fmt.Sprintf("frames: %d | allowed: %d | denied: %d | skipped: %d | exploits: %d",
		s.Frames, s.Allowed, s.Denied, s.Skipped, s.Exploit)
}

// Replay simulates every frame of a pcap stream, in order. Only ethernet captures are supported.
func (e *Engine) Replay(ctx context.Context, r io.Reader) (stats ReplayStats, err error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if reader.LinkType() != layers.LinkTypeEthernet {
		return stats, fmt.Errorf("unsupported link type %s", reader.LinkType())
	}

	for {
		if err = ctx.Err(); err != nil {
			return
		}
		data, _, errRead := reader.ReadPacketData()
		if errors.Is(errRead, io.EOF) {
			return stats, nil
		} else if errRead != nil {
			return stats, fmt.Errorf("failed to read frame %d: %w", stats.Frames+1, errRead)
		}
		stats.Frames++

		pkt, errDecode := common.FromFrame(data)
		if errDecode != nil {
			log.Debug().Err(errDecode).Msgf("Skipping frame %d", stats.Frames)
			stats.Skipped++
			continue
		}
		if e.Simulate(pkt).Allowed() {
			stats.Allowed++
		} else {
			stats.Denied++
		}
		if pkt.IsExploit() {
			stats.Exploit++
		}
	}
}
