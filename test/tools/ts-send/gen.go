package main

import (
	"math/rand/v2"

	"github.com/zsiec/tsmon/internal/mpegts"
)

// generator produces a synthetic multi-PID transport stream. Each PID keeps
// its own continuity counter; dropped packets advance the counter without
// being emitted, so a receiver sees a gap.
type generator struct {
	pids      []uint16
	cc        map[uint16]uint8
	next      int
	nullEvery int
	dropRate  float64
	rng       *rand.Rand

	emitted int64
	dropped int64
	nulls   int64
}

func newGenerator(pids []uint16, nullEvery int, dropRate float64, seed uint64) *generator {
	return &generator{
		pids:      pids,
		cc:        make(map[uint16]uint8, len(pids)),
		nullEvery: nullEvery,
		dropRate:  dropRate,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

// fill appends n packets to dst and returns it.
func (g *generator) fill(dst []byte, n int) []byte {
	for produced := 0; produced < n; {
		if g.nullEvery > 0 && (g.emitted+g.nulls+1)%int64(g.nullEvery) == 0 {
			dst = appendPacket(dst, mpegts.NullPID, 0)
			g.nulls++
			produced++
			continue
		}

		pid := g.pids[g.next%len(g.pids)]
		g.next++
		cc := g.cc[pid]
		g.cc[pid] = (cc + 1) & 0x0F

		if g.dropRate > 0 && g.rng.Float64() < g.dropRate {
			g.dropped++
			continue
		}
		dst = appendPacket(dst, pid, cc)
		g.emitted++
		produced++
	}
	return dst
}

func appendPacket(dst []byte, pid uint16, cc uint8) []byte {
	var pkt [mpegts.PacketSize]byte
	pkt[0] = mpegts.SyncByte
	pkt[1] = byte(pid>>8) & 0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc&0x0F // payload only
	for i := 4; i < len(pkt); i++ {
		pkt[i] = 0xFF
	}
	return append(dst, pkt[:]...)
}

// splitter cuts a byte stream into datagrams. With jitter it picks random
// sizes so packet boundaries rarely line up with datagram boundaries.
type splitter struct {
	size   int
	jitter bool
	rng    *rand.Rand
}

func (s *splitter) next() int {
	if !s.jitter {
		return s.size
	}
	return 1 + s.rng.IntN(s.size)
}
