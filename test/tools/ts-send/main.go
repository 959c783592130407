// ts-send generates a synthetic MPEG-TS stream, or replays a TS file, and
// sends it over UDP at a target bit rate for exercising tsmon by hand.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/zsiec/tsmon/internal/mpegts"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:1234", "Destination host:port (unicast or multicast group)")
	fileFlag := flag.String("file", "", "TS file to replay in a loop instead of generating packets")
	rateFlag := flag.Float64("mbps", 10, "Target bit rate in Mbps")
	pidsFlag := flag.String("pids", "0x100,0x101,0x102", "Comma-separated PIDs for generated packets")
	nullFlag := flag.Int("null-every", 0, "Emit a null packet every N packets (0 disables)")
	dropFlag := flag.Float64("drop", 0, "Probability of dropping each generated packet")
	sizeFlag := flag.Int("size", 7*mpegts.PacketSize, "Datagram size in bytes (maximum size with -jitter)")
	jitterFlag := flag.Bool("jitter", false, "Use random datagram sizes up to -size")
	ttlFlag := flag.Int("ttl", 1, "Multicast TTL")
	durFlag := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	seedFlag := flag.Uint64("seed", 1, "Random seed")
	flag.Parse()

	if *rateFlag <= 0 || *sizeFlag <= 0 {
		fmt.Fprintln(os.Stderr, "-mbps and -size must be positive")
		os.Exit(2)
	}

	conn, err := dial(*addrFlag, *ttlFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addrFlag, err)
		os.Exit(1)
	}
	defer conn.Close()

	var (
		gen  *generator
		file []byte
	)
	if *fileFlag != "" {
		file, err = os.ReadFile(*fileFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *fileFlag, err)
			os.Exit(1)
		}
		if len(file) == 0 {
			fmt.Fprintln(os.Stderr, "file is empty")
			os.Exit(1)
		}
	} else {
		pids, err := parsePIDs(*pidsFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "-pids: %v\n", err)
			os.Exit(2)
		}
		gen = newGenerator(pids, *nullFlag, *dropFlag, *seedFlag)
	}

	split := &splitter{size: *sizeFlag, jitter: *jitterFlag, rng: rand.New(rand.NewPCG(*seedFlag, 7))}
	bytesPerSec := *rateFlag * 1_000_000 / 8

	fmt.Printf("Sending to %s at %.2f Mbps\n", *addrFlag, *rateFlag)
	sendLoop(conn, gen, file, split, bytesPerSec, *durFlag)

	if gen != nil {
		fmt.Printf("Sent %d packets (%d null), dropped %d\n", gen.emitted, gen.nulls, gen.dropped)
	}
}

func dial(addr string, ttl int) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	if raddr.IP.IsMulticast() {
		if err := ipv4.NewPacketConn(conn).SetMulticastTTL(ttl); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// sendLoop paces writes against a global clock so the average rate holds
// regardless of per-datagram jitter.
func sendLoop(conn *net.UDPConn, gen *generator, file []byte, split *splitter, bytesPerSec float64, limit time.Duration) {
	start := time.Now()
	lastLog := start
	var sent int64
	var pending []byte
	fileOff := 0

	for limit == 0 || time.Since(start) < limit {
		n := split.next()
		for len(pending) < n {
			if gen != nil {
				pending = gen.fill(pending, 7)
				continue
			}
			take := min(n-len(pending), len(file)-fileOff)
			pending = append(pending, file[fileOff:fileOff+take]...)
			fileOff = (fileOff + take) % len(file)
		}

		if _, err := conn.Write(pending[:n]); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
		}
		pending = pending[n:]
		sent += int64(n)

		expected := float64(sent) / bytesPerSec
		if elapsed := time.Since(start).Seconds(); expected > elapsed {
			time.Sleep(time.Duration((expected - elapsed) * float64(time.Second)))
		}

		if time.Since(lastLog) >= 5*time.Second {
			rate := float64(sent) * 8 / time.Since(start).Seconds() / 1_000_000
			fmt.Printf("sent=%.1f MB rate=%.2f Mbps\n", float64(sent)/(1024*1024), rate)
			lastLog = time.Now()
		}
	}
}

func parsePIDs(s string) ([]uint16, error) {
	var pids []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseUint(f, 0, 16)
		if err != nil {
			return nil, err
		}
		if v >= uint64(mpegts.NullPID) {
			return nil, fmt.Errorf("PID %#x out of range", v)
		}
		pids = append(pids, uint16(v))
	}
	if len(pids) == 0 {
		return nil, fmt.Errorf("no PIDs")
	}
	return pids, nil
}
