package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/zsiec/tsmon/internal/ingest"
)

// Config describes the UDP endpoint to receive on.
type Config struct {
	// Address is an IPv4 unicast address, 0.0.0.0 (or empty) for any
	// interface, or a multicast group to join.
	Address string
	Port    int

	// Interface names the network interface used for the multicast join.
	// Empty lets the system choose.
	Interface string

	// ReadBuffer sets SO_RCVBUF when positive.
	ReadBuffer int

	// ReadTimeout bounds each Receive. Zero blocks until data or Close.
	ReadTimeout time.Duration
}

// IsMulticast reports whether address is an IPv4 multicast group.
func IsMulticast(address string) bool {
	ip := net.ParseIP(address).To4()
	return ip != nil && ip.IsMulticast()
}

// Source receives datagrams on one UDP socket.
type Source struct {
	ingest.Counters

	log   *slog.Logger
	cfg   Config
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
	ifi   *net.Interface

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ ingest.Source = (*Source)(nil)

// Open binds the socket described by cfg and, for a multicast address, joins
// the group. Any failure is returned as an *ingest.BindError and leaves
// nothing open. If log is nil, slog.Default() is used.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	display := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))

	host := cfg.Address
	if host == "" {
		host = net.IPv4zero.String()
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, &ingest.BindError{Addr: display, Err: fmt.Errorf("not an IPv4 address: %q", cfg.Address)}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, &ingest.BindError{Addr: display, Err: fmt.Errorf("port %d out of range", cfg.Port)}
	}

	multicast := ip.IsMulticast()
	bindHost := ip.String()
	if multicast {
		bindHost = net.IPv4zero.String()
	}
	bindAddr := net.JoinHostPort(bindHost, strconv.Itoa(cfg.Port))

	lc := net.ListenConfig{Control: reuseControl}
	pconn, err := lc.ListenPacket(ctx, "udp4", bindAddr)
	if err != nil {
		return nil, &ingest.BindError{Addr: display, Err: err}
	}
	conn := pconn.(*net.UDPConn)

	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			log.Warn("set read buffer", "size", cfg.ReadBuffer, "error", err)
		}
	}

	s := &Source{
		log:  log.With("component", "udp-source", "addr", display),
		cfg:  cfg,
		conn: conn,
		pc:   ipv4.NewPacketConn(conn),
	}

	if multicast {
		if cfg.Interface != "" {
			ifi, err := net.InterfaceByName(cfg.Interface)
			if err != nil {
				conn.Close()
				return nil, &ingest.BindError{Addr: display, Err: fmt.Errorf("interface %q: %w", cfg.Interface, err)}
			}
			s.ifi = ifi
		}
		group := &net.UDPAddr{IP: ip}
		if err := s.pc.JoinGroup(s.ifi, group); err != nil {
			conn.Close()
			return nil, &ingest.BindError{Addr: display, Err: fmt.Errorf("join group: %w", err)}
		}
		s.group = group
		s.log.Info("joined multicast group", "interface", cfg.Interface)
	} else {
		s.log.Info("listening", "local", conn.LocalAddr().String())
	}

	s.Start(time.Now())
	return s, nil
}

// Receive reads the next datagram into buf. ctx is checked before blocking;
// a stop requested while the read is blocked is delivered by Close, which
// makes the pending read return ErrClosed.
func (s *Source) Receive(ctx context.Context, buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, ingest.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if s.cfg.ReadTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return 0, s.classify(err)
		}
	}

	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, s.classify(err)
	}

	s.RecordRead(n)
	if from != nil {
		s.SetRemoteAddr(from.String())
	}
	return n, nil
}

func (s *Source) classify(err error) error {
	if s.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ingest.ErrClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ingest.ErrNoData
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EAGAIN) {
		return &ingest.ReceiveError{Err: err}
	}
	return fmt.Errorf("udp receive: %w", err)
}

// Close leaves the multicast group, if one was joined, and closes the socket.
// Only the first call does anything; later calls return nil. A failure to
// leave the group is logged and does not prevent the socket from closing.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.group != nil {
			if lerr := s.pc.LeaveGroup(s.ifi, s.group); lerr != nil {
				s.log.Warn("leave multicast group", "error", lerr)
			}
		}
		err = s.conn.Close()
		stats := s.Stats()
		s.log.Info("closed", "bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs)
	})
	return err
}

// LocalAddr returns the bound socket address.
func (s *Source) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stats returns the source's connection counters.
func (s *Source) Stats() ingest.Stats {
	st := s.Snapshot(ingest.KindUDP, s.conn.LocalAddr().String())
	if s.group != nil {
		st.Group = s.group.IP.String()
	}
	return st
}
