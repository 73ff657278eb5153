package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"tftpd-server/internal/access"
	"tftpd-server/internal/config"
	"tftpd-server/internal/proto"
)

const (
	levelDebug = iota
	levelInfo
	levelWarning
	levelError
	levelFatal
)

func levelName(l int) string {
	switch l {
	case levelDebug:
		return "DEBUG"
	case levelInfo:
		return "INFO"
	case levelWarning:
		return "WARNING"
	case levelError:
		return "ERROR"
	}
	return "FATAL"
}

func parseLevel(s string) int {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return levelDebug
	case "WARNING":
		return levelWarning
	case "ERROR":
		return levelError
	case "FATAL":
		return levelFatal
	}
	return levelInfo
}

// maxDatagram bounds a single read from the socket: the DATA header plus the
// largest negotiable block size. Request packets are far smaller.
const maxDatagram = proto.HeaderSize + proto.MaxBlockSize

// readDeadline is how long one socket read may block before the serve loop
// re-checks for shutdown.
const readDeadline = 500 * time.Millisecond

// Server is the UDP dispatcher: it accepts datagrams on a single socket,
// demultiplexes them by peer TID, spawns transfers for RRQ/WRQ and reaps
// finished ones.
type Server struct {
	cfg      config.Config
	checker  *access.Checker
	metrics  Metrics
	stats    *statsHub
	events   *eventHub
	logLevel int

	conn *net.UDPConn

	mu        sync.Mutex
	transfers map[netip.AddrPort]*transfer
	closing   bool

	wg        sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
	monitorLn net.Listener
}

// New builds a Server from a validated configuration.
func New(cfg config.Config) *Server {
	stats := newStatsHub()
	return &Server{
		cfg:       cfg,
		checker:   access.New(&cfg),
		metrics:   stats,
		stats:     stats,
		events:    newEventHub(1024),
		logLevel:  parseLevel(cfg.Logging.Level),
		transfers: make(map[netip.AddrPort]*transfer),
		stopCh:    make(chan struct{}),
	}
}

// SetMetrics replaces the default in-process stats hub with an external
// monitoring sink. Must be called before ListenAndServe.
func (s *Server) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

func (s *Server) logf(level int, format string, args ...interface{}) {
	if level < s.logLevel {
		return
	}
	log.Printf("%s: %s", levelName(level), fmt.Sprintf(format, args...))
}

// ListenAndServe binds the UDP socket and serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	conn, err := s.listen()
	if err != nil {
		return err
	}
	return s.Serve(conn)
}

// Serve runs the dispatcher on an already-bound socket until Shutdown.
func (s *Server) Serve(conn *net.UDPConn) error {
	s.conn = conn
	s.logf(levelInfo, "listening on %s", conn.LocalAddr())

	if err := s.startMonitor(); err != nil {
		conn.Close()
		return err
	}

	s.wg.Add(1)
	go s.reapLoop()

	return s.serve()
}

func (s *Server) serve() error {
	defer s.conn.Close()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, peer, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			s.logf(levelError, "read: %v", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.route(pkt, peer)
	}
}

// route delivers one datagram: requests spawn transfers, everything else goes
// to the owning transfer by peer TID.
func (s *Server) route(buf []byte, peer netip.AddrPort) {
	if !s.checker.PeerAllowed(peer.Addr()) {
		s.logf(levelDebug, "%s: dropped datagram from disallowed peer", peer)
		return
	}

	pkt, err := proto.Decode(buf)
	if err != nil {
		s.logf(levelWarning, "%s: malformed packet: %v", peer, err)
		s.sendError(peer, proto.ErrIllegalOp, "Malformed packet")
		return
	}

	switch p := pkt.(type) {
	case proto.Rrq:
		s.accept(peer, pkt, p.Filename, access.DirRead)
	case proto.Wrq:
		s.accept(peer, pkt, p.Filename, access.DirWrite)
	default:
		s.deliver(peer, pkt)
	}
}

// accept consults the policy and creates a transfer for an RRQ/WRQ.
func (s *Server) accept(peer netip.AddrPort, pkt proto.Packet, filename string, dir access.Direction) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if _, exists := s.transfers[peer]; exists {
		s.mu.Unlock()
		s.logf(levelWarning, "%s: request while transfer active", peer)
		s.sendError(peer, proto.ErrUnknownTID, "Transfer already in progress")
		return
	}
	s.mu.Unlock()

	dec := s.checker.Check(filename, peer.Addr(), dir)
	if !dec.Allowed {
		s.logf(levelWarning, "%s: %s %q denied: %s", peer, dir, filename, dec.Reason)
		s.sendError(peer, dec.Reason.ErrorCode(), denialMessage(dec.Reason))
		s.metrics.RecordConnection(false)
		s.metrics.RecordError()
		return
	}

	t := newTransfer(s, peer, dir, dec)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.transfers[peer] = t
	active := len(s.transfers)
	s.mu.Unlock()

	s.metrics.RecordConnection(true)
	s.metrics.UpdateActive(active)
	s.logf(levelInfo, "%s: %s request for %q", peer, dir, dec.RelPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.run()
	}()
	t.packets <- pkt
}

// deliver routes DATA/ACK/ERROR to an existing transfer. A datagram for an
// unknown or finished TID gets a stateless unknown-TID ERROR, except that a
// stray ERROR is never answered.
func (s *Server) deliver(peer netip.AddrPort, pkt proto.Packet) {
	s.mu.Lock()
	t, ok := s.transfers[peer]
	s.mu.Unlock()
	if ok {
		select {
		case <-t.done:
			ok = false
		default:
			select {
			case t.packets <- pkt:
			default:
				// Queue full; the peer will retransmit.
				s.logf(levelDebug, "%s: transfer queue full, dropping %s", peer, pkt.Op())
			}
		}
	}
	if !ok {
		if pkt.Op() == proto.OpError {
			return
		}
		s.logf(levelDebug, "%s: %s for unknown TID", peer, pkt.Op())
		s.sendError(peer, proto.ErrUnknownTID, "Unknown transfer ID")
	}
}

// sendTo is the single send path shared by all transfers.
func (s *Server) sendTo(b []byte, peer netip.AddrPort) error {
	n, err := s.conn.WriteToUDPAddrPort(b, peer)
	if err == nil && n != len(b) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(b))
	}
	return err
}

// sendError emits a best-effort stateless ERROR datagram.
func (s *Server) sendError(peer netip.AddrPort, code proto.ErrorCode, msg string) {
	if err := s.sendTo(proto.Encode(proto.Error{Code: code, Message: msg}), peer); err != nil {
		s.logf(levelDebug, "%s: error reply failed: %v", peer, err)
	}
}

func denialMessage(r access.Reason) string {
	switch r {
	case access.ReasonFileExists:
		return "File exists"
	case access.ReasonTooLarge:
		return "File too large"
	default:
		return "Access denied"
	}
}

// reapLoop removes transfers that reached a terminal state. The engine closes
// its own files; the dispatcher only drops the table entry.
func (s *Server) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		before := len(s.transfers)
		for peer, t := range s.transfers {
			select {
			case <-t.done:
				delete(s.transfers, peer)
			default:
			}
		}
		active := len(s.transfers)
		s.mu.Unlock()
		if active != before {
			s.metrics.UpdateActive(active)
		}
	}
}

// Shutdown stops accepting requests, asks every transfer to close and waits
// for them, bounded by the composite timeout.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.logf(levelInfo, "shutting down")
		s.mu.Lock()
		s.closing = true
		pending := make([]*transfer, 0, len(s.transfers))
		for _, t := range s.transfers {
			pending = append(pending, t)
		}
		s.mu.Unlock()

		for _, t := range pending {
			select {
			case <-t.done:
			default:
				close(t.stop)
			}
		}
		close(s.stopCh)

		joinTimeout := time.Duration(s.cfg.Performance.MaxRetries*s.cfg.Performance.Timeout) * time.Second
		doneCh := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(doneCh)
		}()
		select {
		case <-doneCh:
		case <-time.After(joinTimeout):
			s.logf(levelWarning, "shutdown join timed out after %s", joinTimeout)
		}

		if s.monitorLn != nil {
			s.monitorLn.Close()
		}
		s.metrics.UpdateActive(0)
	})
}

// Stats returns a point-in-time snapshot of the in-process counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}
