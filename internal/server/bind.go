package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// listen binds the UDP socket per the configured strategy: IPv6 first when
// enabled, IPv4 fallback, SO_REUSEADDR set so a restart does not trip over a
// lingering socket.
func (s *Server) listen() (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	port := strconv.Itoa(s.cfg.Network.ListenPort)
	addr := s.cfg.Network.ListenAddress

	if s.cfg.Network.IPv6Enabled {
		host := addr
		if host == "" || host == "0.0.0.0" {
			host = "::"
		}
		pc, err := lc.ListenPacket(context.Background(), "udp6", net.JoinHostPort(host, port))
		if err == nil {
			conn := pc.(*net.UDPConn)
			s.applyDSCP(conn, true)
			return conn, nil
		}
		s.logf(levelWarning, "IPv6 bind failed (%v), falling back to IPv4", err)
	}

	host := addr
	if host == "" || host == "::" {
		host = "0.0.0.0"
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", net.JoinHostPort(host, port), err)
	}
	conn := pc.(*net.UDPConn)
	s.applyDSCP(conn, false)
	return conn, nil
}

// applyDSCP marks outgoing datagrams when performance.dscp is set.
// Best-effort: some platforms refuse it without privileges.
func (s *Server) applyDSCP(conn *net.UDPConn, v6 bool) {
	dscp := s.cfg.Performance.DSCP
	if dscp == 0 {
		return
	}
	tc := dscp << 2
	var err error
	if v6 {
		err = ipv6.NewPacketConn(conn).SetTrafficClass(tc)
	} else {
		err = ipv4.NewPacketConn(conn).SetTOS(tc)
	}
	if err != nil {
		s.logf(levelWarning, "setting DSCP %d failed: %v", dscp, err)
	}
}
