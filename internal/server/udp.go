package server

import (
	"errors"
	"net"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/log"
	"github.com/treemana/zerodns/internal/wire"
)

// serveUDP reads datagrams in a loop; each one spawns a goroutine that
// decodes, dispatches and replies. A malformed datagram is dropped rather
// than ending the read loop.
func (s *Server) serveUDP() {
	buf := make([]byte, dns.DefaultMsgSize)
	for {
		n, remote, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Sugar.Warnf("udp read error: %v", err)
			continue
		}
		if n <= 0 {
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		s.wg.Add(1)
		go func(packet []byte, remote *net.UDPAddr) {
			defer s.wg.Done()
			s.handleUDPPacket(packet, remote)
		}(packet, remote)
	}
}

func (s *Server) handleUDPPacket(packet []byte, remote *net.UDPAddr) {
	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		log.Sugar.Debugf("udp malformed datagram from %s: %v", remote, err)
		return
	}

	resp := s.handle(req, remote)

	buf, err := wire.Truncate(resp, wire.MaxUDPSize)
	if err != nil {
		log.Sugar.Errorf("udp pack error for %s: %v", remote, err)
		return
	}

	if _, err := s.udpConn.WriteToUDP(buf, remote); err != nil {
		log.Sugar.Errorf("udp write error to %s: %v", remote, err)
	}
}
