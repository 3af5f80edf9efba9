package server

import (
	"errors"
	"net"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/log"
)

// serveTCP accepts connections and reads length-prefixed messages in a
// loop, closing on EOF or a malformed frame.
func (s *Server) serveTCP() {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Sugar.Warnf("tcp accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.serveTCPConn(conn)
		}(conn)
	}
}

func (s *Server) serveTCPConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	dnsConn := &dns.Conn{Conn: conn}
	for {
		req, err := dnsConn.ReadMsg()
		if err != nil {
			return // EOF or malformed frame both end the connection
		}

		resp := s.handle(req, conn.RemoteAddr())

		if err := dnsConn.WriteMsg(resp); err != nil {
			log.Sugar.Warnf("tcp write error to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
