package namesake

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server serves a dns.Handler on UDP and TCP at the same address.
type Server struct {
	Addr    string
	Handler dns.Handler
	servers []*dns.Server
}

// NewServer returns a server for handler listening on addr.
func NewServer(addr string, handler dns.Handler) *Server {
	return &Server{Addr: addr, Handler: handler}
}

// Listen opens the UDP socket and a TCP listener on the same port.
func (s *Server) Listen() (err error) {
	var pc net.PacketConn
	if pc, err = net.ListenPacket("udp", s.Addr); err == nil {
		host, _, _ := net.SplitHostPort(s.Addr)
		port := pc.LocalAddr().(*net.UDPAddr).Port
		var l net.Listener
		if l, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port))); err == nil {
			s.servers = []*dns.Server{
				{PacketConn: pc, Net: "udp", Handler: s.Handler},
				{Listener: l, Net: "tcp", Handler: s.Handler},
			}
		} else {
			_ = pc.Close()
		}
	}
	return
}

// LocalAddr returns the bound UDP address, or nil before Listen.
func (s *Server) LocalAddr() net.Addr {
	if len(s.servers) > 0 {
		return s.servers[0].PacketConn.LocalAddr()
	}
	return nil
}

// Serve runs both listeners until ctx is done or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.servers) == 0 {
		return errors.New("namesake: server is not listening")
	}
	g, gctx := errgroup.WithContext(ctx)
	var started sync.WaitGroup
	for _, srv := range s.servers {
		srv := srv
		var once sync.Once
		done := func() { once.Do(started.Done) }
		started.Add(1)
		srv.NotifyStartedFunc = done
		g.Go(func() error {
			defer done()
			return srv.ActivateAndServe()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		started.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range s.servers {
			if err := srv.ShutdownContext(shutdownCtx); err != nil {
				log.Debug().Err(err).Str("net", srv.Net).Msg("shutdown")
			}
		}
		return nil
	})
	log.Info().Str("listen", s.LocalAddr().String()).Msg("serving DNS on udp and tcp")
	return g.Wait()
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) (err error) {
	if err = s.Listen(); err == nil {
		err = s.Serve(ctx)
	}
	return
}
