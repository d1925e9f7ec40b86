package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/jakubDoka/tidf/internal/bitwise"
	"github.com/jakubDoka/tidf/internal/protocol"
)

const (
	defaultThreads  = 4
	defaultTickRate = 30

	// handshakeFailureLimit is how many bad handshakes an IP gets within
	// the guard window before new connections are dropped outright.
	handshakeFailureLimit = 5
	guardWindow           = time.Minute
)

// Server accepts TCP connections, performs the join handshake, and hands
// each admitted player to one of its workers. Workers run sessions
// independently; the dispatcher only ever talks to them through their join
// channels and load gauges.
type Server struct {
	// Hostname is the interface to bind, e.g. "0.0.0.0" or "localhost".
	Hostname string
	// BasePort is the TCP port. Worker i binds UDP on BasePort+i, except
	// when BasePort is zero, in which case every socket picks a free port.
	BasePort int
	// Threads is the number of workers; defaults to 4.
	Threads int
	// TickRate is worker ticks per second; defaults to 30.
	TickRate int
	// IdleTimeout overrides the 10 minute inactivity eviction.
	IdleTimeout time.Duration
	Logger      *zap.SugaredLogger
	// Metrics may be shared with a debug web server; allocated when nil.
	Metrics *Metrics

	workers  []*worker
	listener *net.TCPListener
	guard    *gocache.Cache
}

// Start binds every socket and launches the workers and the accept loop. It
// returns once the server is reachable; wg is released when the accept loop
// and all workers have shut down after ctx is cancelled.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if s.Threads <= 0 {
		s.Threads = defaultThreads
	}
	if s.TickRate <= 0 {
		s.TickRate = defaultTickRate
	}
	if s.Metrics == nil {
		s.Metrics = NewMetrics()
	}
	s.guard = gocache.New(guardWindow, 10*guardWindow)

	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", s.Hostname, s.BasePort))
	if err != nil {
		return fmt.Errorf("resolving tcp address: %w", err)
	}
	s.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on tcp socket: %w", err)
	}

	for i := 0; i < s.Threads; i++ {
		w := newWorker(i, s.TickRate, s.IdleTimeout, s.Logger, s.Metrics)
		udpPort := 0
		if s.BasePort != 0 {
			udpPort = s.BasePort + i
		}
		if err := w.bind(s.Hostname, udpPort); err != nil {
			s.close()
			return fmt.Errorf("binding worker %d: %w", i, err)
		}
		s.workers = append(s.workers, w)
	}

	for _, w := range s.workers {
		wg.Add(1)
		go w.run(ctx, wg)
	}

	wg.Add(1)
	go s.acceptLoop(ctx, wg)

	s.Logger.Infof("waiting for connections on %v:%v", s.Hostname, s.listener.Addr().(*net.TCPAddr).Port)
	return nil
}

// Addr is the bound TCP address; nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) close() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, w := range s.workers {
		if w.udp != nil {
			_ = w.udp.Close()
		}
	}
}

// acceptLoop admits connections serially. Handshake reads are bounded by
// joinTimeout, so one slow client can only stall the queue briefly, and the
// guard cache cuts off addresses that keep failing.
func (s *Server) acceptLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	dec := bitwise.NewDecoder(nil)
	enc := bitwise.NewEncoder()
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				s.Logger.Infof("server shutting down")
				return
			}
			s.Logger.Warnf("failed to accept connection: %v", err)
			continue
		}
		s.dispatch(conn, dec, enc)
	}
}

func (s *Server) dispatch(conn *net.TCPConn, dec *bitwise.Decoder, enc *bitwise.Encoder) {
	ip := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP.String()
	}

	if failures, found := s.guard.Get(ip); found && failures.(int) >= handshakeFailureLimit {
		s.Logger.Debugf("dropping connection from %s: repeated bad handshakes", ip)
		_ = conn.Close()
		return
	}

	player := newPlayer(conn, s.IdleTimeout, s.Logger)
	req, err := player.readJoinRequest(dec)
	if err != nil {
		s.Logger.Debugf("join handshake from %s failed: %v", ip, err)
		s.recordHandshakeFailure(ip)
		s.Metrics.HandshakesFailed.Inc()
		player.sendError(enc, "malformed join request")
		player.close()
		return
	}

	target := int(req.Thread)
	switch {
	case req.Session == protocol.NewSession || req.Thread == protocol.AnyThread:
		// new sessions always go to the least loaded worker
		target = s.leastLoadedWorker()
	case target >= len(s.workers):
		s.Logger.Debugf("refused join from %s: thread %d does not exist", ip, req.Thread)
		s.recordHandshakeFailure(ip)
		s.Metrics.HandshakesFailed.Inc()
		player.sendError(enc, "thread does not exist")
		player.close()
		return
	}

	s.Metrics.ConnectionsAccepted.Inc()
	s.Logger.Debugf("routing connection from %s to thread %d", ip, target)
	s.workers[target].joins <- joinRequest{player: player, data: req}
}

// leastLoadedWorker picks the worker with the most spare time left in its
// last tick.
func (s *Server) leastLoadedWorker() int {
	best, bestSlack := 0, int64(math.MinInt64)
	for i, w := range s.workers {
		if slack := w.slack.Load(); slack > bestSlack {
			best, bestSlack = i, slack
		}
	}
	return best
}

func (s *Server) recordHandshakeFailure(ip string) {
	count := 1
	if prev, found := s.guard.Get(ip); found {
		count = prev.(int) + 1
	}
	s.guard.Set(ip, count, gocache.DefaultExpiration)
}
