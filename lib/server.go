package lib

import (
	"cmp"
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// firstPeerID is the id handed to the first approved peer.
const firstPeerID = 10000

var (
	// ErrServerClosed is returned when using a server after Stop.
	ErrServerClosed = errors.New("server closed")

	// ErrServerStarted is returned when a server is asked to listen twice.
	ErrServerStarted = errors.New("server already started")
)

// Server accepts connections and keeps the set of approved peers. Messages
// from every peer are pushed to a single inbound queue, drained with Update.
//
// A Server with a nil Admit rejects every connection.
type Server[K Kind] struct {
	Config

	Addr      string              // listen address for Start
	Admit     AdmitHandler[K]     // approves candidates, nil rejects all
	ConnState ConnStateHandler[K] // optional
	Handler   Handler[K]          // called by Update for each message

	once sync.Once
	mu   sync.Mutex

	ln         net.Listener
	peers      map[uint32]*Conn[K]
	candidates map[net.Conn]struct{} // accepted sockets not yet approved
	nextID     uint32
	closed     bool
	stop       chan struct{}

	in Queue[Owned[K]]
	g  errgroup.Group

	acceptLog rate.Sometimes
}

func (s *Server[K]) init() {
	s.once.Do(func() {
		s.Config.applyDefaults()
		s.peers = make(map[uint32]*Conn[K])
		s.candidates = make(map[net.Conn]struct{})
		s.nextID = firstPeerID
		s.stop = make(chan struct{})
		s.acceptLog = rate.Sometimes{First: 3, Interval: 10 * time.Second}
	})
}

// Start listens on Addr and accepts connections in the background.
func (s *Server[K]) Start() error {
	s.init()

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if err := s.track(ln); err != nil {
		ln.Close()
		return err
	}

	s.g.Go(func() error {
		s.acceptLoop(ln)
		return nil
	})

	return nil
}

// Serve accepts connections on ln until Stop is called or ln is closed.
func (s *Server[K]) Serve(ln net.Listener) error {
	s.init()

	if err := s.track(ln); err != nil {
		return err
	}

	done := make(chan struct{})
	s.g.Go(func() error {
		defer close(done)
		s.acceptLoop(ln)
		return nil
	})
	<-done

	return nil
}

func (s *Server[K]) track(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return ErrServerStarted
	}
	s.ln = ln

	s.Logger.Info().Str("addr", ln.Addr().String()).Msg("server_started")

	return nil
}

// Stop closes the listener, disconnects every peer and waits for all server
// goroutines to exit. Update calls blocked waiting for messages return.
func (s *Server[K]) Stop() error {
	s.init()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	close(s.stop)

	ln := s.ln
	peers := s.snapshot()
	clear(s.peers)
	for raw := range s.candidates {
		raw.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	for _, peer := range peers {
		peer.Disconnect()
	}

	_ = s.g.Wait()

	for _, peer := range peers {
		<-peer.Done()
	}

	s.in.Close()

	s.Logger.Info().Int("peers", len(peers)).Msg("server_stopped")

	return err
}

// ListenAddr returns the listener's address, or nil if not listening.
func (s *Server[K]) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server[K]) acceptLoop(ln net.Listener) {
	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
	}

	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			delay := b.Duration()
			s.acceptLog.Do(func() {
				s.Logger.Warn().Err(err).Dur("retry_in", delay).Msg("accept_failed")
			})

			timer := timerPool.acquire(delay)
			select {
			case <-s.stop:
				timerPool.release(timer)
				return
			case <-timer.C:
			}
			timerPool.release(timer)
			continue
		}
		b.Reset()

		if !s.reserve(raw) {
			raw.Close()
			continue
		}

		s.g.Go(func() error {
			s.admit(raw)
			return nil
		})
	}
}

// reserve holds an admission slot for raw, honoring MaxConns.
func (s *Server[K]) reserve(raw net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if s.MaxConns > 0 {
		live := len(s.candidates)
		for _, peer := range s.peers {
			if peer.IsConnected() {
				live++
			}
		}
		if live >= s.MaxConns {
			s.Logger.Warn().
				Str("remote_addr", raw.RemoteAddr().String()).
				Int("max_conns", s.MaxConns).
				Msg("connection_limit_reached")
			return false
		}
	}

	s.candidates[raw] = struct{}{}
	return true
}

func (s *Server[K]) unreserve(raw net.Conn) {
	s.mu.Lock()
	delete(s.candidates, raw)
	s.mu.Unlock()
}

func (s *Server[K]) admit(raw net.Conn) {
	addr := raw.RemoteAddr().String()

	if s.Handshaker != nil {
		if err := handshake(raw, s.HandshakeTimeout, s.Handshaker.Challenge); err != nil {
			s.Logger.Warn().Str("remote_addr", addr).Err(err).Msg("handshake_failed")
			s.unreserve(raw)
			raw.Close()
			return
		}
	}

	candidate := newConn[K](RoleServer, raw, &s.in, &s.Config)

	if s.Admit == nil || !s.Admit.Admit(candidate) {
		s.Logger.Warn().Str("remote_addr", addr).Msg("connection_denied")
		s.unreserve(raw)
		candidate.Disconnect()
		return
	}

	s.mu.Lock()
	delete(s.candidates, raw)
	if s.closed {
		s.mu.Unlock()
		candidate.Disconnect()
		return
	}

	id := s.nextID
	s.nextID++

	err := candidate.ConnectAsServer(id)
	if err == nil {
		s.peers[id] = candidate
	}
	s.mu.Unlock()

	if err != nil {
		s.Logger.Debug().Str("remote_addr", addr).Err(err).Msg("connection_start_failed")
		candidate.Disconnect()
		return
	}

	s.Logger.Info().Uint32("conn_id", id).Str("remote_addr", addr).Msg("connection_approved")

	if s.ConnState != nil {
		s.ConnState.HandleConnState(candidate, StateNew)
	}
}

// MessageClient sends msg to peer. A peer found disconnected is removed, its
// StateClosed hook fires, and ErrNotConnected is returned.
func (s *Server[K]) MessageClient(peer *Conn[K], msg *Message[K]) error {
	if peer == nil {
		return ErrNotConnected
	}

	err := ErrNotConnected
	if peer.IsConnected() {
		if err = peer.Send(msg); err == nil {
			return nil
		}
	}

	if !errors.Is(err, ErrBodyTooLarge) {
		s.remove(peer)
	}
	return err
}

// MessageAll sends msg to every connected peer except one, which may be nil.
// Peers found disconnected are removed once the sweep is over.
func (s *Server[K]) MessageAll(msg *Message[K], except *Conn[K]) {
	var gone []*Conn[K]

	for _, peer := range s.Peers() {
		if peer == except {
			continue
		}
		if peer.IsConnected() {
			err := peer.Send(msg)
			if err == nil || errors.Is(err, ErrBodyTooLarge) {
				continue
			}
		}
		gone = append(gone, peer)
	}

	if len(gone) > 0 {
		s.remove(gone...)
	}
}

func (s *Server[K]) remove(peers ...*Conn[K]) {
	s.init()

	removed := make([]*Conn[K], 0, len(peers))

	s.mu.Lock()
	for _, peer := range peers {
		if cur, ok := s.peers[peer.ID()]; ok && cur == peer {
			delete(s.peers, peer.ID())
			removed = append(removed, peer)
		}
	}
	s.mu.Unlock()

	for _, peer := range removed {
		peer.Disconnect()

		s.Logger.Info().
			Uint32("conn_id", peer.ID()).
			Str("remote_addr", peer.RemoteAddr().String()).
			Msg("connection_removed")

		if s.ConnState != nil {
			s.ConnState.HandleConnState(peer, StateClosed)
		}
	}
}

// Update drains up to maxMessages inbound messages, all of them if
// maxMessages <= 0, calling Handler for each. With wait set it first blocks
// until at least one message is queued or the server is stopped. It returns
// the number of messages drained.
func (s *Server[K]) Update(maxMessages int, wait bool) int {
	s.init()

	if wait {
		s.in.Wait()
	}

	n := 0
	for maxMessages <= 0 || n < maxMessages {
		owned, ok := s.in.PopFront()
		if !ok {
			break
		}
		n++

		if s.Handler == nil {
			continue
		}
		if err := s.Handler.HandleMessage(owned.Remote, &owned.Msg); err != nil {
			s.Logger.Warn().
				Uint32("conn_id", owned.Remote.ID()).
				Uint32("kind", uint32(owned.Msg.Kind())).
				Err(err).
				Msg("handler_failed")
		}
	}

	return n
}

// Peers returns the current peers ordered by id.
func (s *Server[K]) Peers() []*Conn[K] {
	s.init()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot()
}

func (s *Server[K]) Peer(id uint32) (*Conn[K], bool) {
	s.init()

	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[id]
	return peer, ok
}

// Incoming returns the queue inbound messages are pushed to.
func (s *Server[K]) Incoming() *Queue[Owned[K]] { return &s.in }

func (s *Server[K]) snapshot() []*Conn[K] {
	peers := make([]*Conn[K], 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b *Conn[K]) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return peers
}
