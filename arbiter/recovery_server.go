package arbiter

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/recovery"
	"github.com/maxpert/mtmcore/wire"
)

// RecoveryServer accepts the plain-TCP recovery-channel connections a
// recovering peer's recovery.TCPDialer opens, and fans out committed
// records to whichever DonorSessions are currently attached, grounded on
// this package's own Server.serveWire accept-loop pattern but kept as a
// separate listener since the stream framing (zstd StreamRecord) is
// unrelated to the msgpack ArbiterMessage framing on the main port.
type RecoveryServer struct {
	self   gtid.NodeID
	addr   string
	wal    recovery.WALPosition
	gate   *recovery.DonorGate
	minLag uint64
	maxLag uint64
	log    zerolog.Logger

	listener net.Listener

	mu       sync.Mutex
	sessions map[gtid.NodeID]*recovery.DonorSession
}

// NewRecoveryServer constructs a RecoveryServer. wal reports this node's
// current write position; gate is the same DonorGate wired into the local
// coordinator's RecoveryGate so an active almost-caught-up session blocks
// new PREPAREs (spec §4.4, §4.6).
func NewRecoveryServer(self gtid.NodeID, addr string, wal recovery.WALPosition, gate *recovery.DonorGate, minLag, maxLag uint64, log zerolog.Logger) *RecoveryServer {
	return &RecoveryServer{
		self:     self,
		addr:     addr,
		wal:      wal,
		gate:     gate,
		minLag:   minLag,
		maxLag:   maxLag,
		log:      log.With().Str("component", "recovery-server").Logger(),
		sessions: make(map[gtid.NodeID]*recovery.DonorSession),
	}
}

// Start binds addr and begins accepting recovery connections in the
// background.
func (s *RecoveryServer) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("recovery: listen %s: %w", s.addr, err)
	}
	s.listener = l
	go s.acceptLoop(l)
	return nil
}

// Stop closes the listener and every active donor session.
func (s *RecoveryServer) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for peer, sess := range s.sessions {
		_ = sess.Close()
		delete(s.sessions, peer)
	}
	s.mu.Unlock()
}

func (s *RecoveryServer) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.log.Debug().Err(err).Msg("recovery listener accept stopped")
			return
		}
		go s.handleConn(conn)
	}
}

func (s *RecoveryServer) handleConn(conn net.Conn) {
	var hdr [1]byte
	if _, err := conn.Read(hdr[:]); err != nil {
		s.log.Warn().Err(err).Msg("recovery: handshake read failed")
		_ = conn.Close()
		return
	}
	peer := gtid.NodeID(hdr[0])

	writer, err := wire.NewStreamWriter(conn)
	if err != nil {
		s.log.Warn().Err(err).Uint8("peer", uint8(peer)).Msg("recovery: stream writer setup failed")
		_ = conn.Close()
		return
	}

	sess := recovery.NewDonorSession(peer, s.wal, s.gate, writer, s.minLag, s.maxLag, s.log)
	s.mu.Lock()
	if old, ok := s.sessions[peer]; ok {
		_ = old.Close()
	}
	s.sessions[peer] = sess
	s.mu.Unlock()

	s.log.Info().Uint8("peer", uint8(peer)).Msg("recovery: donor session attached")
}

// Publish fans rec out to every attached donor session, detaching any whose
// lag has crossed max-recovery-lag (spec §4.6.4).
func (s *RecoveryServer) Publish(rec wire.StreamRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peer, sess := range s.sessions {
		drop, err := sess.Send(rec)
		if err != nil {
			s.log.Warn().Err(err).Uint8("peer", uint8(peer)).Msg("recovery: donor send failed")
		}
		if drop {
			_ = sess.Close()
			delete(s.sessions, peer)
		}
	}
}
