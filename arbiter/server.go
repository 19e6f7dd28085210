package arbiter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/soheilhy/cmux"

	"github.com/maxpert/mtmcore/coordinator"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/wire"
)

// frameMaxSize bounds a single length-prefixed arbiter frame; the messages
// this channel carries (spec §6) are all small fixed-shape structs, so
// anything past a few KB is corrupt framing rather than a legitimate
// message.
const frameMaxSize = 64 * 1024

// Server multiplexes the arbiter wire protocol (length-prefixed msgpack
// ArbiterMessage frames) and a chi-routed diagnostics HTTP endpoint onto a
// single listening port, grounded on the teacher's grpc/server.go split of
// gRPC traffic from a pprof/metrics HTTP mux via cmux. This module avoids a
// hand-generated gRPC service for the arbiter channel itself — there is no
// protoc-generated stub to build one against — so the raw TCP path below
// plays the role the teacher's grpc.Server.Serve(grpcListener) plays there.
type Server struct {
	self gtid.NodeID
	addr string
	det  *Detector
	log  zerolog.Logger

	mux      cmux.CMux
	listener net.Listener
	http     *http.Server

	mu    sync.Mutex
	conns map[gtid.NodeID]net.Conn

	coord   *coordinator.Coordinator
	applier *coordinator.Applier
	pool    *coordinator.WorkerPool

	router chi.Router
}

// NewServer wires a Server to the Detector it feeds heartbeats into.
func NewServer(self gtid.NodeID, addr string, det *Detector, log zerolog.Logger) *Server {
	router := chi.NewRouter()
	s := &Server{
		self:   self,
		addr:   addr,
		det:    det,
		log:    log.With().Str("component", "arbiter-server").Logger(),
		conns:  make(map[gtid.NodeID]net.Conn),
		router: router,
	}
	router.Get("/nodes", s.handleNodesState)
	router.Get("/status", s.handleStatus)
	return s
}

// Mount attaches an additional HTTP surface (e.g. cluster.Router's
// administrative endpoints, spec §6) under pattern on the diagnostics port,
// alongside the built-in /nodes and /status routes.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

// Start binds addr and begins serving both the arbiter wire protocol and the
// diagnostics HTTP surface. It returns once the listener is bound; serving
// happens in background goroutines.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("arbiter: listen %s: %w", s.addr, err)
	}
	s.listener = listener
	s.mux = cmux.New(listener)

	httpListener := s.mux.Match(cmux.HTTP1Fast())
	wireListener := s.mux.Match(cmux.Any())

	s.http = &http.Server{Handler: s.router}

	go func() {
		if err := s.http.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			s.log.Warn().Err(err).Msg("diagnostics http server exited")
		}
	}()

	go s.serveWire(wireListener)

	go func() {
		if err := s.mux.Serve(); err != nil {
			s.log.Warn().Err(err).Msg("cmux exited")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("arbiter server listening")
	return nil
}

// Stop closes the listener and every accepted connection.
func (s *Server) Stop() {
	if s.http != nil {
		_ = s.http.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
}

func (s *Server) serveWire(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if err != cmux.ErrListenerClosed {
				s.log.Debug().Err(err).Msg("wire listener accept stopped")
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Msg("arbiter connection read failed")
			}
			return
		}
		s.dispatch(msg)
	}
}

// SetCoordinator wires the 2PC coordinator that consumes inbound
// READY/ABORTED votes for transactions this node originated.
func (s *Server) SetCoordinator(c *coordinator.Coordinator) {
	s.coord = c
}

// SetApplier wires the 2PC applier that consumes inbound
// PREPARE/COMMIT/ABORT for transactions originated elsewhere.
func (s *Server) SetApplier(a *coordinator.Applier) {
	s.applier = a
}

// SetWorkerPool bounds concurrent PREPARE application to the configured
// worker-pool size (spec §5). Without one, PREPAREs are applied inline on
// the connection's read loop as before.
func (s *Server) SetWorkerPool(p *coordinator.WorkerPool) {
	s.pool = p
}

// dispatch routes one decoded arbiter-channel frame to the detector or the
// 2PC coordinator/applier by message kind (spec §4.4, §4.5).
func (s *Server) dispatch(msg wire.ArbiterMessage) {
	ctx := context.Background()
	switch msg.Kind {
	case wire.KindHeartbeat:
		if msg.Heartbeat != nil {
			s.det.ReceiveHeartbeat(gtid.NodeID(msg.Heartbeat.NodeID), msg.Heartbeat)
		}
	case wire.KindPrepare:
		if s.applier != nil && msg.Prepare != nil {
			prepare := msg.Prepare
			from := gtid.NodeID(prepare.GTID.Node)
			if s.pool != nil {
				s.pool.Submit(prepare.GTID, func() { s.applier.HandlePrepare(ctx, from, prepare) })
			} else {
				s.applier.HandlePrepare(ctx, from, prepare)
			}
		}
	case wire.KindReady:
		if s.coord != nil && msg.Ready != nil {
			s.coord.ReceiveReady(msg.Ready.From, msg.Ready)
		}
	case wire.KindAborted:
		if s.coord != nil && msg.Aborted != nil {
			s.coord.ReceiveAborted(msg.Aborted.From, msg.Aborted)
		}
	case wire.KindCommit:
		if s.applier != nil && msg.Commit != nil {
			s.applier.HandleCommitPrepared(ctx, msg.Commit)
		}
	case wire.KindAbort:
		if s.applier != nil && msg.Abort != nil {
			s.applier.HandleAbortPrepared(ctx, msg.Abort)
		}
	}
}

// SendHeartbeat implements Transport by dialing (and caching) a connection
// to the target node and writing a length-prefixed frame.
func (s *Server) SendHeartbeat(ctx context.Context, to gtid.NodeID, msg wire.ArbiterMessage) error {
	conn, err := s.connFor(to)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, msg); err != nil {
		s.mu.Lock()
		delete(s.conns, to)
		s.mu.Unlock()
		_ = conn.Close()
		return err
	}
	return nil
}

// SendPrepare implements coordinator.Transport.
func (s *Server) SendPrepare(ctx context.Context, to gtid.NodeID, msg wire.PrepareMsg) error {
	return s.sendEnvelope(to, wire.NewPrepare(msg))
}

// SendCommit implements coordinator.Transport.
func (s *Server) SendCommit(ctx context.Context, to gtid.NodeID, msg wire.CommitMsg) error {
	return s.sendEnvelope(to, wire.NewCommit(msg))
}

// SendAbort implements coordinator.Transport.
func (s *Server) SendAbort(ctx context.Context, to gtid.NodeID, msg wire.AbortMsg) error {
	return s.sendEnvelope(to, wire.NewAbort(msg))
}

// SendReady implements coordinator.ParticipantTransport.
func (s *Server) SendReady(ctx context.Context, to gtid.NodeID, msg wire.ReadyMsg) error {
	return s.sendEnvelope(to, wire.NewReady(msg))
}

// SendAborted implements coordinator.ParticipantTransport.
func (s *Server) SendAborted(ctx context.Context, to gtid.NodeID, msg wire.AbortedMsg) error {
	return s.sendEnvelope(to, wire.NewAborted(msg))
}

func (s *Server) sendEnvelope(to gtid.NodeID, msg wire.ArbiterMessage) error {
	conn, err := s.connFor(to)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, msg); err != nil {
		s.mu.Lock()
		delete(s.conns, to)
		s.mu.Unlock()
		_ = conn.Close()
		return err
	}
	return nil
}

func (s *Server) connFor(to gtid.NodeID) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[to]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("arbiter: no connection registered for node %d", to)
}

// RegisterPeer records the outbound connection to use for a given peer,
// established by whatever discovery mechanism the deployment uses (spec §1
// treats peer addressing as coming from the config file, not this module).
func (s *Server) RegisterPeer(node gtid.NodeID, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[node] = conn
}

func (s *Server) handleNodesState(w http.ResponseWriter, r *http.Request) {
	reg := s.det.Registry()
	reg.mu.RLock()
	out := make(map[string]NodeRuntime, len(reg.nodes))
	for id, nr := range reg.nodes {
		out[fmt.Sprintf("%d", id)] = *nr
	}
	reg.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode nodes-state response")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"self":          s.self,
		"status":        s.det.Status().String(),
		"disabled_mask": s.det.Registry().DisabledMask(),
	})
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// msgpack-encoded message.
func writeFrame(w io.Writer, msg wire.ArbiterMessage) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("arbiter: encode frame: %w", err)
	}
	if len(body) > frameMaxSize {
		return fmt.Errorf("arbiter: frame too large (%d bytes)", len(body))
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame and decodes it.
func readFrame(r io.Reader) (wire.ArbiterMessage, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return wire.ArbiterMessage{}, err
	}
	size := binary.BigEndian.Uint32(header)
	if size > frameMaxSize {
		return wire.ArbiterMessage{}, fmt.Errorf("arbiter: frame too large (%d bytes)", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return wire.ArbiterMessage{}, err
	}
	return wire.UnmarshalArbiterMessage(body)
}
