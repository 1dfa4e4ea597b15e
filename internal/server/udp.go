package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dpolygon/climessaging/internal/config"
	"github.com/dpolygon/climessaging/internal/metrics"
	"github.com/dpolygon/climessaging/internal/protocol"
	"github.com/dpolygon/climessaging/internal/session"
)

// Drop reasons used as the "reason" label of PacketsDropped.
const (
	dropQueueFull       = "queue_full"
	dropBadHeader       = "bad_header"
	dropBadHello        = "bad_hello"
	dropSessionExists   = "session_exists"
	dropUnknownSession  = "unknown_session"
	dropAddressMismatch = "address_mismatch"
	dropUnexpected      = "unexpected_command"
	dropUnknownCommand  = "unknown_command"
	dropShuttingDown    = "shutting_down"
	dropOversized       = "oversized"
)

// UDPServer is the chat hub. It owns the socket, the session registry and
// the worker pipeline receive -> ingest -> validate -> broadcast.
type UDPServer struct {
	conn       *net.UDPConn
	config     *config.ServerConfig
	liveness   *config.LivenessConfig
	logger     *slog.Logger
	registry   *session.Registry
	metrics    *metrics.Metrics
	out        io.Writer
	instanceID string

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping atomic.Bool
	done     chan struct{}

	// Pipeline queues
	packetChan     chan *incomingPacket
	validationChan chan *validationItem
	broadcastChan  chan *broadcastItem
	printChan      chan string

	// sequence number for ALIVE and GOODBYE replies
	outgoing atomic.Uint32

	packetsReceived  atomic.Uint64
	packetsProcessed atomic.Uint64
	packetsDropped   atomic.Uint64
	parseErrors      atomic.Uint64
}

// incomingPacket represents a received UDP datagram with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// validationItem is an ingested packet bound to its session
type validationItem struct {
	session   *session.Session
	packet    protocol.Packet
	timestamp time.Time
}

// broadcastItem is a chat line to fan out to every session
type broadcastItem struct {
	origin uint32
	text   string
}

// NewUDPServer creates a new hub instance. Printable chat and diagnostic
// lines are written to out.
func NewUDPServer(cfg *config.ServerConfig, liveness *config.LivenessConfig, logger *slog.Logger,
	registry *session.Registry, m *metrics.Metrics, out io.Writer) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &UDPServer{
		config:         cfg,
		liveness:       liveness,
		logger:         logger,
		registry:       registry,
		metrics:        m,
		out:            out,
		instanceID:     uuid.NewString(),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		packetChan:     make(chan *incomingPacket, cfg.QueueSize),
		validationChan: make(chan *validationItem, cfg.QueueSize),
		broadcastChan:  make(chan *broadcastItem, cfg.QueueSize),
		printChan:      make(chan string, cfg.QueueSize),
	}
}

// Start binds the socket and launches the workers
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize * s.config.QueueSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.String("instance_id", s.instanceID),
		slog.Duration("idle_timeout", s.liveness.GetIdleTimeout()),
	)

	workers := []func(){
		s.receiveLoop,
		s.ingestWorker,
		s.validationWorker,
		s.broadcastWorker,
		s.printWorker,
		s.sweepWorker,
	}
	for _, worker := range workers {
		s.wg.Add(1)
		go worker()
	}

	return nil
}

// Shutdown says GOODBYE to every session, stops the workers and closes the
// socket. It is safe to call more than once.
func (s *UDPServer) Shutdown() error {
	var closeErr error

	s.stopOnce.Do(func() {
		s.logger.Info("Stopping UDP server...")
		s.stopping.Store(true)

		if s.conn != nil {
			drained := s.registry.Drain(func(sess *session.Session) {
				s.send(protocol.Encode(protocol.CommandGoodbye, s.outgoing.Load(), sess.ID), sess.Addr)
				s.emit(fmt.Sprintf("%s Session closed", sess.Label()))
				s.metrics.RecordSessionClosed(metrics.ReasonShutdown, time.Since(sess.CreatedAt).Seconds())
			})
			s.metrics.SetActiveSessions(s.registry.Count())
			s.logger.Info("Sessions closed", slog.Int("count", drained))
		}

		s.cancel()

		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
				closeErr = fmt.Errorf("failed to close UDP connection: %w", err)
			}
		}

		s.wg.Wait()
		close(s.done)

		stats := s.GetStatistics()
		s.logger.Info("UDP server stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("packets_dropped", stats.PacketsDropped),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	})

	return closeErr
}

// Done is closed once Shutdown has finished
func (s *UDPServer) Done() <-chan struct{} {
	return s.done
}

// LocalAddr returns the bound socket address, or nil before Start
func (s *UDPServer) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// InstanceID identifies this hub process
func (s *UDPServer) InstanceID() string {
	return s.instanceID
}

// receiveLoop reads one datagram per iteration and hands it to ingestion
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()

	// One spare byte tells a datagram that fills the buffer from a truncated one
	buffer := make([]byte, s.config.BufferSize+1)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// The deadline bounds how long shutdown waits for this loop
		if err := s.conn.SetReadDeadline(time.Now().Add(s.config.GetPollInterval())); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.packetsReceived.Add(1)
		s.metrics.RecordPacketReceived()

		if n > s.config.BufferSize {
			s.drop(dropOversized)
			s.logger.Warn("Dropping oversized datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("limit", s.config.BufferSize),
			)
			continue
		}

		// Copy out of the reused buffer
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
			s.metrics.SetQueueSize("packets", len(s.packetChan))
		default:
			s.drop(dropQueueFull)
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// ingestWorker classifies datagrams and creates sessions. It is the only
// goroutine that adds to the registry.
func (s *UDPServer) ingestWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case packet := <-s.packetChan:
			s.ingest(packet)
		}
	}
}

func (s *UDPServer) ingest(in *incomingPacket) {
	packet, err := protocol.Decode(in.data)
	if err != nil {
		s.parseErrors.Add(1)
		s.metrics.RecordParseError()
		s.logger.Debug("Failed to parse packet",
			slog.String("remote_addr", in.remoteAddr.String()),
			slog.Int("packet_size", len(in.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	header := packet.Header
	if !header.Valid() {
		s.drop(dropBadHeader)
		s.logger.Debug("Dropping packet with bad magic or version",
			slog.String("remote_addr", in.remoteAddr.String()),
			slog.String("header", header.String()),
		)
		return
	}

	switch header.Command {
	case protocol.CommandHello:
		s.ingestHello(in, packet)
	case protocol.CommandData, protocol.CommandGoodbye:
		sess, exists := s.registry.Get(header.SessionID)
		if !exists {
			s.drop(dropUnknownSession)
			s.logger.Debug("Packet for unknown session",
				slog.String("session_id", session.FormatID(header.SessionID)),
				slog.String("command", header.Command.String()),
			)
			return
		}
		if !sess.SameAddr(in.remoteAddr) {
			s.drop(dropAddressMismatch)
			s.logger.Warn("Packet from unexpected address",
				slog.String("session_id", sess.Label()),
				slog.String("expected_addr", sess.Addr.String()),
				slog.String("remote_addr", in.remoteAddr.String()),
			)
			return
		}
		if header.Command == protocol.CommandData && len(packet.Payload) > protocol.MaxTextLength {
			s.drop(dropOversized)
			s.logger.Warn("Dropping oversized message",
				slog.String("session_id", sess.Label()),
				slog.Int("length", len(packet.Payload)),
				slog.Int("limit", protocol.MaxTextLength),
			)
			return
		}
		s.accept(&validationItem{session: sess, packet: packet, timestamp: in.timestamp})
	default:
		reason := dropUnexpected
		if !header.Command.Known() {
			reason = dropUnknownCommand
		}
		s.drop(reason)
		s.logger.Debug("Dropping unexpected command",
			slog.String("session_id", session.FormatID(header.SessionID)),
			slog.String("command", header.Command.String()),
		)
	}
}

func (s *UDPServer) ingestHello(in *incomingPacket, packet protocol.Packet) {
	header := packet.Header

	if s.stopping.Load() {
		s.drop(dropShuttingDown)
		return
	}
	if header.Sequence != 0 {
		s.drop(dropBadHello)
		s.logger.Debug("HELLO with non-zero sequence number",
			slog.String("session_id", session.FormatID(header.SessionID)),
			slog.Uint64("sequence", uint64(header.Sequence)),
		)
		return
	}
	if len(packet.Payload) > protocol.MaxUsernameLength {
		s.drop(dropBadHello)
		s.logger.Debug("HELLO with oversized username",
			slog.String("session_id", session.FormatID(header.SessionID)),
			slog.Int("length", len(packet.Payload)),
		)
		return
	}

	sess, err := s.registry.Create(header.SessionID, in.remoteAddr, packet.Text(), in.timestamp)
	if errors.Is(err, session.ErrRegistryClosed) {
		s.drop(dropShuttingDown)
		s.logger.Debug("HELLO after shutdown began",
			slog.String("session_id", session.FormatID(header.SessionID)),
		)
		return
	}
	if err != nil {
		s.drop(dropSessionExists)
		s.logger.Debug("HELLO for existing session",
			slog.String("session_id", session.FormatID(header.SessionID)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.metrics.RecordSessionCreated()
	s.metrics.SetActiveSessions(s.registry.Count())
	s.logger.Info("Session created",
		slog.String("session_id", sess.Label()),
		slog.String("username", sess.Username),
		slog.String("remote_addr", in.remoteAddr.String()),
	)

	s.send(protocol.Encode(protocol.CommandHello, 0, sess.ID), sess.Addr)
	s.accept(&validationItem{session: sess, packet: packet, timestamp: in.timestamp})
}

// accept hands an ingested packet to the validation worker
func (s *UDPServer) accept(item *validationItem) {
	s.packetsProcessed.Add(1)
	s.metrics.RecordPacketProcessed()

	select {
	case s.validationChan <- item:
		s.metrics.SetQueueSize("validation", len(s.validationChan))
	case <-s.ctx.Done():
	}
}

// validationWorker applies the sequencing policy. It is the only goroutine
// that mutates session sequence numbers.
func (s *UDPServer) validationWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.validationChan:
			s.validate(item)
		}
	}
}

func (s *UDPServer) validate(item *validationItem) {
	sess := item.session
	if sess.Closing() {
		return
	}

	switch item.packet.Header.Command {
	case protocol.CommandHello:
		s.announce(sess.ID, fmt.Sprintf("%s joined the conversation", sess.Username))
	case protocol.CommandGoodbye:
		s.closeSession(sess.ID, metrics.ReasonGoodbye)
	case protocol.CommandData:
		s.validateData(sess, item.packet, item.timestamp)
	}
}

func (s *UDPServer) validateData(sess *session.Session, packet protocol.Packet, now time.Time) {
	obs := sess.Observe(packet.Header.Sequence, now)

	switch obs.Verdict {
	case session.VerdictGap:
		s.metrics.RecordLost(obs.LostCount)
		for i := uint32(0); i < obs.LostCount; i++ {
			if !s.emit(fmt.Sprintf("%s [%d] Lost packet!", sess.Label(), obs.LostFrom+i)) {
				return
			}
		}
		s.deliver(sess, packet)
	case session.VerdictAccepted:
		s.deliver(sess, packet)
	case session.VerdictDuplicate:
		s.metrics.RecordDuplicate()
		s.emit(fmt.Sprintf("%s[%d] Duplicate packet!", sess.Label(), obs.Sequence))
	case session.VerdictStale:
		s.metrics.RecordOutOfOrder()
		s.emit(fmt.Sprintf("%s [%d] Out of order packet!", sess.Label(), obs.Sequence))
		s.closeSession(sess.ID, metrics.ReasonOutOfOrder)
	}
}

// deliver prints and broadcasts an accepted message, then acknowledges it
func (s *UDPServer) deliver(sess *session.Session, packet protocol.Packet) {
	s.metrics.RecordAccepted()
	s.announce(sess.ID, fmt.Sprintf("%s %s", sess.Username, packet.Text()))
	s.send(protocol.Encode(protocol.CommandAlive, s.outgoing.Add(1), sess.ID), sess.Addr)
}

// closeSession tears a session down exactly once. Concurrent callers for the
// same id return false.
func (s *UDPServer) closeSession(id uint32, reason string) bool {
	var username string
	var created time.Time

	closed := s.registry.Teardown(id, func(sess *session.Session) {
		username = sess.Username
		created = sess.CreatedAt
		s.send(protocol.Encode(protocol.CommandGoodbye, s.outgoing.Load(), sess.ID), sess.Addr)
	})
	if !closed {
		return false
	}

	s.metrics.RecordSessionClosed(reason, time.Since(created).Seconds())
	s.metrics.SetActiveSessions(s.registry.Count())
	s.logger.Info("Session closed",
		slog.String("session_id", session.FormatID(id)),
		slog.String("reason", reason),
	)

	// After teardown: the fanout worker takes the registry lock
	s.announce(id, fmt.Sprintf("%s left the chat.", username))
	return true
}

// announce prints a line and schedules it for every session
func (s *UDPServer) announce(origin uint32, line string) {
	if !s.emit(line) {
		return
	}

	select {
	case s.broadcastChan <- &broadcastItem{origin: origin, text: line}:
		s.metrics.SetQueueSize("broadcast", len(s.broadcastChan))
	case <-s.ctx.Done():
	}
}

// broadcastWorker sends each queued line to the sessions registered at the
// time it is dequeued.
func (s *UDPServer) broadcastWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.broadcastChan:
			s.fanout(item)
		}
	}
}

func (s *UDPServer) fanout(item *broadcastItem) {
	data := protocol.NewPacket(protocol.CommandData, 0, item.origin, []byte(item.text)).Marshal()

	sent := 0
	for _, sess := range s.registry.Snapshot() {
		if sess.Closing() {
			continue
		}
		if s.send(data, sess.Addr) {
			sent++
		}
	}

	s.metrics.RecordBroadcast(sent)
	s.logger.Debug("Broadcast sent",
		slog.String("origin", session.FormatID(item.origin)),
		slog.Int("recipients", sent),
	)
}

// printWorker writes printable lines in the order they were emitted
func (s *UDPServer) printWorker() {
	defer s.wg.Done()

	for {
		select {
		case line := <-s.printChan:
			s.print(line)
		case <-s.ctx.Done():
			for {
				select {
				case line := <-s.printChan:
					s.print(line)
				default:
					return
				}
			}
		}
	}
}

func (s *UDPServer) print(line string) {
	if _, err := fmt.Fprintln(s.out, line); err != nil {
		s.logger.Warn("Failed to write output", slog.String("error", err.Error()))
	}
}

// emit queues a printable line. It reports false once the server is stopping.
func (s *UDPServer) emit(line string) bool {
	select {
	case s.printChan <- line:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// sweepWorker closes sessions whose liveness timer has expired
func (s *UDPServer) sweepWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.liveness.GetSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *UDPServer) sweep(now time.Time) {
	threshold := s.liveness.GetIdleTimeout()

	for _, sess := range s.registry.Expired(now, threshold) {
		s.logger.Info("Session idle, closing",
			slog.String("session_id", sess.Label()),
			slog.Duration("idle", now.Sub(sess.LastActivity())),
		)
		s.closeSession(sess.ID, metrics.ReasonTimeout)
	}
}

// send writes one datagram to addr
func (s *UDPServer) send(data []byte, addr net.Addr) bool {
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		s.metrics.RecordSendError()
		s.logger.Warn("Failed to send packet",
			slog.String("remote_addr", addr.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *UDPServer) drop(reason string) {
	s.packetsDropped.Add(1)
	s.metrics.RecordPacketDropped(reason)
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	return ServerStatistics{
		PacketsReceived:  s.packetsReceived.Load(),
		PacketsProcessed: s.packetsProcessed.Load(),
		PacketsDropped:   s.packetsDropped.Load(),
		ParseErrors:      s.parseErrors.Load(),
		ActiveSessions:   uint64(s.registry.Count()),
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
		ValidationQueue:  uint64(len(s.validationChan)),
		BroadcastQueue:   uint64(len(s.broadcastChan)),
		OutgoingSequence: s.outgoing.Load(),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	ActiveSessions   uint64 `json:"active_sessions"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
	ValidationQueue  uint64 `json:"validation_queue"`
	BroadcastQueue   uint64 `json:"broadcast_queue"`
	OutgoingSequence uint32 `json:"outgoing_sequence"`
}
