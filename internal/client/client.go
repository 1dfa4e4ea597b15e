package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/dpolygon/climessaging/internal/config"
	"github.com/dpolygon/climessaging/internal/protocol"
	"github.com/dpolygon/climessaging/internal/session"
)

// QuitToken ends the chat when typed on its own line.
const QuitToken = "q"

// Status lines printed for the operator.
const (
	MsgConnected    = "chatroom found - connected!"
	MsgLeaving      = "leaving chat"
	MsgDisconnected = "server disconnecting..."
	MsgTooLong      = "message too long: %d bytes, limit %d"
)

const pollInterval = 250 * time.Millisecond

// State is the client protocol state.
type State int

const (
	StateHelloWait State = iota
	StateReady
	StateReadyTimer
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHelloWait:
		return "HELLO_WAIT"
	case StateReady:
		return "READY"
	case StateReadyTimer:
		return "READY_TIMER"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client drives one chat session against a hub.
type Client struct {
	config   *config.ClientConfig
	liveness *config.LivenessConfig
	logger   *slog.Logger
	out      io.Writer

	conn      *net.UDPConn
	sessionID uint32

	// mu serializes every state transition, including close
	mu           sync.Mutex
	state        State
	sequence     uint32
	timerActive  bool
	lastActivity time.Time
	closed       chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithSessionID replaces the random session id.
func WithSessionID(id uint32) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// New creates a client. Received chat and status lines are written to out.
func New(cfg *config.ClientConfig, liveness *config.LivenessConfig, logger *slog.Logger, out io.Writer, opts ...Option) *Client {
	c := &Client{
		config:    cfg,
		liveness:  liveness,
		logger:    logger,
		out:       out,
		sessionID: rand.Uint32(),
		state:     StateHelloWait,
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the id this client announces in every header.
func (c *Client) SessionID() uint32 {
	return c.sessionID
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run says HELLO and then serves the session until it reaches CLOSED or ctx
// is cancelled. Each value received from lines is one line of operator
// input; closing lines means end of input.
func (c *Client) Run(ctx context.Context, lines <-chan string) error {
	if err := c.config.RequireEndpoint(); err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", c.config.Address())
	if err != nil {
		return fmt.Errorf("failed to resolve server address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}
	c.conn = conn
	defer c.conn.Close()

	c.logger.Info("Connecting to chat server",
		slog.String("server", addr.String()),
		slog.String("session_id", session.FormatID(c.sessionID)),
		slog.String("username", c.config.Username),
	)

	c.mu.Lock()
	c.send(protocol.NewPacket(protocol.CommandHello, 0, c.sessionID, []byte(c.config.Username)))
	c.state = StateHelloWait
	c.startTimer()
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.receiveLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.sweepLoop(runCtx)
	}()

	err = c.inputLoop(ctx, lines)

	cancel()
	wg.Wait()

	c.logger.Info("Client stopped",
		slog.String("session_id", session.FormatID(c.sessionID)),
		slog.String("state", c.State().String()),
	)
	return err
}

// inputLoop feeds operator lines into the machine until CLOSED
func (c *Client) inputLoop(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-c.closed:
			return nil
		case <-ctx.Done():
			c.close()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok || line == QuitToken {
				c.println(MsgLeaving)
				c.close()
				lines = nil
				continue
			}
			c.handleLine(line)
		}
	}
}

// receiveLoop reads datagrams from the connected socket
func (c *Client) receiveLoop(ctx context.Context) {
	buffer := make([]byte, protocol.MaxDatagramSize+1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			c.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			return
		}

		n, err := c.conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// ICMP port unreachable shows up here on a connected socket
			c.logger.Debug("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}
		if n > protocol.MaxDatagramSize {
			c.logger.Warn("Dropping oversized datagram", slog.Int("limit", protocol.MaxDatagramSize))
			continue
		}

		packet, err := protocol.Decode(buffer[:n])
		if err != nil {
			c.logger.Debug("Failed to parse packet", slog.String("error", err.Error()))
			continue
		}
		c.handlePacket(packet)
	}
}

// sweepLoop closes the client when the server has gone silent
func (c *Client) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.liveness.GetSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.checkTimeout(now)
		}
	}
}

func (c *Client) checkTimeout(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.timerActive || now.Sub(c.lastActivity) <= c.liveness.GetIdleTimeout() {
		return
	}
	c.logger.Info("Server silent, closing",
		slog.String("state", c.state.String()),
		slog.Duration("idle", now.Sub(c.lastActivity)),
	)
	c.closeLocked()
}

// handlePacket applies one datagram from the server
func (c *Client) handlePacket(packet protocol.Packet) {
	header := packet.Header
	if !header.Valid() {
		c.logger.Debug("Ignoring packet with bad magic or version", slog.String("header", header.String()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}

	switch header.Command {
	case protocol.CommandHello:
		if c.state != StateHelloWait {
			return
		}
		if header.SessionID != c.sessionID {
			c.violation(header)
			return
		}
		c.println(MsgConnected)
		c.timerActive = false
		c.state = StateReady
		c.sequence++

	case protocol.CommandData:
		if c.state == StateHelloWait {
			c.violation(header)
			return
		}
		if header.SessionID != c.sessionID || c.config.Echo {
			c.println(packet.Text())
		}

	case protocol.CommandAlive:
		switch c.state {
		case StateReadyTimer:
			c.timerActive = false
			c.state = StateReady
		case StateHelloWait:
			c.violation(header)
		}

	case protocol.CommandGoodbye:
		c.println(MsgDisconnected)
		c.state = StateClosing
		c.closeLocked()

	default:
		if c.state == StateHelloWait {
			c.violation(header)
		}
	}
}

// violation handles an unexpected packet during the handshake
func (c *Client) violation(header protocol.Header) {
	c.logger.Warn("Unexpected packet while waiting for HELLO",
		slog.String("header", header.String()),
		slog.Bool("strict", c.config.StrictHandshake),
	)
	if c.config.StrictHandshake {
		c.closeLocked()
	}
}

// handleLine sends one line of operator text
func (c *Client) handleLine(text string) {
	if text == "" {
		return
	}
	if len(text) > protocol.MaxTextLength {
		c.println(fmt.Sprintf(MsgTooLong, len(text), protocol.MaxTextLength))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateReady:
		c.sendData(text)
		c.startTimer()
		c.state = StateReadyTimer
	case StateReadyTimer:
		c.sendData(text)
	default:
		c.logger.Debug("Dropping input", slog.String("state", c.state.String()))
	}
}

func (c *Client) sendData(text string) {
	c.send(protocol.NewPacket(protocol.CommandData, c.sequence, c.sessionID, []byte(text)))
	c.sequence++
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// closeLocked is the close coordinator. The first call says GOODBYE and
// waits in CLOSING; a call while CLOSING finishes in CLOSED.
func (c *Client) closeLocked() {
	switch c.state {
	case StateClosed:
		return
	case StateClosing:
		c.state = StateClosed
		c.timerActive = false
		close(c.closed)
	default:
		c.send(protocol.NewPacket(protocol.CommandGoodbye, c.sequence, c.sessionID, nil))
		c.state = StateClosing
		c.startTimer()
	}
}

func (c *Client) startTimer() {
	c.timerActive = true
	c.lastActivity = time.Now()
}

func (c *Client) send(packet protocol.Packet) {
	if _, err := c.conn.Write(packet.Marshal()); err != nil {
		c.logger.Warn("Failed to send packet",
			slog.String("command", packet.Header.Command.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) println(line string) {
	if _, err := fmt.Fprintln(c.out, line); err != nil {
		c.logger.Warn("Failed to write output", slog.String("error", err.Error()))
	}
}
