package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dpolygon/climessaging/internal/config"
	"github.com/dpolygon/climessaging/internal/logging"
	"github.com/dpolygon/climessaging/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
	ownID   = 0x2a
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Has(line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range strings.Split(b.buf.String(), "\n") {
		if l == line {
			return true
		}
	}
	return false
}

func (b *syncBuffer) Contains(text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), text)
}

// fakeHub is a bare UDP socket standing in for the chat server
type fakeHub struct {
	t      *testing.T
	conn   *net.UDPConn
	client *net.UDPAddr
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeHub{t: t, conn: conn}
}

func (f *fakeHub) port() int {
	return f.conn.LocalAddr().(*net.UDPAddr).Port
}

func (f *fakeHub) recv(timeout time.Duration) (protocol.Packet, bool) {
	f.t.Helper()
	buf := make([]byte, protocol.MaxDatagramSize)
	require.NoError(f.t, f.conn.SetReadDeadline(time.Now().Add(timeout)))
	n, addr, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		return protocol.Packet{}, false
	}
	f.client = addr
	pkt, err := protocol.Decode(buf[:n])
	require.NoError(f.t, err)
	return pkt, true
}

func (f *fakeHub) expect(cmd protocol.Command) protocol.Packet {
	f.t.Helper()
	pkt, ok := f.recv(waitFor)
	require.True(f.t, ok, "no %s packet received", cmd)
	require.Equal(f.t, cmd, pkt.Header.Command)
	return pkt
}

func (f *fakeHub) expectSilence(d time.Duration) {
	f.t.Helper()
	pkt, ok := f.recv(d)
	require.False(f.t, ok, "unexpected packet %s", pkt.Header)
}

func (f *fakeHub) send(cmd protocol.Command, seq, id uint32, payload string) {
	f.t.Helper()
	require.NotNil(f.t, f.client, "client address unknown")
	_, err := f.conn.WriteToUDP(protocol.NewPacket(cmd, seq, id, []byte(payload)).Marshal(), f.client)
	require.NoError(f.t, err)
}

func (f *fakeHub) sendRaw(data []byte) {
	f.t.Helper()
	_, err := f.conn.WriteToUDP(data, f.client)
	require.NoError(f.t, err)
}

type harness struct {
	client *Client
	out    *syncBuffer
	lines  chan string
	result chan error
	cancel context.CancelFunc
}

func startClient(t *testing.T, hub *fakeHub, mutate func(*config.ClientConfig, *config.LivenessConfig)) *harness {
	t.Helper()

	cfg := &config.ClientConfig{
		ServerHost:      "127.0.0.1",
		ServerPort:      hub.port(),
		Username:        "alice",
		StrictHandshake: true,
	}
	liveness := &config.LivenessConfig{IdleTimeout: 300, SweepInterval: 0.05}
	if mutate != nil {
		mutate(cfg, liveness)
	}

	h := &harness{
		out:    &syncBuffer{},
		lines:  make(chan string),
		result: make(chan error, 1),
	}
	h.client = New(cfg, liveness, logging.Discard(), h.out, WithSessionID(ownID))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() { h.result <- h.client.Run(ctx, h.lines) }()
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.client.State() == want }, waitFor, tick,
		"state is %s, want %s", h.client.State(), want)
}

func (h *harness) waitLine(t *testing.T, line string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.out.Has(line) }, waitFor, tick, "missing line %q", line)
}

func (h *harness) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitFor):
		t.Fatal("client did not stop")
		return nil
	}
}

// connect completes the handshake and returns the HELLO the client sent
func connect(t *testing.T, hub *fakeHub, h *harness) protocol.Packet {
	t.Helper()
	hello := hub.expect(protocol.CommandHello)
	hub.send(protocol.CommandHello, 0, ownID, "")
	h.waitLine(t, MsgConnected)
	h.waitState(t, StateReady)
	return hello
}

func TestHandshake(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, nil)

	hello := connect(t, hub, h)
	require.Equal(t, uint32(0), hello.Header.Sequence)
	require.Equal(t, uint32(ownID), hello.Header.SessionID)
	require.Equal(t, "alice", hello.Text())
}

func TestConversation(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, nil)
	connect(t, hub, h)

	h.lines <- "hi"
	data := hub.expect(protocol.CommandData)
	require.Equal(t, uint32(1), data.Header.Sequence)
	require.Equal(t, "hi", data.Text())
	h.waitState(t, StateReadyTimer)

	h.lines <- "again"
	data = hub.expect(protocol.CommandData)
	require.Equal(t, uint32(2), data.Header.Sequence)
	h.waitState(t, StateReadyTimer)

	hub.send(protocol.CommandAlive, 1, ownID, "")
	h.waitState(t, StateReady)

	hub.send(protocol.CommandData, 0, 0x99, "bob hello")
	h.waitLine(t, "bob hello")
	hub.send(protocol.CommandData, 0, ownID, "alice hi")

	close(h.lines)
	h.waitLine(t, MsgLeaving)
	goodbye := hub.expect(protocol.CommandGoodbye)
	require.Equal(t, uint32(3), goodbye.Header.Sequence)
	h.waitState(t, StateClosing)

	// ALIVE while closing is ignored
	hub.send(protocol.CommandAlive, 2, ownID, "")
	hub.send(protocol.CommandGoodbye, 2, ownID, "")
	h.waitLine(t, MsgDisconnected)

	require.NoError(t, h.waitExit(t))
	require.Equal(t, StateClosed, h.client.State())
	require.False(t, h.out.Has("alice hi"), "own broadcast must not be echoed")
}

func TestLongLineRejected(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, nil)
	connect(t, hub, h)

	long := strings.Repeat("é", 1100)
	h.lines <- long
	h.waitLine(t, fmt.Sprintf(MsgTooLong, len(long), protocol.MaxTextLength))
	hub.expectSilence(150 * time.Millisecond)
	require.Equal(t, StateReady, h.client.State())

	// The longest accepted line goes out whole with the next sequence number
	limit := strings.Repeat("a", protocol.MaxTextLength)
	h.lines <- limit
	data := hub.expect(protocol.CommandData)
	require.Equal(t, uint32(1), data.Header.Sequence)
	require.Equal(t, limit, data.Text())
	h.waitState(t, StateReadyTimer)
}

func TestOversizedDatagramIgnored(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, nil)
	connect(t, hub, h)

	hub.send(protocol.CommandData, 0, 0x99, "bob "+strings.Repeat("é", 1100))
	hub.send(protocol.CommandData, 0, 0x99, "bob hello")
	h.waitLine(t, "bob hello")

	require.False(t, h.out.Contains("éé"), "oversized datagram must not be printed")
	require.Equal(t, StateReady, h.client.State())
}

func TestQuitToken(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, nil)
	connect(t, hub, h)

	h.lines <- QuitToken
	h.waitLine(t, MsgLeaving)
	hub.expect(protocol.CommandGoodbye)

	// Input after quitting is not sent
	select {
	case h.lines <- "ignored":
	case <-time.After(100 * time.Millisecond):
	}
	hub.expectSilence(100 * time.Millisecond)

	hub.send(protocol.CommandGoodbye, 0, ownID, "")
	require.NoError(t, h.waitExit(t))
}

func TestServerGoodbye(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, nil)
	connect(t, hub, h)

	hub.send(protocol.CommandGoodbye, 0, ownID, "")
	h.waitLine(t, MsgDisconnected)

	require.NoError(t, h.waitExit(t))
	require.Equal(t, StateClosed, h.client.State())
	hub.expectSilence(100 * time.Millisecond)
}

func TestHandshakeViolation(t *testing.T) {
	tests := []struct {
		name      string
		strict    bool
		send      func(hub *fakeHub)
		wantState State
		goodbye   bool
	}{
		{
			name:      "data while waiting closes",
			strict:    true,
			send:      func(hub *fakeHub) { hub.send(protocol.CommandData, 0, 0x99, "early") },
			wantState: StateClosing,
			goodbye:   true,
		},
		{
			name:      "hello for another id closes",
			strict:    true,
			send:      func(hub *fakeHub) { hub.send(protocol.CommandHello, 0, 0x99, "") },
			wantState: StateClosing,
			goodbye:   true,
		},
		{
			name:      "lenient handshake ignores data",
			strict:    false,
			send:      func(hub *fakeHub) { hub.send(protocol.CommandData, 0, 0x99, "early") },
			wantState: StateHelloWait,
		},
		{
			name:   "bad magic ignored",
			strict: true,
			send: func(hub *fakeHub) {
				b := protocol.Encode(protocol.CommandData, 0, 0x99)
				b[0] = 0
				hub.sendRaw(b)
			},
			wantState: StateHelloWait,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newFakeHub(t)
			h := startClient(t, hub, func(c *config.ClientConfig, _ *config.LivenessConfig) {
				c.StrictHandshake = tt.strict
			})
			hub.expect(protocol.CommandHello)

			tt.send(hub)

			if tt.goodbye {
				hub.expect(protocol.CommandGoodbye)
			} else {
				hub.expectSilence(150 * time.Millisecond)
			}
			h.waitState(t, tt.wantState)
			require.False(t, h.out.Has("early"))
		})
	}
}

func TestSilentServerTimesOut(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, func(_ *config.ClientConfig, l *config.LivenessConfig) {
		l.IdleTimeout = 0.2
	})

	hub.expect(protocol.CommandHello)
	goodbye := hub.expect(protocol.CommandGoodbye)
	require.Equal(t, uint32(ownID), goodbye.Header.SessionID)

	// The restarted timer finishes the close
	require.NoError(t, h.waitExit(t))
	require.Equal(t, StateClosed, h.client.State())
}

func TestMissingAliveTimesOut(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, func(_ *config.ClientConfig, l *config.LivenessConfig) {
		l.IdleTimeout = 0.2
	})
	connect(t, hub, h)

	// READY has no timer running
	hub.expectSilence(300 * time.Millisecond)
	require.Equal(t, StateReady, h.client.State())

	h.lines <- "anyone?"
	hub.expect(protocol.CommandData)
	hub.expect(protocol.CommandGoodbye)
	require.NoError(t, h.waitExit(t))
}

func TestContextCancel(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, nil)
	connect(t, hub, h)

	h.cancel()
	hub.expect(protocol.CommandGoodbye)
	require.ErrorIs(t, h.waitExit(t), context.Canceled)
}

func TestEcho(t *testing.T) {
	hub := newFakeHub(t)
	h := startClient(t, hub, func(c *config.ClientConfig, _ *config.LivenessConfig) {
		c.Echo = true
	})
	connect(t, hub, h)

	hub.send(protocol.CommandData, 0, ownID, "alice hi")
	h.waitLine(t, "alice hi")
}

func TestRunRequiresEndpoint(t *testing.T) {
	c := New(&config.ClientConfig{}, &config.LivenessConfig{IdleTimeout: 1, SweepInterval: 1},
		logging.Discard(), &syncBuffer{})
	require.Error(t, c.Run(context.Background(), nil))
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHelloWait, "HELLO_WAIT"},
		{StateReady, "READY"},
		{StateReadyTimer, "READY_TIMER"},
		{StateClosing, "CLOSING"},
		{StateClosed, "CLOSED"},
		{State(9), "State(9)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}
