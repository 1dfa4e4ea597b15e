package session

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Session is the server-held record for one client connection.
type Session struct {
	ID        uint32
	Addr      net.Addr
	Username  string
	CreatedAt time.Time

	// written only by the validation worker
	expected atomic.Uint32
	previous atomic.Uint32

	lastActivity atomic.Int64 // unix nanoseconds
	timerActive  atomic.Bool
	closing      atomic.Bool

	accepted   atomic.Uint64
	lost       atomic.Uint64
	duplicates atomic.Uint64
}

// Verdict classifies an inbound DATA sequence number.
type Verdict int

const (
	// VerdictAccepted is an in-order sequence number.
	VerdictAccepted Verdict = iota
	// VerdictGap means one or more sequence numbers were skipped; the
	// packet itself is accepted.
	VerdictGap
	// VerdictDuplicate repeats the last accepted sequence number.
	VerdictDuplicate
	// VerdictStale is older than the last accepted sequence number and
	// cannot be recovered.
	VerdictStale
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictGap:
		return "gap"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictStale:
		return "stale"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Observation is the outcome of applying the sequencing policy to one packet.
type Observation struct {
	Verdict  Verdict
	Sequence uint32

	// LostFrom and LostCount describe the missing range [LostFrom, LostFrom+LostCount)
	// when Verdict is VerdictGap.
	LostFrom  uint32
	LostCount uint32
}

// Accepted reports whether the packet should be delivered.
func (o Observation) Accepted() bool {
	return o.Verdict == VerdictAccepted || o.Verdict == VerdictGap
}

func newSession(id uint32, addr net.Addr, username string, now time.Time) *Session {
	s := &Session{
		ID:        id,
		Addr:      addr,
		Username:  username,
		CreatedAt: now,
	}
	s.expected.Store(1)
	s.previous.Store(0)
	s.lastActivity.Store(now.UnixNano())
	s.timerActive.Store(true)
	return s
}

// Observe applies the sequencing policy to seq and updates the counters.
// Only the validation worker may call it.
func (s *Session) Observe(seq uint32, now time.Time) Observation {
	expected := s.expected.Load()
	previous := s.previous.Load()
	obs := Observation{Verdict: VerdictAccepted, Sequence: seq}

	switch {
	case seq > expected:
		obs.Verdict = VerdictGap
		obs.LostFrom = expected
		obs.LostCount = seq - expected
		s.lost.Add(uint64(obs.LostCount))
		s.expected.Store(seq)
		s.timerActive.Store(false)
	case seq < expected && seq != previous:
		obs.Verdict = VerdictStale
		return obs
	case seq == previous:
		obs.Verdict = VerdictDuplicate
		s.duplicates.Add(1)
		return obs
	}

	s.previous.Store(seq)
	s.expected.Store(seq + 1)
	s.lastActivity.Store(now.UnixNano())
	s.accepted.Add(1)
	return obs
}

// Expected returns the next in-order sequence number.
func (s *Session) Expected() uint32 {
	return s.expected.Load()
}

// Previous returns the last accepted sequence number.
func (s *Session) Previous() uint32 {
	return s.previous.Load()
}

// LastActivity returns when the session last had a packet accepted.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// TimerActive reports whether the idle sweep applies to this session.
func (s *Session) TimerActive() bool {
	return s.timerActive.Load()
}

// Closing reports whether teardown has started.
func (s *Session) Closing() bool {
	return s.closing.Load()
}

// Idle reports whether the session should be evicted at now.
func (s *Session) Idle(now time.Time, threshold time.Duration) bool {
	return s.TimerActive() && now.Sub(s.LastActivity()) > threshold
}

// SameAddr reports whether addr is the peer address bound at creation.
func (s *Session) SameAddr(addr net.Addr) bool {
	if s.Addr == nil || addr == nil {
		return false
	}
	return s.Addr.Network() == addr.Network() && s.Addr.String() == addr.String()
}

// Label returns the session id as it appears in diagnostics.
func (s *Session) Label() string {
	return FormatID(s.ID)
}

// FormatID renders a session id in lower-case hex with a 0x prefix.
func FormatID(id uint32) string {
	return fmt.Sprintf("%#x", id)
}

// Info is a point-in-time view of a session for monitoring
type Info struct {
	ID               string    `json:"session_id"`
	Username         string    `json:"username"`
	Address          string    `json:"address"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	ExpectedSequence uint32    `json:"expected_sequence"`
	PreviousSequence uint32    `json:"previous_sequence"`
	TimerActive      bool      `json:"timer_active"`
	Accepted         uint64    `json:"accepted_packets"`
	Lost             uint64    `json:"lost_packets"`
	Duplicates       uint64    `json:"duplicate_packets"`
	LossRate         float64   `json:"loss_rate"`
}

// Info returns a snapshot of the session counters.
func (s *Session) Info() Info {
	accepted := s.accepted.Load()
	lost := s.lost.Load()

	var lossRate float64
	if total := accepted + lost; total > 0 {
		lossRate = float64(lost) / float64(total)
	}

	var addr string
	if s.Addr != nil {
		addr = s.Addr.String()
	}

	return Info{
		ID:               s.Label(),
		Username:         s.Username,
		Address:          addr,
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity(),
		ExpectedSequence: s.Expected(),
		PreviousSequence: s.Previous(),
		TimerActive:      s.TimerActive(),
		Accepted:         accepted,
		Lost:             lost,
		Duplicates:       s.duplicates.Load(),
		LossRate:         lossRate,
	}
}
