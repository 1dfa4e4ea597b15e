package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants
const (
	Magic   uint16 = 0xC356
	Version uint8  = 1

	// HeaderSize is the encoded header length: 2 + 1 + 1 + 4 + 4 bytes
	HeaderSize = 12

	// MaxDatagramSize bounds a single datagram (header + payload)
	MaxDatagramSize = 2048

	// MaxUsernameLength keeps a HELLO datagram inside MaxDatagramSize
	MaxUsernameLength = 256

	// MaxTextLength keeps a relayed "<user> <text>" DATA datagram inside
	// MaxDatagramSize
	MaxTextLength = MaxDatagramSize - HeaderSize - MaxUsernameLength - 1
)

// Command identifies the message kind carried in a header.
type Command uint8

const (
	CommandHello   Command = 1
	CommandData    Command = 2
	CommandAlive   Command = 3
	CommandGoodbye Command = 4
)

// Known reports whether c is one of the four protocol commands.
func (c Command) Known() bool {
	switch c {
	case CommandHello, CommandData, CommandAlive, CommandGoodbye:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the command
func (c Command) String() string {
	switch c {
	case CommandHello:
		return "Hello"
	case CommandData:
		return "Data"
	case CommandAlive:
		return "Alive"
	case CommandGoodbye:
		return "Goodbye"
	default:
		return fmt.Sprintf("Invalid(0x%02x)", uint8(c))
	}
}

// Header represents the 12-byte control header
// Layout: [Magic:2][Version:1][Command:1][Sequence:4][SessionID:4]
type Header struct {
	Magic     uint16
	Version   uint8
	Command   Command
	Sequence  uint32
	SessionID uint32
}

// Packet is a decoded datagram: header plus the payload that follows it.
type Packet struct {
	Header  Header
	Payload []byte
}

// DecodeError is returned when a datagram cannot be decoded into a header.
type DecodeError struct {
	Length int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("header too short: expected %d bytes, got %d", HeaderSize, e.Length)
}

// NewHeader returns a header stamped with the protocol magic and version.
func NewHeader(cmd Command, sequence, sessionID uint32) Header {
	return Header{
		Magic:     Magic,
		Version:   Version,
		Command:   cmd,
		Sequence:  sequence,
		SessionID: sessionID,
	}
}

// Encode serializes a header for cmd into 12 bytes.
func Encode(cmd Command, sequence, sessionID uint32) []byte {
	h := NewHeader(cmd, sequence, sessionID)
	return h.Marshal()
}

// Marshal serializes the header as-is, including its magic and version fields.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf
}

func (h Header) put(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Version
	buf[3] = uint8(h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], h.SessionID)
}

// Valid reports whether the header carries the expected magic and version.
// DecodeHeader does not check these; callers must before trusting the record.
func (h Header) Valid() bool {
	return h.Magic == Magic && h.Version == Version
}

// DecodeHeader parses the first 12 bytes of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, &DecodeError{Length: len(data)}
	}

	return Header{
		Magic:     binary.BigEndian.Uint16(data[0:2]),
		Version:   data[2],
		Command:   Command(data[3]),
		Sequence:  binary.BigEndian.Uint32(data[4:8]),
		SessionID: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// Decode parses a complete datagram. The payload is copied so the caller may
// reuse data.
func Decode(data []byte) (Packet, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return Packet{}, err
	}

	pkt := Packet{Header: header}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}

// NewPacket builds a packet with a valid header and the given payload.
func NewPacket(cmd Command, sequence, sessionID uint32, payload []byte) Packet {
	return Packet{
		Header:  NewHeader(cmd, sequence, sessionID),
		Payload: payload,
	}
}

// Marshal serializes the header followed by the payload.
func (p Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	p.Header.put(buf)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Text returns the payload as a string.
func (p Packet) Text() string {
	return string(p.Payload)
}

// String returns a human-readable representation of the header
func (h Header) String() string {
	return fmt.Sprintf("Header{Magic:0x%04x, Version:%d, Command:%s, Sequence:%d, SessionID:%#x}",
		h.Magic, h.Version, h.Command, h.Sequence, h.SessionID)
}
