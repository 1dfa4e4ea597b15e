// Package protocol implements the chat wire format.
// It encodes and decodes the fixed 12-byte control header shared by HELLO, DATA,
// ALIVE and GOODBYE messages and carries the optional UTF-8 payload that follows it.
package protocol
