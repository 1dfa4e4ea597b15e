// Package server implements the chat hub: a UDP server that registers
// sessions on HELLO, applies the sequencing policy to DATA, fans accepted
// messages out to every session and evicts idle ones. It also serves a
// read-only HTTP status API.
package server
