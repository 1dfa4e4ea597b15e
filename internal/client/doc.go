// Package client implements the chat client state machine. A client says
// HELLO, sends operator lines as numbered DATA packets, watches for the
// server going silent and says GOODBYE on the way out.
package client
