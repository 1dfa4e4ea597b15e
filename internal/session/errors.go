package session

import "errors"

// ErrSessionExists is returned when a HELLO reuses a registered session id.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrRegistryClosed is returned by Create once the registry has been drained.
var ErrRegistryClosed = errors.New("registry closed")
