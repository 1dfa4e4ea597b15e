// Package session provides the server-side session registry and the per-session
// sequencing policy. The registry owns every active session under a single lock
// held only while a record is created or torn down; sequence counters are written
// by one validation goroutine and read lock-free elsewhere.
package session
