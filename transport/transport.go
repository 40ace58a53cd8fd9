// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package transport declares the external collaborator interfaces the
// core is driven through (spec §4.M): a monotonic-clock timer and the
// UDP/TCP socket abstractions. No concrete implementation lives here —
// the core never touches a real socket or goroutine scheduler directly.
package transport

import "net"

// Timer exposes start/stop/reset/restart over a monotonic millisecond
// clock (spec §4.M). Implementations must be idempotent-to-close (spec §5
// Cancellation) and must not invoke the callback given to
// TimerFactory.NewTimer after Stop returns.
type Timer interface {
	Start(timeoutMs int64, repeat bool)
	Stop()
	Reset(timeoutMs int64)
	Restart()
}

// TimerFactory constructs Timers bound to a callback, mirroring the
// pattern keyframe.TimerFactory already uses for its own retry timers.
type TimerFactory interface {
	NewTimer(callback func()) Timer
}

// SendCallback reports the outcome of one UDP send. success is false when
// the underlying socket is closing (spec §5 Cancellation); callers must
// treat that as non-fatal.
type SendCallback func(success bool)

// UDPSocket is the only UDP collaborator the core depends on.
type UDPSocket interface {
	Send(b []byte, addr *net.UDPAddr, cb SendCallback)
	LocalAddr() *net.UDPAddr
}

// TCPStream is the only TCP collaborator the core depends on, exposing
// framed reads and raw writes (spec §4.M).
type TCPStream interface {
	Write(b []byte, cb SendCallback)
	OnFrame(cb func(frame []byte))
	RemoteAddr() *net.UDPAddr
}

// AsyncNotify is the single cross-thread notification primitive the core
// exposes for SCTP's usrsctp integration (spec §5 Cross-worker state,
// §9 Global mutable state). The core never calls this itself; it exists
// purely as a documented boundary for an out-of-scope external collaborator.
type AsyncNotify interface {
	Notify(handle uintptr)
}
