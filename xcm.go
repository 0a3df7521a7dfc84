/*
 * Copyright (c) 2026, xcm contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package xcm implements an extensible, connection-oriented, reliable,
// message-preserving messaging library over a handful of pluggable
// transports (local IPC, TCP, TLS, a TLS/local-IPC hybrid, and SCTP). A
// socket exposes one stable event descriptor, registered in the caller's
// own event loop, that becomes readable whenever the socket can make
// progress.
package xcm

import (
	"context"
	"os"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/core"
	"github.com/abiaog/xcm/internal/transport"

	_ "github.com/abiaog/xcm/internal/tp/sctp"
	_ "github.com/abiaog/xcm/internal/tp/tcp"
	_ "github.com/abiaog/xcm/internal/tp/tls"
	_ "github.com/abiaog/xcm/internal/tp/utls"
	_ "github.com/abiaog/xcm/internal/tp/ux"
)

// Socket is a handle to either a connection or a server. The zero value is
// not usable; obtain one via Connect, ConnectA, Server, ServerA, or Accept.
type Socket struct {
	core *core.Socket
}

// Condition is the desired-readiness bitset passed to Await.
type Condition uint32

const (
	Readable Condition = 1 << iota
	Writable
	Acceptable
)

func (c Condition) internal() transport.Condition { return transport.Condition(c) }

// Connect dials addr (e.g. "tcp:192.0.2.1:7000", "utls:example:7000").
// Equivalent to ConnectA(ctx, addr, nil).
func Connect(ctx context.Context, addr string) (*Socket, error) {
	return ConnectA(ctx, addr, nil)
}

// ConnectA dials addr with an initial attribute map (e.g. xcm.blocking).
func ConnectA(ctx context.Context, addr string, attrs Attrs) (*Socket, error) {
	m, err := attrs.toInternal()
	if err != nil {
		return nil, wrapErr(err)
	}
	s, err := core.Connect(ctx, addr, m)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &Socket{core: s}, nil
}

// Server binds addr. Equivalent to ServerA(addr, nil).
func Server(addr string) (*Socket, error) {
	return ServerA(addr, nil)
}

// ServerA binds addr with an initial attribute map.
func ServerA(addr string, attrs Attrs) (*Socket, error) {
	m, err := attrs.toInternal()
	if err != nil {
		return nil, wrapErr(err)
	}
	s, err := core.Server(addr, m)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &Socket{core: s}, nil
}

// Accept accepts one pending connection on a server socket.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	ns, err := s.core.Accept(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &Socket{core: ns}, nil
}

// Send sends one message on a connection socket. Messages are delivered
// to the peer in send order; XCM never fragments or coalesces them.
func (s *Socket) Send(ctx context.Context, msg []byte) error {
	return wrapErr(s.core.Send(ctx, msg))
}

// Receive reads one message into buf, returning its length. A short buf
// for the pending message is a caller error, not a protocol one.
func (s *Socket) Receive(ctx context.Context, buf []byte) (int, error) {
	n, err := s.core.Receive(ctx, buf)
	return n, wrapErr(err)
}

// Finish drives background work (handshake completion, buffered flush,
// CTL servicing) that only an explicit call can advance. A caller that
// wakes on the socket's fd without calling send/receive/accept must call
// this instead, or background progress stalls.
func (s *Socket) Finish(ctx context.Context) error {
	return wrapErr(s.core.Finish(ctx))
}

// Await records which readiness conditions the caller next intends to
// act on; it persists until changed again.
func (s *Socket) Await(cond Condition) error {
	return wrapErr(s.core.Await(cond.internal()))
}

// Close tears down the socket and its control channel. A nil receiver is
// a no-op.
func (s *Socket) Close() error {
	if s == nil {
		return nil
	}
	return wrapErr(s.core.Close())
}

// Cleanup releases local, non-owning state without touching
// process-shared resources (the CTL filesystem entry, in particular);
// use it from a forked child that inherited the socket but does not own
// it.
func (s *Socket) Cleanup() {
	if s == nil {
		return
	}
	s.core.Cleanup()
}

// FD returns the socket's event descriptor, to register with the
// caller's own event loop in level-triggered read-ready mode.
func (s *Socket) FD() *os.File { return s.core.FD() }

// SetBlocking sets blocking mode: connect/accept/send/receive/finish may
// block arbitrarily in blocking mode. In non-blocking mode they return an
// error for which IsWouldBlock reports true instead of blocking, except
// that a tls send can wait for kernel buffer space and an sctp accept
// runs the association setup in place.
func (s *Socket) SetBlocking(b bool) { s.core.SetBlocking(b) }

// Blocking reports the current blocking-mode flag.
func (s *Socket) Blocking() bool { return s.core.Blocking() }

// EnableCtl turns on the per-socket local-IPC introspection listener,
// named "<pid>-<sock_id>" under the control directory (default
// /run/xcm/ctl, overridable via XCM_CTL).
func (s *Socket) EnableCtl() { s.core.EnableCtl(os.Getpid()) }

// Attr reads one attribute's current value.
func (s *Socket) Attr(name string) (interface{}, error) {
	snap, err := s.core.GetAttr(name)
	if err != nil {
		return nil, wrapErr(err)
	}
	return fromInternal(snap.Value), nil
}

// SetAttr writes one attribute's value.
func (s *Socket) SetAttr(name string, v interface{}) error {
	val, err := toInternalValue(v)
	if err != nil {
		return wrapErr(err)
	}
	return wrapErr(s.core.SetAttr(name, val))
}

// AllAttrs snapshots every readable attribute on the socket (the common
// set plus whatever the transport adds).
func (s *Socket) AllAttrs() (Attrs, error) {
	snaps, err := s.core.GetAllAttrs()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make(Attrs, len(snaps))
	for _, snap := range snaps {
		out[snap.Name] = fromInternal(snap.Value)
	}
	return out, nil
}

func fromInternal(v attr.Value) interface{} {
	switch v.Type {
	case attr.TypeBool:
		return v.Bool
	case attr.TypeInt64:
		return v.Int64
	case attr.TypeString:
		return v.String
	case attr.TypeBinary:
		return v.Binary
	default:
		return nil
	}
}
