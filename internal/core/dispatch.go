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

package core

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/transport"
	"github.com/abiaog/xcm/internal/xerrors"
)

// Connect resolves addr's transport and dials it, returning a new
// connection socket. Blocking mode is decided before the dial runs: a
// blocking connect completes (or fails) in place, while a non-blocking
// connect returns a live socket immediately and runs the dial in the
// background, with every op reporting would-block until it resolves.
// Address-parse failures leave no half-constructed socket behind.
func Connect(ctx context.Context, addr string, attrs attr.Map) (*Socket, error) {
	d, err := transport.ByAddress(addr)
	if err != nil {
		return nil, err
	}
	if d.Connect == nil {
		return nil, xerrors.Tracef("transport %q does not support connect", d.Name)
	}
	efd, err := evfd.New()
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	blocking := blockingFromAttrs(attrs)

	var impl transport.Socket
	if blocking {
		var conn transport.ConnSocket
		err := retryWouldBlock(ctx, func() error {
			var cerr error
			conn, cerr = d.Connect(ctx, addr, attrs, efd)
			return cerr
		})
		if err != nil {
			_ = efd.Close()
			return nil, err
		}
		impl = conn
	} else {
		impl = newPendingConn(d.Name, d, addr, attrs, efd)
	}

	s := New(transport.RoleConnection, d.Name, efd, impl)
	s.SetBlocking(blocking)
	return s, nil
}

// Server resolves addr's transport and binds it, returning a new server
// socket. As with Connect, the blocking flag is applied before the bind;
// a non-blocking bind gets exactly one attempt and surfaces would-block
// to the caller rather than retrying.
func Server(addr string, attrs attr.Map) (*Socket, error) {
	d, err := transport.ByAddress(addr)
	if err != nil {
		return nil, err
	}
	if d.Server == nil {
		return nil, xerrors.Tracef("transport %q does not support server", d.Name)
	}
	efd, err := evfd.New()
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	blocking := blockingFromAttrs(attrs)

	var impl transport.ServerSocket
	bind := func() error {
		var berr error
		impl, berr = d.Server(addr, attrs, efd)
		return berr
	}
	if blocking {
		err = retryWouldBlock(context.Background(), bind)
	} else {
		err = bind()
	}
	if err != nil {
		_ = efd.Close()
		return nil, err
	}

	s := New(transport.RoleServer, d.Name, efd, impl)
	s.SetBlocking(blocking)
	return s, nil
}

func blockingFromAttrs(attrs attr.Map) bool {
	if b, ok := attrs.GetBool(attr.Blocking); ok {
		return b
	}
	return true
}

// retryWouldBlock retries op while it defers with would-block; used by the
// creation paths, which have no Socket to tick CTL on yet.
func retryWouldBlock(ctx context.Context, op func() error) error {
	err := op()
	for isWouldBlock(err) {
		select {
		case <-ctx.Done():
			return xerrors.Trace(ctx.Err())
		case <-time.After(500 * time.Microsecond):
		}
		err = op()
	}
	return err
}

// Accept services the control channel, then accepts a pending connection
// on a server socket, wiring the new connection's counters and control
// channel state.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	s.CtlProcess()

	srv, ok := s.impl.(transport.ServerSocket)
	if !ok {
		return nil, xerrors.TraceNew("not a server socket")
	}
	var conn transport.ConnSocket
	err := s.retryWhileBlocking(ctx, func() error {
		var err error
		conn, err = srv.Accept(ctx)
		return err
	})
	if err != nil {
		if !isWouldBlock(err) {
			s.SetStickyErr(err)
		}
		return nil, err
	}

	ns := New(transport.RoleConnection, s.transportName, s.efd, conn)
	ns.SetBlocking(s.Blocking())
	s.reArm()
	return ns, nil
}

// Send services the control channel, then sends one message.
func (s *Socket) Send(ctx context.Context, msg []byte) error {
	s.CtlProcess()

	if err := s.StickyErr(); err != nil {
		return err
	}

	conn, ok := s.impl.(transport.ConnSocket)
	if !ok {
		return xerrors.TraceNew("not a connection socket")
	}
	err := s.retryWhileBlocking(ctx, func() error {
		return conn.Send(ctx, msg)
	})
	if err != nil {
		if !isWouldBlock(err) && !errors.Is(err, transport.ErrMessageTooLarge) {
			s.SetStickyErr(err)
		}
		return err
	}

	s.Counters.FromAppMsgs.Add(1)
	s.Counters.FromAppBytes.Add(uint64(len(msg)))
	s.Counters.ToLowerMsgs.Add(1)
	s.Counters.ToLowerBytes.Add(uint64(len(msg)))

	s.reArm()
	return nil
}

// Receive services the control channel, then receives one message.
func (s *Socket) Receive(ctx context.Context, buf []byte) (int, error) {
	s.CtlProcess()

	if err := s.StickyErr(); err != nil {
		return 0, err
	}

	conn, ok := s.impl.(transport.ConnSocket)
	if !ok {
		return 0, xerrors.TraceNew("not a connection socket")
	}
	var n int
	err := s.retryWhileBlocking(ctx, func() error {
		var err error
		n, err = conn.Receive(ctx, buf)
		return err
	})
	if err != nil {
		if !isWouldBlock(err) {
			s.SetStickyErr(err)
		}
		return n, err
	}

	s.Counters.FromLowerMsgs.Add(1)
	s.Counters.FromLowerBytes.Add(uint64(n))
	s.Counters.ToAppMsgs.Add(1)
	s.Counters.ToAppBytes.Add(uint64(n))

	s.reArm()
	return n, nil
}

// Finish drives background work (in-flight connects, handshake
// completion, buffered flush, CTL servicing) without the caller issuing
// send/receive/accept. In non-blocking mode it returns would-block while
// that work is still in progress.
func (s *Socket) Finish(ctx context.Context) error {
	s.CtlProcess()
	err := s.retryWhileBlocking(ctx, s.impl.Finish)
	if err != nil {
		if !isWouldBlock(err) {
			s.SetStickyErr(err)
		}
		return err
	}
	s.reArm()
	return nil
}

// retryWhileBlocking runs op once in non-blocking mode; in blocking mode it
// keeps retrying while op defers with would-block, also servicing CTL
// between attempts so a blocked user op cannot starve introspection
// clients.
func (s *Socket) retryWhileBlocking(ctx context.Context, op func() error) error {
	err := op()
	for s.Blocking() && isWouldBlock(err) {
		select {
		case <-ctx.Done():
			return xerrors.Trace(ctx.Err())
		case <-time.After(500 * time.Microsecond):
		}
		s.CtlProcess()
		err = op()
	}
	return err
}

// Await records the user's desired condition and re-arms readiness.
func (s *Socket) Await(cond transport.Condition) error {
	s.CtlProcess()
	s.SetDesired(cond)
	return s.reArm()
}

// reArm re-invokes the transport's Update so it reprograms its readiness
// registration to reflect the current desired condition plus internal
// state.
func (s *Socket) reArm() error {
	return s.impl.Update(s.Desired())
}

// SetAttr applies a new value to a named attribute.
func (s *Socket) SetAttr(name string, v attr.Value) error {
	for _, d := range s.allAttrDescriptors() {
		if d.Name != name {
			continue
		}
		if !d.Writable() {
			return xerrors.Tracef("attribute %q is read-only", name)
		}
		if d.Type != v.Type {
			return xerrors.Tracef("attribute %q type mismatch", name)
		}
		return d.Set(v)
	}
	return attr.ErrNotFound
}

// FD returns the event descriptor the caller registers with its own event
// loop.
func (s *Socket) FD() *os.File {
	return s.efd.File()
}

func isWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// ErrWouldBlock is the canonical non-blocking deferral signal. Transports
// return it (optionally wrapped via xerrors.Trace) to defer a non-blocking
// op without it counting as sticky failure or a counter event.
var ErrWouldBlock = errors.New("would block")
