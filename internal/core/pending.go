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
	"sync"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/transport"
)

// pendingConn is the connection socket a non-blocking Connect returns
// immediately: the transport dial runs on its own goroutine, and every
// operation reports would-block until the dial resolves, at which point
// the socket's event fd signals and the caller's next finish (or
// send/receive) surfaces the outcome. Before resolution get_transport
// reports the name the socket was created under (the composite, for
// utls); afterwards it defers to the resolved socket.
type pendingConn struct {
	name   string
	efd    *evfd.EventFD
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	inner   transport.ConnSocket
	err     error
	closed  bool
	desired transport.Condition

	settle sync.Once // clears the resolution signal on first observation
}

func newPendingConn(name string, d transport.Descriptor, addr string, attrs attr.Map, efd *evfd.EventFD) *pendingConn {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingConn{name: name, efd: efd, cancel: cancel, done: make(chan struct{})}

	go func() {
		conn, err := d.Connect(ctx, addr, attrs, efd)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		p.inner, p.err = conn, err
		desired := p.desired
		p.mu.Unlock()

		if conn != nil {
			_ = conn.Update(desired)
		}
		close(p.done)
		// Wake the caller's event loop so it learns the dial settled.
		p.efd.SetSource(p, true)
	}()

	return p
}

// get returns the resolved socket, the dial error, or ErrWouldBlock while
// the dial is still in flight.
func (p *pendingConn) get() (transport.ConnSocket, error) {
	select {
	case <-p.done:
	default:
		return nil, ErrWouldBlock
	}
	p.settle.Do(func() { p.efd.SetSource(p, false) })
	if p.err != nil {
		return nil, p.err
	}
	return p.inner, nil
}

func (p *pendingConn) Role() transport.Role { return transport.RoleConnection }

// GetTransport satisfies transport.TransportNamer so a resolved socket's
// masquerade (utls reporting "ux" or "tls") passes through.
func (p *pendingConn) GetTransport() string {
	inner, err := p.get()
	if err != nil {
		return p.name
	}
	if namer, ok := inner.(transport.TransportNamer); ok {
		return namer.GetTransport()
	}
	return p.name
}

func (p *pendingConn) Send(ctx context.Context, msg []byte) error {
	inner, err := p.get()
	if err != nil {
		return err
	}
	return inner.Send(ctx, msg)
}

func (p *pendingConn) Receive(ctx context.Context, buf []byte) (int, error) {
	inner, err := p.get()
	if err != nil {
		return 0, err
	}
	return inner.Receive(ctx, buf)
}

func (p *pendingConn) Finish() error {
	inner, err := p.get()
	if err != nil {
		return err
	}
	return inner.Finish()
}

func (p *pendingConn) Update(desired transport.Condition) error {
	p.mu.Lock()
	p.desired = desired
	inner := p.inner
	p.mu.Unlock()
	if inner != nil {
		return inner.Update(desired)
	}
	return nil
}

func (p *pendingConn) GetRemoteAddr() (string, error) {
	inner, err := p.get()
	if err != nil {
		return "", err
	}
	return inner.GetRemoteAddr()
}

// GetLocalAddr satisfies transport.LocalAddrGetter once the resolved
// socket does.
func (p *pendingConn) GetLocalAddr() (string, error) {
	inner, err := p.get()
	if err != nil {
		return "", err
	}
	g, ok := inner.(transport.LocalAddrGetter)
	if !ok {
		return "", ErrWouldBlock
	}
	return g.GetLocalAddr()
}

func (p *pendingConn) MaxMsg() int {
	inner, err := p.get()
	if err != nil {
		return 0
	}
	return inner.MaxMsg()
}

func (p *pendingConn) GetAttrs() []attr.Descriptor {
	inner, err := p.get()
	if err != nil {
		return nil
	}
	return inner.GetAttrs()
}

func (p *pendingConn) Close() error {
	p.cancel()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	inner := p.inner
	p.mu.Unlock()

	p.efd.SetSource(p, false)
	if inner != nil {
		return inner.Close()
	}
	return nil
}

func (p *pendingConn) Cleanup() {
	p.cancel()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	inner := p.inner
	p.mu.Unlock()

	p.efd.SetSource(p, false)
	if inner != nil {
		inner.Cleanup()
	}
}
