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

// Package ux implements the local-IPC transport: "ux:<name>" resolves to
// an abstract-namespace unix socket, "uxf:<path>" to a filesystem one.
// Both use SOCK_SEQPACKET (Go's "unixpacket" network) so messages are
// preserved natively, without this module's shared length-prefix framing.
package ux

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/core"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/netpoll"
	"github.com/abiaog/xcm/internal/tp/common"
	"github.com/abiaog/xcm/internal/transport"
	"github.com/abiaog/xcm/internal/xerrors"
)

const maxMsgSize = 65536

func init() {
	_ = transport.Register(transport.Descriptor{Name: "ux", Connect: dial, Server: listenUX})
	_ = transport.Register(transport.Descriptor{Name: "uxf", Connect: dial, Server: listenUX})
}

func netAddr(xcmAddr string) (proto, name string, err error) {
	idx := strings.IndexByte(xcmAddr, ':')
	if idx <= 0 {
		return "", "", xerrors.Tracef("addr-parse: malformed address %q", xcmAddr)
	}
	proto = xcmAddr[:idx]
	name = xcmAddr[idx+1:]
	if proto == "ux" {
		// Go maps a unix address beginning with '@' to the Linux abstract
		// namespace, replacing '@' with a leading NUL at bind/connect time.
		return proto, "@" + name, nil
	}
	return proto, name, nil
}

func dial(ctx context.Context, xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ConnSocket, error) {
	proto, name, err := netAddr(xcmAddr)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "unixpacket", name)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return newConn(c.(*net.UnixConn), efd, proto+":"+xcmAddrRemainder(xcmAddr)), nil
}

func xcmAddrRemainder(xcmAddr string) string {
	idx := strings.IndexByte(xcmAddr, ':')
	return xcmAddr[idx+1:]
}

func classifyDialErr(err error) error {
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("connection-refused: %w: %w", transport.ErrConnRefused, err)
	}
	return xerrors.Trace(err)
}

func listenUX(xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ServerSocket, error) {
	proto, name, err := netAddr(xcmAddr)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUnixAddr("unixpacket", name)
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	l, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	s := &server{listener: l, efd: efd, localAddr: proto + ":" + xcmAddrRemainder(xcmAddr)}
	s.watcher = common.StartWatcher(efd, s.poll)
	return s, nil
}

type server struct {
	listener  *net.UnixListener
	efd       *evfd.EventFD
	localAddr string
	watcher   *common.Watcher
}

func (s *server) Role() transport.Role { return transport.RoleServer }

func (s *server) poll() bool {
	rc, err := s.listener.SyscallConn()
	if err != nil {
		return false
	}
	return netpoll.Readable(rc)
}

func (s *server) Accept(ctx context.Context) (transport.ConnSocket, error) {
	// A deadline at or before now fails the call before any syscall is
	// tried; a deadline just ahead gives each attempt one real try.
	_ = s.listener.SetDeadline(time.Now().Add(time.Millisecond))
	c, err := s.listener.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, core.ErrWouldBlock
		}
		return nil, xerrors.Trace(err)
	}
	return newConn(c.(*net.UnixConn), s.efd, s.localAddr), nil
}

func (s *server) Finish() error { return nil }

func (s *server) Update(desired transport.Condition) error { return nil }

func (s *server) Close() error {
	s.watcher.Stop()
	return s.listener.Close()
}

func (s *server) Cleanup() { s.watcher.Stop() }

func (s *server) GetAttrs() []attr.Descriptor { return nil }

func (s *server) GetLocalAddr() (string, error) { return s.localAddr, nil }

type conn struct {
	c         *net.UnixConn
	efd       *evfd.EventFD
	localAddr string
	watcher   *common.Watcher

	mu     sync.Mutex
	closed bool
}

func newConn(c *net.UnixConn, efd *evfd.EventFD, localAddr string) *conn {
	cn := &conn{c: c, efd: efd, localAddr: localAddr}
	cn.watcher = common.StartWatcher(efd, cn.poll)
	return cn
}

func (c *conn) poll() bool {
	rc, err := c.c.SyscallConn()
	if err != nil {
		return false
	}
	return netpoll.Readable(rc) || netpoll.Writable(rc)
}

func (c *conn) Role() transport.Role { return transport.RoleConnection }

func (c *conn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > maxMsgSize {
		return xerrors.Trace(transport.ErrMessageTooLarge)
	}
	_ = c.c.SetWriteDeadline(time.Now().Add(time.Millisecond))
	_, err := c.c.Write(msg)
	if err != nil {
		if isTimeout(err) {
			return core.ErrWouldBlock
		}
		return xerrors.Trace(err)
	}
	return nil
}

func (c *conn) Receive(ctx context.Context, buf []byte) (int, error) {
	_ = c.c.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := c.c.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, core.ErrWouldBlock
		}
		return 0, xerrors.Trace(err)
	}
	return n, nil
}

func (c *conn) GetRemoteAddr() (string, error) {
	if a := c.c.RemoteAddr(); a != nil {
		return "ux:" + a.String(), nil
	}
	return "", xerrors.TraceNew("no remote address")
}

func (c *conn) GetLocalAddr() (string, error) { return c.localAddr, nil }

func (c *conn) MaxMsg() int { return maxMsgSize }

func (c *conn) Finish() error { return nil }

func (c *conn) Update(desired transport.Condition) error { return nil }

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.watcher.Stop()
	return c.c.Close()
}

func (c *conn) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.watcher.Stop()
}

func (c *conn) GetAttrs() []attr.Descriptor { return nil }

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
