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

// Package tcp implements the framed TCP transport: "tcp:<host>:<port>",
// with XCM's message-preserving semantics layered on top of TCP's byte
// stream via internal/framing.
package tcp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/abiaog/xcm/internal/addr"
	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/core"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/framing"
	"github.com/abiaog/xcm/internal/netpoll"
	"github.com/abiaog/xcm/internal/tp/common"
	"github.com/abiaog/xcm/internal/transport"
	"github.com/abiaog/xcm/internal/xerrors"
)

func init() {
	_ = transport.Register(transport.Descriptor{Name: "tcp", Connect: dial, Server: listen})
}

func dial(ctx context.Context, xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ConnSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "tcp")
	if err != nil {
		return nil, err
	}
	d := net.Dialer{}
	if err := applyLocalAddr(&d, attrs, "tcp"); err != nil {
		return nil, err
	}
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port))))
	if err != nil {
		return nil, classifyDialErr(err)
	}
	ka := applyKeepalive(c.(*net.TCPConn), attrs)
	return newConn(c.(*net.TCPConn), efd, ka), nil
}

// applyLocalAddr binds the dialer's source address from the creation
// attribute map, when present.
func applyLocalAddr(d *net.Dialer, attrs attr.Map, proto string) error {
	la, ok := attrs.GetString(attr.LocalAddr)
	if !ok {
		return nil
	}
	hp, err := addr.ParseHostPort(la, proto)
	if err != nil {
		return err
	}
	d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(hp.Host), Port: int(hp.Port)}
	return nil
}

func classifyDialErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return xerrors.TraceMsg(err, "timeout")
	}
	return xerrors.Trace(err)
}

// defaultKeepaliveTime mirrors the Go runtime's default keepalive period.
const defaultKeepaliveTime = 15

func applyKeepalive(c *net.TCPConn, attrs attr.Map) int64 {
	_ = c.SetKeepAlive(true)
	if idle, ok := attrs["tcp.keepalive_time"]; ok && idle.Type == attr.TypeInt64 {
		_ = c.SetKeepAlivePeriod(time.Duration(idle.Int64) * time.Second)
		return idle.Int64
	}
	return defaultKeepaliveTime
}

func listen(xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ServerSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "tcp")
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port))))
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	s := &server{listener: l.(*net.TCPListener), efd: efd}
	s.watcher = common.StartWatcher(efd, s.poll)
	return s, nil
}

type server struct {
	listener *net.TCPListener
	efd      *evfd.EventFD
	watcher  *common.Watcher
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
	ka := applyKeepalive(c.(*net.TCPConn), nil)
	return newConn(c.(*net.TCPConn), s.efd, ka), nil
}

func (s *server) Finish() error { return nil }

func (s *server) Update(desired transport.Condition) error { return nil }

func (s *server) Close() error {
	s.watcher.Stop()
	return s.listener.Close()
}

func (s *server) Cleanup() { s.watcher.Stop() }

func (s *server) GetAttrs() []attr.Descriptor { return nil }

func (s *server) GetLocalAddr() (string, error) {
	hp, err := tcpAddrToHostPort(s.listener.Addr())
	if err != nil {
		return "", err
	}
	return addr.Format("tcp", hp), nil
}

type conn struct {
	c       *net.TCPConn
	efd     *evfd.EventFD
	watcher *common.Watcher

	send framing.SendBuffer
	recv framing.Receiver

	keepaliveTime int64

	mu     sync.Mutex
	closed bool
}

func newConn(c *net.TCPConn, efd *evfd.EventFD, keepaliveTime int64) *conn {
	cn := &conn{c: c, efd: efd, keepaliveTime: keepaliveTime}
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

// Send accepts msg once any previous frame has drained; the frame itself
// is flushed opportunistically here and from Finish. A message is never
// partially visible to the peer: the pending buffer keeps header and
// payload contiguous across would-block retries.
func (c *conn) Send(ctx context.Context, msg []byte) error {
	if err := c.flush(); err != nil {
		return err
	}
	if err := c.send.Queue(msg); err != nil {
		if errors.Is(err, framing.ErrMessageTooLarge) {
			return xerrors.Trace(transport.ErrMessageTooLarge)
		}
		return xerrors.Trace(err)
	}
	if err := c.flush(); err != nil && !errors.Is(err, core.ErrWouldBlock) {
		return err
	}
	return nil
}

func (c *conn) flush() error {
	if c.send.Empty() {
		return nil
	}
	_ = c.c.SetWriteDeadline(time.Now().Add(time.Millisecond))
	err := c.send.Flush(c.c)
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
	n, err := c.recv.Receive(c.c, buf)
	if err != nil {
		if isTimeout(err) {
			return 0, core.ErrWouldBlock
		}
		return 0, xerrors.Trace(err)
	}
	return n, nil
}

func (c *conn) GetRemoteAddr() (string, error) {
	hp, err := tcpAddrToHostPort(c.c.RemoteAddr())
	if err != nil {
		return "", err
	}
	return addr.Format("tcp", hp), nil
}

func (c *conn) GetLocalAddr() (string, error) {
	hp, err := tcpAddrToHostPort(c.c.LocalAddr())
	if err != nil {
		return "", err
	}
	return addr.Format("tcp", hp), nil
}

func (c *conn) MaxMsg() int { return framing.MaxMsgSize }

// Finish drives the background flush of a partially written frame.
func (c *conn) Finish() error { return c.flush() }

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

// GetAttrs exposes the keepalive tuning attribute; on a UTLS connection
// that resolved to tcp-carried TLS this never surfaces (the TLS sub-socket
// owns the carrier), but direct tcp: sockets get it.
func (c *conn) GetAttrs() []attr.Descriptor {
	return []attr.Descriptor{{
		Name: "tcp.keepalive_time",
		Type: attr.TypeInt64,
		Get: func() (attr.Value, error) {
			return attr.Value{Type: attr.TypeInt64, Int64: c.keepaliveTime}, nil
		},
		Set: func(v attr.Value) error {
			if err := c.c.SetKeepAlivePeriod(time.Duration(v.Int64) * time.Second); err != nil {
				return xerrors.Trace(err)
			}
			c.keepaliveTime = v.Int64
			return nil
		},
	}}
}

func tcpAddrToHostPort(a net.Addr) (addr.HostPort, error) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return addr.HostPort{}, xerrors.TraceNew("not a tcp address")
	}
	return addr.HostPort{Host: tcpAddr.IP.String(), Port: uint16(tcpAddr.Port)}, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
