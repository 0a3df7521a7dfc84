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

// Package sctp implements the SCTP transport: "sctp:<host>:<port>". The
// association runs over a plain TCP carrier (SCTP-over-UDP/raw-IP needs
// privileges this module does not assume) with a single reliable, ordered
// stream per connection. SCTP preserves message boundaries natively, so
// unlike tcp and tls no length-prefix framing is layered on top: one
// stream write is one XCM message.
package sctp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/sctp"

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

const (
	streamID   = 0
	maxMsgSize = 262144
)

// packetConn preserves packet boundaries for the association over the TCP
// carrier: the association expects one Read to return exactly one SCTP
// packet (as a DTLS carrier would), which a byte stream cannot guarantee
// on its own.
type packetConn struct {
	*net.TCPConn
	readMu  sync.Mutex
	writeMu sync.Mutex
}

func (p *packetConn) Read(b []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	return framing.ReadFrame(p.TCPConn, b)
}

func (p *packetConn) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := framing.WriteFrame(p.TCPConn, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func init() {
	_ = transport.Register(transport.Descriptor{Name: "sctp", Connect: dial, Server: listen})
}

func dial(ctx context.Context, xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ConnSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "sctp")
	if err != nil {
		return nil, err
	}
	d := net.Dialer{}
	carrier, err := d.DialContext(ctx, "tcp", net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port))))
	if err != nil {
		return nil, xerrors.Trace(err)
	}

	assoc, err := sctp.Client(sctp.Config{
		NetConn:       &packetConn{TCPConn: carrier.(*net.TCPConn)},
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		_ = carrier.Close()
		return nil, xerrors.TraceMsg(err, "sctp association failed")
	}
	stream, err := assoc.OpenStream(streamID, sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		_ = assoc.Close()
		_ = carrier.Close()
		return nil, xerrors.TraceMsg(err, "sctp stream open failed")
	}
	stream.SetReliabilityParams(false, sctp.ReliabilityTypeReliable, 0)

	return newConn(carrier.(*net.TCPConn), assoc, stream, efd), nil
}

func listen(xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ServerSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "sctp")
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
	carrier, err := s.listener.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, core.ErrWouldBlock
		}
		return nil, xerrors.Trace(err)
	}

	assoc, err := sctp.Server(sctp.Config{
		NetConn:       &packetConn{TCPConn: carrier.(*net.TCPConn)},
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		_ = carrier.Close()
		return nil, xerrors.TraceMsg(err, "sctp association failed")
	}
	stream, err := assoc.AcceptStream()
	if err != nil {
		_ = assoc.Close()
		_ = carrier.Close()
		return nil, xerrors.TraceMsg(err, "sctp stream accept failed")
	}
	stream.SetReliabilityParams(false, sctp.ReliabilityTypeReliable, 0)

	return newConn(carrier.(*net.TCPConn), assoc, stream, s.efd), nil
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
	return addr.Format("sctp", hp), nil
}

// conn wraps one SCTP stream. Every per-socket syscall here (association
// setup, each stream read/write) is significantly costlier than the
// equivalent tcp/tls call, which is why core.Socket.CostlySyscalls reports
// true for this transport and the ctl scheduler throttles accordingly.
type conn struct {
	carrier *net.TCPConn
	assoc   *sctp.Association
	stream  *sctp.Stream
	efd     *evfd.EventFD
	watcher *common.Watcher

	mu     sync.Mutex
	closed bool
}

func newConn(carrier *net.TCPConn, assoc *sctp.Association, stream *sctp.Stream, efd *evfd.EventFD) *conn {
	c := &conn{carrier: carrier, assoc: assoc, stream: stream, efd: efd}
	c.watcher = common.StartWatcher(efd, c.poll)
	return c
}

func (c *conn) poll() bool {
	rc, err := c.carrier.SyscallConn()
	if err != nil {
		return false
	}
	return netpoll.Readable(rc) || netpoll.Writable(rc)
}

func (c *conn) Role() transport.Role { return transport.RoleConnection }

// Send writes msg as one SCTP user message. Stream writes are buffered by
// the association and do not block.
func (c *conn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > maxMsgSize {
		return xerrors.Trace(transport.ErrMessageTooLarge)
	}
	if _, err := c.stream.Write(msg); err != nil {
		return xerrors.Trace(err)
	}
	return nil
}

// Receive reads one SCTP user message. A buf shorter than the pending
// message surfaces the stream's short-buffer error to the caller.
func (c *conn) Receive(ctx context.Context, buf []byte) (int, error) {
	_ = c.stream.SetReadDeadline(time.Now())
	n, err := c.stream.Read(buf)
	_ = c.stream.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return 0, core.ErrWouldBlock
		}
		return 0, xerrors.Trace(err)
	}
	return n, nil
}

func (c *conn) GetRemoteAddr() (string, error) {
	hp, err := tcpAddrToHostPort(c.carrier.RemoteAddr())
	if err != nil {
		return "", err
	}
	return addr.Format("sctp", hp), nil
}

func (c *conn) GetLocalAddr() (string, error) {
	hp, err := tcpAddrToHostPort(c.carrier.LocalAddr())
	if err != nil {
		return "", err
	}
	return addr.Format("sctp", hp), nil
}

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
	_ = c.stream.Close()
	_ = c.assoc.Close()
	return c.carrier.Close()
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
	_ = c.stream.Close()
	_ = c.assoc.Close()
	_ = c.carrier.Close()
}

func (c *conn) GetAttrs() []attr.Descriptor { return nil }

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
