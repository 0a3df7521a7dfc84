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

// Package tls implements the framed TLS transport: "tls:<host>:<port>".
// Certificate loading and verification policy stay with the embedding
// application: this package wires whatever crypto/tls.Config the caller
// supplies via Config and falls back to a permissive self-signed default
// suitable only for loopback use.
package tls

import (
	"context"
	"crypto/tls"
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
	_ = transport.Register(transport.Descriptor{Name: "tls", Connect: dial, Server: listen})
}

// Config produces the *tls.Config used for both dialing and listening.
// Replace it (e.g. from an embedding application's main) to wire in real
// certificates; the default presents a process-lifetime self-signed
// certificate and skips verification, suitable only for loopback use.
var Config = func() *tls.Config {
	cfg := &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	if cert, err := defaultCertificate(); err == nil {
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg
}

func dial(ctx context.Context, xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ConnSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "tls")
	if err != nil {
		return nil, err
	}
	nd := net.Dialer{}
	if la, ok := attrs.GetString(attr.LocalAddr); ok {
		lhp, err := addr.ParseHostPort(la, "tls")
		if err != nil {
			return nil, err
		}
		nd.LocalAddr = &net.TCPAddr{IP: net.ParseIP(lhp.Host), Port: int(lhp.Port)}
	}
	d := tls.Dialer{NetDialer: &nd, Config: Config()}
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port))))
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	// tls.Dialer completes the handshake before returning.
	return newConn(c.(*tls.Conn), efd, true), nil
}

func listen(xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ServerSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "tls")
	if err != nil {
		return nil, err
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port))))
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	l, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	s := &server{tcpListener: l, tlsListener: tls.NewListener(l, Config()), efd: efd}
	s.watcher = common.StartWatcher(efd, s.poll)
	return s, nil
}

type server struct {
	tcpListener *net.TCPListener
	tlsListener net.Listener
	efd         *evfd.EventFD
	watcher     *common.Watcher
}

func (s *server) Role() transport.Role { return transport.RoleServer }

func (s *server) poll() bool {
	rc, err := s.tcpListener.SyscallConn()
	if err != nil {
		return false
	}
	return netpoll.Readable(rc)
}

func (s *server) Accept(ctx context.Context) (transport.ConnSocket, error) {
	// A deadline at or before now fails the call before any syscall is
	// tried; a deadline just ahead gives each attempt one real try.
	_ = s.tcpListener.SetDeadline(time.Now().Add(time.Millisecond))
	c, err := s.tlsListener.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, core.ErrWouldBlock
		}
		return nil, xerrors.Trace(err)
	}
	return newConn(c.(*tls.Conn), s.efd, false), nil
}

func (s *server) Finish() error { return nil }

func (s *server) Update(desired transport.Condition) error { return nil }

func (s *server) Close() error {
	s.watcher.Stop()
	return s.tlsListener.Close()
}

func (s *server) Cleanup() { s.watcher.Stop() }

func (s *server) GetAttrs() []attr.Descriptor { return nil }

func (s *server) GetLocalAddr() (string, error) {
	hp, err := tcpAddrToHostPort(s.tcpListener.Addr())
	if err != nil {
		return "", err
	}
	return addr.Format("tls", hp), nil
}

type conn struct {
	c       *tls.Conn
	tcp     *net.TCPConn
	efd     *evfd.EventFD
	watcher *common.Watcher

	// The server-side handshake runs on its own goroutine: interrupting
	// a tls.Conn handshake with a read deadline leaves the connection
	// permanently broken, so it must be driven to completion off the
	// non-blocking call path. hsDone closes once the handshake settles.
	hsDone chan struct{}
	hsErr  error

	send framing.SendBuffer
	recv framing.Receiver

	mu     sync.Mutex
	closed bool
}

func newConn(c *tls.Conn, efd *evfd.EventFD, handshaken bool) *conn {
	tcpConn, _ := c.NetConn().(*net.TCPConn)
	cn := &conn{c: c, tcp: tcpConn, efd: efd, hsDone: make(chan struct{})}
	if handshaken {
		close(cn.hsDone)
	} else {
		go func() {
			cn.hsErr = c.HandshakeContext(context.Background())
			close(cn.hsDone)
		}()
	}
	cn.watcher = common.StartWatcher(efd, cn.poll)
	return cn
}

func (c *conn) poll() bool {
	select {
	case <-c.hsDone:
	default:
		return false
	}
	if c.tcp == nil {
		return true
	}
	rc, err := c.tcp.SyscallConn()
	if err != nil {
		return false
	}
	return netpoll.Readable(rc) || netpoll.Writable(rc)
}

func (c *conn) Role() transport.Role { return transport.RoleConnection }

// handshaken reports whether the handshake has settled, surfacing its
// error once it has.
func (c *conn) handshaken() error {
	select {
	case <-c.hsDone:
		if c.hsErr != nil {
			return xerrors.Trace(c.hsErr)
		}
		return nil
	default:
		return core.ErrWouldBlock
	}
}

func (c *conn) Send(ctx context.Context, msg []byte) error {
	if err := c.handshaken(); err != nil {
		return err
	}
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

// flush drains the pending frame without a write deadline: a timed-out
// tls.Conn write corrupts the record layer, so the occasional block on a
// full kernel buffer is the lesser cost. Reads below stay deadline-driven;
// tls.Conn reads are resumable.
func (c *conn) flush() error {
	if c.send.Empty() {
		return nil
	}
	if err := c.send.Flush(c.c); err != nil {
		return xerrors.Trace(err)
	}
	return nil
}

func (c *conn) Receive(ctx context.Context, buf []byte) (int, error) {
	if err := c.handshaken(); err != nil {
		return 0, err
	}
	_ = c.c.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := c.recv.Receive(c.c, buf)
	_ = c.c.SetReadDeadline(time.Time{})
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
	return addr.Format("tls", hp), nil
}

func (c *conn) GetLocalAddr() (string, error) {
	hp, err := tcpAddrToHostPort(c.c.LocalAddr())
	if err != nil {
		return "", err
	}
	return addr.Format("tls", hp), nil
}

func (c *conn) MaxMsg() int { return framing.MaxMsgSize }

// Finish reports handshake progress and drains any buffered frame; callers
// that wake on the event fd without issuing send/receive must call it so
// background work proceeds.
func (c *conn) Finish() error {
	if err := c.handshaken(); err != nil {
		return err
	}
	return c.flush()
}

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

// GetAttrs exposes the transport-specific attribute set; on a UTLS
// connection that resolved to TLS these surface through the composite's
// proxy table.
func (c *conn) GetAttrs() []attr.Descriptor {
	return []attr.Descriptor{{
		Name: "tls.peer_subject",
		Type: attr.TypeString,
		Get: func() (attr.Value, error) {
			if err := c.handshaken(); err != nil {
				return attr.Value{}, err
			}
			state := c.c.ConnectionState()
			if len(state.PeerCertificates) == 0 {
				return attr.Value{}, xerrors.TraceNew("no peer certificate")
			}
			subject := state.PeerCertificates[0].Subject.String()
			return attr.Value{Type: attr.TypeString, String: subject}, nil
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
