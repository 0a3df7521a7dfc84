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

// Package utls implements the hybrid transport: "utls:<host>:<port>"
// resolves to local-IPC when the peer is co-resident, else falls back to
// TLS. A UTLS server owns two sub-sockets (ux and tls); a connection
// keeps only the one that won resolution.
package utls

import (
	"context"
	"errors"
	"sync"

	"github.com/abiaog/xcm/internal/addr"
	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/core"
	"github.com/abiaog/xcm/internal/ctl"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/transport"
	"github.com/abiaog/xcm/internal/xerrors"
)

func init() {
	_ = transport.Register(transport.Descriptor{Name: "utls", Connect: dial, Server: listen})
}

// dial tries local-IPC first, since connection-refused is an immediate,
// reliable "no local peer" signal (unlike TCP's); any other local-IPC
// error aborts the attempt rather than falling back.
func dial(ctx context.Context, xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ConnSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "utls")
	if err != nil {
		return nil, err
	}

	uxDesc, ok := transport.ByName("ux")
	if !ok {
		return nil, transport.ErrProtoNotAvailable
	}
	tlsDesc, ok := transport.ByName("tls")
	if !ok {
		return nil, transport.ErrProtoNotAvailable
	}

	uxAddr := addr.FormatUX(addr.UXName(hp))
	uxConn, err := uxDesc.Connect(ctx, uxAddr, attrs, efd)
	if err == nil {
		return newConn(uxConn, "ux", efd), nil
	}
	if !errors.Is(err, transport.ErrConnRefused) {
		return nil, err
	}

	tlsAddr := addr.Format("tls", hp)
	tlsConn, err := tlsDesc.Connect(ctx, tlsAddr, attrs, efd)
	if err != nil {
		return nil, err
	}
	return newConn(tlsConn, "tls", efd), nil
}

// listen binds TLS first since it is the one that can be asked for a
// kernel-allocated port, then derives and binds the matching local-IPC
// address from whatever port TLS actually got.
func listen(xcmAddr string, attrs attr.Map, efd *evfd.EventFD) (transport.ServerSocket, error) {
	hp, err := addr.ParseHostPort(xcmAddr, "utls")
	if err != nil {
		return nil, err
	}

	uxDesc, ok := transport.ByName("ux")
	if !ok {
		return nil, transport.ErrProtoNotAvailable
	}
	tlsDesc, ok := transport.ByName("tls")
	if !ok {
		return nil, transport.ErrProtoNotAvailable
	}

	tlsSrv, err := tlsDesc.Server(addr.Format("tls", hp), attrs, efd)
	if err != nil {
		return nil, err
	}

	boundHP := hp
	if hp.Port == 0 {
		g, ok := tlsSrv.(transport.LocalAddrGetter)
		if !ok {
			_ = tlsSrv.Close()
			return nil, xerrors.TraceNew("tls sub-socket does not report a local address")
		}
		local, err := g.GetLocalAddr()
		if err != nil {
			_ = tlsSrv.Close()
			return nil, err
		}
		boundHP, err = addr.ParseHostPort(local, "tls")
		if err != nil {
			_ = tlsSrv.Close()
			return nil, err
		}
	}

	uxSrv, err := uxDesc.Server(addr.FormatUX(addr.UXName(boundHP)), attrs, efd)
	if err != nil {
		_ = tlsSrv.Close()
		return nil, err
	}

	return &server{uxServer: uxSrv, tlsServer: tlsSrv, efd: efd}, nil
}

// conn is a resolved UTLS connection socket: exactly one of {ux, tls}
// remains present as the active sub-socket, forwarded to directly.
type conn struct {
	efd        *evfd.EventFD
	active     transport.ConnSocket
	activeName string

	mu     sync.Mutex
	subCtl *ctl.Ctl
}

func newConn(active transport.ConnSocket, name string, efd *evfd.EventFD) *conn {
	return &conn{active: active, activeName: name, efd: efd}
}

func (c *conn) Role() transport.Role { return transport.RoleConnection }

// GetTransport satisfies transport.TransportNamer: masquerade as the
// resolved sub-transport.
func (c *conn) GetTransport() string { return c.activeName }

func (c *conn) Send(ctx context.Context, msg []byte) error {
	return c.active.Send(ctx, msg)
}

func (c *conn) Receive(ctx context.Context, buf []byte) (int, error) {
	return c.active.Receive(ctx, buf)
}

func (c *conn) GetRemoteAddr() (string, error) { return c.active.GetRemoteAddr() }

func (c *conn) MaxMsg() int { return c.active.MaxMsg() }

func (c *conn) Finish() error { return c.active.Finish() }

func (c *conn) Update(desired transport.Condition) error { return c.active.Update(desired) }

// GetLocalAddr satisfies transport.LocalAddrGetter by delegating to the
// active sub-socket.
func (c *conn) GetLocalAddr() (string, error) {
	g, ok := c.active.(transport.LocalAddrGetter)
	if !ok {
		return "", xerrors.TraceNew("permission denied: get_local_addr not supported")
	}
	return g.GetLocalAddr()
}

// GetAttrs is the attribute proxy table: rebuilt fresh on every call from
// the active sub-socket's own extra attributes.
func (c *conn) GetAttrs() []attr.Descriptor {
	return proxyAttrs(c.active.GetAttrs())
}

// EnableSubCtl satisfies transport.CtlAware: a connection's CTL attaches
// to its single active sub-socket.
func (c *conn) EnableSubCtl(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subCtl != nil {
		return
	}
	host := &subCtlHost{
		id:            core.NextID(),
		efd:           c.efd,
		roleStr:       transport.RoleConnection.String(),
		transportName: c.activeName,
		remote:        c.active.GetRemoteAddr,
		maxMsg:        c.active.MaxMsg,
	}
	if g, ok := c.active.(transport.LocalAddrGetter); ok {
		host.local = g.GetLocalAddr
	}
	c.subCtl = ctl.New(host, pid)
}

func (c *conn) Close() error {
	c.mu.Lock()
	sc := c.subCtl
	c.subCtl = nil
	c.mu.Unlock()
	sc.Destroy(true)
	return c.active.Close()
}

func (c *conn) Cleanup() {
	c.mu.Lock()
	sc := c.subCtl
	c.subCtl = nil
	c.mu.Unlock()
	sc.Destroy(false)
	c.active.Cleanup()
}

// server holds both sub-servers for the socket's whole lifetime. A client
// may land on the TLS port before the matching local-IPC address is
// bound; that narrow startup window costs a local pair a TLS connection,
// nothing more, and is not corrected here.
type server struct {
	efd       *evfd.EventFD
	uxServer  transport.ServerSocket
	tlsServer transport.ServerSocket

	mu     sync.Mutex
	uxCtl  *ctl.Ctl
	tlsCtl *ctl.Ctl
}

func (s *server) Role() transport.Role { return transport.RoleServer }

// Accept tries local-IPC first, then TLS; the order only decides whose
// error surfaces when neither has a pending connection.
func (s *server) Accept(ctx context.Context) (transport.ConnSocket, error) {
	uxConn, uxErr := s.uxServer.Accept(ctx)
	if uxErr == nil {
		return newConn(uxConn, "ux", s.efd), nil
	}
	tlsConn, tlsErr := s.tlsServer.Accept(ctx)
	if tlsErr == nil {
		return newConn(tlsConn, "tls", s.efd), nil
	}
	if isWouldBlock(uxErr) && isWouldBlock(tlsErr) {
		return nil, core.ErrWouldBlock
	}
	if !isWouldBlock(tlsErr) {
		return nil, tlsErr
	}
	return nil, uxErr
}

func (s *server) Finish() error {
	if err := s.uxServer.Finish(); err != nil {
		return err
	}
	return s.tlsServer.Finish()
}

// Update propagates to both sub-servers so both listeners stay armed on
// the shared event fd.
func (s *server) Update(desired transport.Condition) error {
	err := s.uxServer.Update(desired)
	if tlsErr := s.tlsServer.Update(desired); tlsErr != nil {
		return tlsErr
	}
	return err
}

// GetLocalAddr: the TLS sub-socket is authoritative for the (possibly
// kernel-assigned) port; synthesize the canonical utls: form from it.
func (s *server) GetLocalAddr() (string, error) {
	g, ok := s.tlsServer.(transport.LocalAddrGetter)
	if !ok {
		return "", xerrors.TraceNew("tls sub-socket does not report a local address")
	}
	tlsAddr, err := g.GetLocalAddr()
	if err != nil {
		return "", err
	}
	hp, err := addr.ParseHostPort(tlsAddr, "tls")
	if err != nil {
		return "", err
	}
	return addr.Format("utls", hp), nil
}

// GetAttrs rebuilds the proxy table from both sub-servers, concatenated
// without deduplication.
func (s *server) GetAttrs() []attr.Descriptor {
	out := proxyAttrs(s.uxServer.GetAttrs())
	return append(out, proxyAttrs(s.tlsServer.GetAttrs())...)
}

// EnableSubCtl satisfies transport.CtlAware: a server's CTL attaches to
// each sub-socket in addition to the composite, yielding three listeners
// total, preserved for compatibility with existing introspection tools.
func (s *server) EnableSubCtl(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uxCtl == nil {
		host := &subCtlHost{id: core.NextID(), efd: s.efd, roleStr: transport.RoleServer.String(), transportName: "ux"}
		if g, ok := s.uxServer.(transport.LocalAddrGetter); ok {
			host.local = g.GetLocalAddr
		}
		s.uxCtl = ctl.New(host, pid)
	}
	if s.tlsCtl == nil {
		host := &subCtlHost{id: core.NextID(), efd: s.efd, roleStr: transport.RoleServer.String(), transportName: "tls"}
		if g, ok := s.tlsServer.(transport.LocalAddrGetter); ok {
			host.local = g.GetLocalAddr
		}
		s.tlsCtl = ctl.New(host, pid)
	}
}

func (s *server) Close() error {
	s.mu.Lock()
	uxCtl, tlsCtl := s.uxCtl, s.tlsCtl
	s.uxCtl, s.tlsCtl = nil, nil
	s.mu.Unlock()
	uxCtl.Destroy(true)
	tlsCtl.Destroy(true)

	err := s.uxServer.Close()
	if tlsErr := s.tlsServer.Close(); tlsErr != nil {
		return tlsErr
	}
	return err
}

func (s *server) Cleanup() {
	s.mu.Lock()
	uxCtl, tlsCtl := s.uxCtl, s.tlsCtl
	s.uxCtl, s.tlsCtl = nil, nil
	s.mu.Unlock()
	uxCtl.Destroy(false)
	tlsCtl.Destroy(false)

	s.uxServer.Cleanup()
	s.tlsServer.Cleanup()
}

// proxyAttrs copies each source descriptor and rebinds Get/Set to recover
// the original by index rather than by closing over the descriptor value
// directly; the index rides along in ID.
func proxyAttrs(src []attr.Descriptor) []attr.Descriptor {
	if len(src) == 0 {
		return nil
	}
	out := make([]attr.Descriptor, len(src))
	for i := range src {
		idx := i
		d := src[i]
		proxied := attr.Descriptor{Name: d.Name, Type: d.Type, ID: idx}
		if d.Get != nil {
			proxied.Get = func() (attr.Value, error) { return src[idx].Get() }
		}
		if d.Set != nil {
			proxied.Set = func(v attr.Value) error { return src[idx].Set(v) }
		}
		out[idx] = proxied
	}
	return out
}

func isWouldBlock(err error) bool {
	return errors.Is(err, core.ErrWouldBlock)
}

// subCtlHost adapts a bare sub-socket (one the composite owns privately,
// never wrapped in its own core.Socket) to ctl.Host, exposing a minimal
// attribute set (type, transport, local/remote address, max message
// size) for the extra per-sub-socket CTL listeners. It does not mirror
// the composite's own counters: those are tracked once, on the
// composite's core.Socket, not duplicated per sub-socket.
type subCtlHost struct {
	id            uint64
	efd           *evfd.EventFD
	roleStr       string
	transportName string
	local         func() (string, error)
	remote        func() (string, error)
	maxMsg        func() int
}

func (h *subCtlHost) SockID() uint64         { return h.id }
func (h *subCtlHost) EventFD() *evfd.EventFD { return h.efd }
func (h *subCtlHost) CostlySyscalls() bool   { return false }

func (h *subCtlHost) snapshots() []attr.Snapshot {
	out := []attr.Snapshot{
		{Name: attr.Type, Value: attr.Value{Type: attr.TypeString, String: h.roleStr}},
		{Name: attr.Transport, Value: attr.Value{Type: attr.TypeString, String: h.transportName}},
	}
	if h.local != nil {
		if s, err := h.local(); err == nil {
			out = append(out, attr.Snapshot{Name: attr.LocalAddr, Value: attr.Value{Type: attr.TypeString, String: s}})
		}
	}
	if h.remote != nil {
		if s, err := h.remote(); err == nil {
			out = append(out, attr.Snapshot{Name: attr.RemoteAddr, Value: attr.Value{Type: attr.TypeString, String: s}})
		}
	}
	if h.maxMsg != nil {
		out = append(out, attr.Snapshot{Name: attr.MaxMsgSize, Value: attr.Value{Type: attr.TypeInt64, Int64: int64(h.maxMsg())}})
	}
	return out
}

func (h *subCtlHost) GetAllAttrs() ([]attr.Snapshot, error) { return h.snapshots(), nil }

func (h *subCtlHost) GetAttr(name string) (attr.Snapshot, error) {
	for _, snap := range h.snapshots() {
		if snap.Name == name {
			return snap, nil
		}
	}
	return attr.Snapshot{}, attr.ErrNotFound
}
