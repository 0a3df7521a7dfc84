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

// Package transport defines the polymorphic socket contract every transport
// plugin implements, and the process-wide registry mapping a transport name
// to its implementation.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/xerrors"
)

// Condition is the desired-readiness bitset a socket caches between ops.
type Condition uint32

const (
	Readable Condition = 1 << iota
	Writable
	Acceptable
)

// Role distinguishes server sockets (which only Accept) from connection
// sockets (which carry messages).
type Role int

const (
	RoleServer Role = iota
	RoleConnection
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "connection"
}

// Socket is the contract every transport-private socket value satisfies,
// regardless of role. Each transport returns its own concrete type
// implementing this (and ConnSocket or ServerSocket) behind the
// interface; whatever state the transport needs rides in that value.
type Socket interface {
	Role() Role
	Finish() error
	Update(desired Condition) error
	Close() error
	Cleanup()
	GetAttrs() []attr.Descriptor
}

// ConnSocket is the additional contract for connection-role sockets.
type ConnSocket interface {
	Socket
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context, buf []byte) (int, error)
	GetRemoteAddr() (string, error)
	MaxMsg() int
}

// ServerSocket is the additional contract for server-role sockets.
type ServerSocket interface {
	Socket
	Accept(ctx context.Context) (ConnSocket, error)
}

// TransportNamer lets a socket override the transport name reported by
// get_transport (used by UTLS to masquerade as its resolved sub-transport).
type TransportNamer interface {
	GetTransport() string
}

// LocalAddrGetter exposes the transport-reported local address.
type LocalAddrGetter interface {
	GetLocalAddr() (string, error)
}

// LocalAddrSetter is implemented by transports that support set_local_addr.
// The framework reports permission-denied for transports that don't.
type LocalAddrSetter interface {
	SetLocalAddr(addr string) error
}

// CntGetter lets a transport override get_cnt; absent, the framework
// reports the generic counters embedded in the socket record.
type CntGetter interface {
	GetCnt(name string) (uint64, bool)
}

// CtlAware lets a transport react when the owning socket enables CTL,
// attaching control channels to sub-sockets it privately owns (UTLS
// attaches one to its active or each of its sub-sockets, in addition to
// the composite CTL the framework already attaches).
type CtlAware interface {
	EnableSubCtl(pid int)
}

// ConnectFunc dials a remote address, producing a new connection socket
// sharing the given event descriptor.
type ConnectFunc func(ctx context.Context, addr string, attrs attr.Map, efd *evfd.EventFD) (ConnSocket, error)

// ServerFunc binds a local address, producing a new server socket sharing
// the given event descriptor.
type ServerFunc func(addr string, attrs attr.Map, efd *evfd.EventFD) (ServerSocket, error)

// Descriptor is the registry entry for one transport plugin.
type Descriptor struct {
	Name    string
	Connect ConnectFunc
	Server  ServerFunc
}

// maxNameLen mirrors the address-protocol maximum token length ("proto:").
const maxNameLen = 16

var (
	mu       sync.RWMutex
	registry = map[string]Descriptor{}
)

// Register adds a transport to the process-wide registry. Idempotent by
// name: registering the same name twice is an error, as is a name
// exceeding the address-protocol maximum length. Meant to be called from
// each transport package's init().
func Register(d Descriptor) error {
	if len(d.Name) == 0 || len(d.Name) > maxNameLen {
		return xerrors.Tracef("invalid transport name %q", d.Name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[d.Name]; exists {
		return xerrors.Tracef("transport %q already registered", d.Name)
	}
	registry[d.Name] = d
	return nil
}

// ByName performs an exact-match registry lookup.
func ByName(name string) (Descriptor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := registry[name]
	return d, ok
}

// ErrProtoNotAvailable is returned by ByAddress for an unknown protocol
// prefix.
var ErrProtoNotAvailable = xerrors.TraceNew("protocol not available")

// ErrConnRefused is a plain, untraced sentinel a ConnectFunc wraps its
// error with (via %w) when the remote end actively refused the attempt.
// UTLS relies on errors.Is against this sentinel, not string matching, to
// decide whether its local-IPC probe justifies a TLS fallback.
var ErrConnRefused = fmt.Errorf("connection refused")

// ErrMessageTooLarge is the sentinel for a send exceeding the transport's
// maximum message size. Unlike other send failures it leaves the
// connection usable, so the dispatch layer must not latch it as sticky.
var ErrMessageTooLarge = fmt.Errorf("message too large")

// ByAddress extracts the leading "proto:" token from a user address and
// resolves it via ByName.
func ByAddress(addr string) (Descriptor, error) {
	idx := strings.IndexByte(addr, ':')
	if idx <= 0 {
		return Descriptor{}, xerrors.Tracef("malformed address %q", addr)
	}
	d, ok := ByName(addr[:idx])
	if !ok {
		return Descriptor{}, ErrProtoNotAvailable
	}
	return d, nil
}
