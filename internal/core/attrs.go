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
	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/transport"
	"github.com/abiaog/xcm/internal/xerrors"
)

// CommonAttrs builds the generic attribute set present on every socket:
// xcm.blocking, xcm.type, xcm.transport, xcm.local_addr, plus, for
// connection sockets, xcm.remote_addr, xcm.max_msg_size and the eight
// counters.
func CommonAttrs(s *Socket) []attr.Descriptor {
	descs := []attr.Descriptor{
		{
			Name: attr.Blocking,
			Type: attr.TypeBool,
			Get: func() (attr.Value, error) {
				return attr.Value{Type: attr.TypeBool, Bool: s.Blocking()}, nil
			},
			Set: func(v attr.Value) error {
				s.SetBlocking(v.Bool)
				return nil
			},
		},
		{
			Name: attr.Type,
			Type: attr.TypeString,
			Get: func() (attr.Value, error) {
				return attr.Value{Type: attr.TypeString, String: s.Role().String()}, nil
			},
		},
		{
			Name: attr.Transport,
			Type: attr.TypeString,
			Get: func() (attr.Value, error) {
				return attr.Value{Type: attr.TypeString, String: s.GetTransport()}, nil
			},
		},
		localAddrDescriptor(s),
	}

	if s.Role() == transport.RoleConnection {
		descs = append(descs, connectionOnlyAttrs(s)...)
	}
	return descs
}

func localAddrDescriptor(s *Socket) attr.Descriptor {
	d := attr.Descriptor{Name: attr.LocalAddr, Type: attr.TypeString}
	if g, ok := s.impl.(transport.LocalAddrGetter); ok {
		d.Get = func() (attr.Value, error) {
			addrStr, err := g.GetLocalAddr()
			if err != nil {
				return attr.Value{}, err
			}
			return attr.Value{Type: attr.TypeString, String: addrStr}, nil
		}
	}
	if setter, ok := s.impl.(transport.LocalAddrSetter); ok {
		d.Set = func(v attr.Value) error {
			return setter.SetLocalAddr(v.String)
		}
	} else {
		// set_local_addr is optional per transport; when absent the
		// framework reports permission-denied.
		d.Set = func(attr.Value) error {
			return xerrors.TraceNew("permission denied: set_local_addr not supported")
		}
	}
	return d
}

func connectionOnlyAttrs(s *Socket) []attr.Descriptor {
	conn, _ := s.impl.(transport.ConnSocket)

	descs := []attr.Descriptor{
		{
			Name: attr.RemoteAddr,
			Type: attr.TypeString,
			Get: func() (attr.Value, error) {
				if conn == nil {
					return attr.Value{}, xerrors.TraceNew("not a connection socket")
				}
				a, err := conn.GetRemoteAddr()
				if err != nil {
					return attr.Value{}, err
				}
				return attr.Value{Type: attr.TypeString, String: a}, nil
			},
		},
		{
			Name: attr.MaxMsgSize,
			Type: attr.TypeInt64,
			Get: func() (attr.Value, error) {
				if conn == nil {
					return attr.Value{}, xerrors.TraceNew("not a connection socket")
				}
				return attr.Value{Type: attr.TypeInt64, Int64: int64(conn.MaxMsg())}, nil
			},
		},
	}

	counterDesc := func(name string, get func() uint64) attr.Descriptor {
		return attr.Descriptor{
			Name: name,
			Type: attr.TypeInt64,
			Get: func() (attr.Value, error) {
				if cg, ok := s.impl.(transport.CntGetter); ok {
					if v, ok := cg.GetCnt(name); ok {
						return attr.Value{Type: attr.TypeInt64, Int64: int64(v)}, nil
					}
				}
				return attr.Value{Type: attr.TypeInt64, Int64: int64(get())}, nil
			},
		}
	}

	descs = append(descs,
		counterDesc(attr.ToAppMsgs, s.Counters.ToAppMsgs.Load),
		counterDesc(attr.ToAppBytes, s.Counters.ToAppBytes.Load),
		counterDesc(attr.FromAppMsgs, s.Counters.FromAppMsgs.Load),
		counterDesc(attr.FromAppBytes, s.Counters.FromAppBytes.Load),
		counterDesc(attr.ToLowerMsgs, s.Counters.ToLowerMsgs.Load),
		counterDesc(attr.ToLowerBytes, s.Counters.ToLowerBytes.Load),
		counterDesc(attr.FromLowerMsgs, s.Counters.FromLowerMsgs.Load),
		counterDesc(attr.FromLowerBytes, s.Counters.FromLowerBytes.Load),
	)
	return descs
}
