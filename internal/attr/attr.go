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

// Package attr implements the per-socket typed attribute framework: a
// generic (common) attribute set present on every socket, plus whatever
// attributes a transport layers on top, with get/set dispatched through
// descriptors rather than a hand-maintained switch per transport.
package attr

import (
	"fmt"
)

// ValueType is the wire/runtime type of an attribute value.
type ValueType int

const (
	TypeBool ValueType = iota
	TypeInt64
	TypeString
	TypeBinary
)

func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt64:
		return "int64"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Well-known common attribute names; CTL clients key on these strings,
// so they are part of the wire vocabulary.
const (
	Blocking       = "xcm.blocking"
	Type           = "xcm.type"
	Transport      = "xcm.transport"
	LocalAddr      = "xcm.local_addr"
	RemoteAddr     = "xcm.remote_addr"
	MaxMsgSize     = "xcm.max_msg_size"
	ToAppMsgs      = "xcm.to_app_msgs"
	ToAppBytes     = "xcm.to_app_bytes"
	FromAppMsgs    = "xcm.from_app_msgs"
	FromAppBytes   = "xcm.from_app_bytes"
	ToLowerMsgs    = "xcm.to_lower_msgs"
	ToLowerBytes   = "xcm.to_lower_bytes"
	FromLowerMsgs  = "xcm.from_lower_msgs"
	FromLowerBytes = "xcm.from_lower_bytes"
)

// GetFunc produces the current value of an attribute. Strings are returned
// without a NUL terminator; the wire encoder appends it where required.
type GetFunc func() (Value, error)

// SetFunc applies a new value to an attribute.
type SetFunc func(v Value) error

// Value is a typed attribute value.
type Value struct {
	Type   ValueType
	Bool   bool
	Int64  int64
	String string
	Binary []byte
}

// Descriptor describes one gettable/settable attribute. A nil Get or Set
// makes the attribute write-only or read-only respectively.
type Descriptor struct {
	Name  string
	Type  ValueType
	Get   GetFunc
	Set   SetFunc
	// ID is a small dense index used by transports (notably UTLS) that need
	// to recover a descriptor's position in its owning slice without
	// pointer arithmetic.
	ID int
}

// Readable reports whether the attribute supports Get.
func (d Descriptor) Readable() bool { return d.Get != nil }

// Writable reports whether the attribute supports Set.
func (d Descriptor) Writable() bool { return d.Set != nil }

// ErrOverflow is returned by wire encoders when a value does not fit the
// supplied buffer.
var ErrOverflow = fmt.Errorf("attribute value overflow")

// ErrNotFound is returned when no descriptor matches the requested name.
var ErrNotFound = fmt.Errorf("attribute not found")

// Map is an unordered key to typed value collection, the input to the
// *_a creation variants (Connect-with-attributes, Server-with-attributes).
type Map map[string]Value

// SetBool records a bool attribute.
func (m Map) SetBool(name string, v bool) { m[name] = Value{Type: TypeBool, Bool: v} }

// SetInt64 records an int64 attribute.
func (m Map) SetInt64(name string, v int64) { m[name] = Value{Type: TypeInt64, Int64: v} }

// SetString records a string attribute.
func (m Map) SetString(name string, v string) { m[name] = Value{Type: TypeString, String: v} }

// GetBool fetches a bool attribute, if present and well-typed.
func (m Map) GetBool(name string) (bool, bool) {
	v, ok := m[name]
	if !ok || v.Type != TypeBool {
		return false, false
	}
	return v.Bool, true
}

// GetString fetches a string attribute, if present and well-typed.
func (m Map) GetString(name string) (string, bool) {
	v, ok := m[name]
	if !ok || v.Type != TypeString {
		return "", false
	}
	return v.String, true
}

// Snapshot is a named attribute value, the shape CTL's GET_ATTR_CFM and
// GET_ALL_ATTR_CFM carry over the wire.
type Snapshot struct {
	Name  string
	Value Value
}

// Snapshot evaluates the descriptor's current value.
func (d Descriptor) Snapshot() (Snapshot, error) {
	if d.Get == nil {
		return Snapshot{}, fmt.Errorf("attribute %q is write-only", d.Name)
	}
	v, err := d.Get()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Name: d.Name, Value: v}, nil
}
