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

package ctl

import (
	"encoding/binary"
	"fmt"

	"github.com/abiaog/xcm/internal/attr"
)

// Wire constants for the fixed-size record protocol. All integers are
// encoded little-endian on every host, which equals host byte order only
// on little-endian machines.
const (
	maxNameLen  = 128
	maxValueLen = 1024
	maxAttrs    = 128

	kindGetAttrReq    = 1
	kindGetAttrCfm    = 2
	kindGetAttrRej    = 3
	kindGetAllAttrReq = 4
	kindGetAllAttrCfm = 5
)

// errno values carried by GET_ATTR_REJ.
const (
	rejErrnoNotFound = 2  // ENOENT
	rejErrnoInval    = 22 // EINVAL
	rejErrnoOverflow = 75 // EOVERFLOW
)

// wireAttr is the fixed-size on-wire attribute shape:
// { name (bounded string), value_type (tag), value_bytes (bounded), value_len }.
type wireAttr struct {
	name      string
	valueType attr.ValueType
	value     []byte
}

func encodeWireAttr(buf []byte, a wireAttr) ([]byte, error) {
	buf, err := appendString(buf, a.name, maxNameLen)
	if err != nil {
		return nil, err
	}
	buf = appendUint32(buf, uint32(a.valueType))
	return appendBytes(buf, a.value, maxValueLen)
}

func decodeWireAttr(buf []byte) (wireAttr, []byte, error) {
	name, buf, err := readString(buf, maxNameLen)
	if err != nil {
		return wireAttr{}, nil, err
	}
	vt, buf, err := readUint32(buf)
	if err != nil {
		return wireAttr{}, nil, err
	}
	val, buf, err := readBytes(buf, maxValueLen)
	if err != nil {
		return wireAttr{}, nil, err
	}
	return wireAttr{name: name, valueType: attr.ValueType(vt), value: val}, buf, nil
}

func valueToWire(v attr.Value) []byte {
	switch v.Type {
	case attr.TypeBool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case attr.TypeInt64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v.Int64))
		return b
	case attr.TypeString:
		b := make([]byte, 0, len(v.String)+1)
		b = append(b, v.String...)
		b = append(b, 0)
		return b
	case attr.TypeBinary:
		return v.Binary
	default:
		return nil
	}
}

func wireToValue(vt attr.ValueType, b []byte) attr.Value {
	switch vt {
	case attr.TypeBool:
		return attr.Value{Type: vt, Bool: len(b) > 0 && b[0] != 0}
	case attr.TypeInt64:
		var n uint64
		if len(b) >= 8 {
			n = binary.LittleEndian.Uint64(b)
		}
		return attr.Value{Type: vt, Int64: int64(n)}
	case attr.TypeString:
		s := string(b)
		for i, c := range b {
			if c == 0 {
				s = string(b[:i])
				break
			}
		}
		return attr.Value{Type: vt, String: s}
	case attr.TypeBinary:
		return attr.Value{Type: vt, Binary: b}
	default:
		return attr.Value{}
	}
}

// request is a decoded CTL request record.
type request struct {
	kind int
	name string
}

func decodeRequest(buf []byte) (request, error) {
	if len(buf) < 4 {
		return request{}, fmt.Errorf("ctl: short request")
	}
	kind := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	switch kind {
	case kindGetAttrReq:
		name, _, err := readString(buf, maxNameLen)
		if err != nil {
			return request{}, err
		}
		return request{kind: kind, name: name}, nil
	case kindGetAllAttrReq:
		return request{kind: kind}, nil
	default:
		return request{}, fmt.Errorf("ctl: unknown request kind %d", kind)
	}
}

func encodeGetAttrReq(name string) ([]byte, error) {
	buf := appendUint32(nil, kindGetAttrReq)
	return appendString(buf, name, maxNameLen)
}

func encodeGetAllAttrReq() []byte {
	return appendUint32(nil, kindGetAllAttrReq)
}

func encodeGetAttrCfm(s attr.Snapshot) ([]byte, error) {
	buf := appendUint32(nil, kindGetAttrCfm)
	return encodeWireAttr(buf, wireAttr{name: s.Name, valueType: s.Value.Type, value: valueToWire(s.Value)})
}

func encodeGetAttrRej(errno int32) []byte {
	buf := appendUint32(nil, kindGetAttrRej)
	buf = appendUint32(buf, uint32(errno))
	return buf
}

// encodeGetAllAttrCfm skips attributes whose name or value exceeds the
// wire bounds: GET_ALL_ATTR has no reject form, and one oversized value
// must not suppress the rest of the set.
func encodeGetAllAttrCfm(snaps []attr.Snapshot) []byte {
	if len(snaps) > maxAttrs {
		snaps = snaps[:maxAttrs]
	}
	body := make([]byte, 0, len(snaps)*(maxNameLen+8+maxValueLen))
	count := uint32(0)
	for _, s := range snaps {
		encoded, err := encodeWireAttr(body, wireAttr{name: s.Name, valueType: s.Value.Type, value: valueToWire(s.Value)})
		if err != nil {
			continue
		}
		body = encoded
		count++
	}
	buf := appendUint32(nil, kindGetAllAttrCfm)
	buf = appendUint32(buf, count)
	return append(buf, body...)
}

// response is a decoded CTL response record, used by the client side (and
// the bundled xcmctl CLI).
type response struct {
	kind  int
	attr  attr.Snapshot
	attrs []attr.Snapshot
	errno int32
}

func decodeResponse(buf []byte) (response, error) {
	if len(buf) < 4 {
		return response{}, fmt.Errorf("ctl: short response")
	}
	kind := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	switch kind {
	case kindGetAttrCfm:
		wa, _, err := decodeWireAttr(buf)
		if err != nil {
			return response{}, err
		}
		return response{kind: kind, attr: attr.Snapshot{Name: wa.name, Value: wireToValue(wa.valueType, wa.value)}}, nil
	case kindGetAttrRej:
		errno, _, err := readUint32(buf)
		if err != nil {
			return response{}, err
		}
		return response{kind: kind, errno: int32(errno)}, nil
	case kindGetAllAttrCfm:
		count, rest, err := readUint32(buf)
		if err != nil {
			return response{}, err
		}
		snaps := make([]attr.Snapshot, 0, count)
		for i := uint32(0); i < count; i++ {
			wa, next, err := decodeWireAttr(rest)
			if err != nil {
				return response{}, err
			}
			snaps = append(snaps, attr.Snapshot{Name: wa.name, Value: wireToValue(wa.valueType, wa.value)})
			rest = next
		}
		return response{kind: kind, attrs: snaps}, nil
	default:
		return response{}, fmt.Errorf("ctl: unknown response kind %d", kind)
	}
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("ctl: short uint32")
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}

func appendString(buf []byte, s string, max int) ([]byte, error) {
	if len(s) > max-1 {
		return nil, attr.ErrOverflow
	}
	b := make([]byte, max)
	copy(b, s)
	return append(buf, b...), nil
}

func readString(buf []byte, max int) (string, []byte, error) {
	if len(buf) < max {
		return "", nil, fmt.Errorf("ctl: short string field")
	}
	field := buf[:max]
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n]), buf[max:], nil
}

func appendBytes(buf []byte, v []byte, max int) ([]byte, error) {
	if len(v) > max {
		return nil, attr.ErrOverflow
	}
	buf = appendUint32(buf, uint32(len(v)))
	b := make([]byte, max)
	copy(b, v)
	return append(buf, b...), nil
}

func readBytes(buf []byte, max int) ([]byte, []byte, error) {
	n, buf, err := readUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if len(buf) < max {
		return nil, nil, fmt.Errorf("ctl: short bytes field")
	}
	field := buf[:max]
	if int(n) > max {
		n = uint32(max)
	}
	out := make([]byte, n)
	copy(out, field[:n])
	return out, buf[max:], nil
}

// maxRecordSize bounds a single CTL record, used for the local-IPC receive
// buffer (CTL is message-preserving, so a record maps to exactly one
// underlying message).
const maxRecordSize = 4 + maxNameLen + 4 + 4 + maxValueLen + (maxAttrs * (maxNameLen + 4 + 4 + maxValueLen)) + 64
