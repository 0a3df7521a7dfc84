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

package xcm

import (
	"errors"
	"io"
	"strings"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/core"
	"github.com/abiaog/xcm/internal/transport"
)

// ErrorKind classifies a failure the way a caller needs to branch on it:
// retry, fall back, or give up. Internally every layer below this package
// returns a plain Go error (traced, %w-wrapped); classification into this
// vocabulary happens once, here, at the outermost boundary.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindWouldBlock
	KindClosedByPeer
	KindConnectionRefused
	KindReset
	KindTimeout
	KindUnreachable
	KindProtocol
	KindAddrParse
	KindProtoNotAvailable
	KindOverflow
	KindPermission
	KindMessageTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindWouldBlock:
		return "would-block"
	case KindClosedByPeer:
		return "closed-by-peer"
	case KindConnectionRefused:
		return "connection-refused"
	case KindReset:
		return "reset"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindProtocol:
		return "protocol"
	case KindAddrParse:
		return "addr-parse"
	case KindProtoNotAvailable:
		return "proto-not-available"
	case KindOverflow:
		return "overflow"
	case KindPermission:
		return "permission"
	case KindMessageTooLarge:
		return "message-too-large"
	default:
		return "unknown"
	}
}

// Error is the error type every Socket method returns on failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsWouldBlock reports whether err is a non-blocking deferral: retry the
// op once the socket's event fd signals readable.
func IsWouldBlock(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.Kind == KindWouldBlock
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, core.ErrWouldBlock):
		return KindWouldBlock
	case errors.Is(err, io.EOF):
		return KindClosedByPeer
	case errors.Is(err, transport.ErrConnRefused):
		return KindConnectionRefused
	case errors.Is(err, transport.ErrProtoNotAvailable):
		return KindProtoNotAvailable
	case errors.Is(err, transport.ErrMessageTooLarge):
		return KindMessageTooLarge
	case errors.Is(err, attr.ErrOverflow):
		return KindOverflow
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "addr-parse"):
		return KindAddrParse
	case strings.Contains(msg, "permission denied"):
		return KindPermission
	case strings.Contains(msg, "message-too-large"):
		return KindMessageTooLarge
	case strings.Contains(msg, "connection-refused"), strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "broken pipe"):
		return KindClosedByPeer
	case strings.Contains(msg, "connection reset"):
		return KindReset
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "i/o timeout"):
		return KindTimeout
	case strings.Contains(msg, "unreachable"), strings.Contains(msg, "no route to host"):
		return KindUnreachable
	default:
		return KindProtocol
	}
}
