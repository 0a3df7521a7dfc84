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

// Package framing implements the length-prefixed message framing shared by
// the stream-oriented transports (tcp, tls, sctp): a 4-byte big-endian
// length header followed by the payload, giving XCM's message-preserving
// semantics over byte-stream connections.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMsgSize bounds a single XCM message over a framed stream transport.
const MaxMsgSize = 262144

// ErrMessageTooLarge is returned by WriteFrame when msg exceeds MaxMsgSize.
var ErrMessageTooLarge = fmt.Errorf("message exceeds max size")

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxMsgSize {
		return ErrMessageTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(msg) == 0 {
		return nil
	}
	_, err := w.Write(msg)
	return err
}

// ReadFrame reads one length-prefixed frame into buf, returning the number
// of bytes written. io.EOF propagates as closed-by-peer.
func ReadFrame(r io.Reader, buf []byte) (int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n > len(buf) {
		// Drain the oversized frame so the stream stays in sync, then
		// report overflow to the caller.
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("received message (%d bytes) exceeds receive buffer (%d bytes)", n, len(buf))
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// SendBuffer holds at most one serialized outbound frame whose flush to the
// lower layer may span several would-block retries. A new message is only
// accepted once the previous frame has fully drained, so a partial write
// never interleaves with the next frame's header.
type SendBuffer struct {
	buf []byte
	off int
}

// Empty reports whether no frame bytes remain pending.
func (s *SendBuffer) Empty() bool { return s.off >= len(s.buf) }

// Queue serializes msg into the buffer. The caller must have drained any
// previous frame first.
func (s *SendBuffer) Queue(msg []byte) error {
	if !s.Empty() {
		return fmt.Errorf("previous frame still pending")
	}
	if len(msg) > MaxMsgSize {
		return ErrMessageTooLarge
	}
	s.buf = s.buf[:0]
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	s.buf = append(s.buf, hdr[:]...)
	s.buf = append(s.buf, msg...)
	s.off = 0
	return nil
}

// Flush writes as much of the pending frame as w accepts, retaining the
// rest for the next call. A short write leaves the buffer non-empty and
// returns the write error (typically a timeout the caller maps to
// would-block); complete drain returns nil.
func (s *SendBuffer) Flush(w io.Writer) error {
	for !s.Empty() {
		n, err := w.Write(s.buf[s.off:])
		s.off += n
		if err != nil {
			return err
		}
	}
	return nil
}

// Receiver accumulates one inbound frame across would-block retries: header
// first, then payload, so a read that stops mid-frame never loses stream
// sync. State resets once a complete frame is handed to the caller.
type Receiver struct {
	hdr     [4]byte
	hdrN    int
	msg     []byte
	msgN    int
	discard int
}

// Receive advances the in-progress frame with whatever r has available.
// It returns the complete message copied into buf, or the underlying read
// error (a timeout means retry later; progress so far is retained).
func (r *Receiver) Receive(src io.Reader, buf []byte) (int, error) {
	for r.hdrN < len(r.hdr) {
		n, err := src.Read(r.hdr[r.hdrN:])
		r.hdrN += n
		if err != nil {
			return 0, err
		}
	}

	if r.msg == nil && r.discard == 0 {
		size := int(binary.BigEndian.Uint32(r.hdr[:]))
		if size > MaxMsgSize {
			return 0, fmt.Errorf("received frame header claims %d bytes", size)
		}
		if size > len(buf) {
			r.discard = size
		} else {
			r.msg = make([]byte, size)
			r.msgN = 0
		}
	}

	// An oversized frame is drained so the stream stays in sync, then
	// reported as overflow.
	if r.discard > 0 {
		chunk := make([]byte, 4096)
		for r.discard > 0 {
			want := len(chunk)
			if r.discard < want {
				want = r.discard
			}
			n, err := src.Read(chunk[:want])
			r.discard -= n
			if err != nil {
				return 0, err
			}
		}
		r.reset()
		return 0, fmt.Errorf("received message exceeds receive buffer (%d bytes)", len(buf))
	}

	for r.msgN < len(r.msg) {
		n, err := src.Read(r.msg[r.msgN:])
		r.msgN += n
		if err != nil {
			return 0, err
		}
	}

	n := copy(buf, r.msg)
	r.reset()
	return n, nil
}

func (r *Receiver) reset() {
	r.hdrN = 0
	r.msg = nil
	r.msgN = 0
	r.discard = 0
}
