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

package framing

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutErr mimics a would-block deadline error from a net.Conn.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// chokedWriter accepts at most quota bytes in total, then times out.
type chokedWriter struct {
	buf   bytes.Buffer
	quota int
}

func (w *chokedWriter) Write(p []byte) (int, error) {
	if w.quota <= 0 {
		return 0, timeoutErr{}
	}
	n := len(p)
	if n > w.quota {
		n = w.quota
	}
	w.quota -= n
	w.buf.Write(p[:n])
	if n < len(p) {
		return n, timeoutErr{}
	}
	return n, nil
}

// chokedReader serves from a backing buffer, at most quota bytes per top-up.
type chokedReader struct {
	buf   bytes.Buffer
	quota int
}

func (r *chokedReader) Read(p []byte) (int, error) {
	if r.quota <= 0 {
		return 0, timeoutErr{}
	}
	if len(p) > r.quota {
		p = p[:r.quota]
	}
	n, err := r.buf.Read(p)
	r.quota -= n
	if err == io.EOF && n == 0 {
		return 0, timeoutErr{}
	}
	return n, nil
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := []byte("hello")

	require.NoError(t, WriteFrame(&buf, msg))

	out := make([]byte, 64)
	n, err := ReadFrame(&buf, out)
	require.NoError(t, err)
	assert.Equal(t, msg, out[:n])
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxMsgSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, buf.Len(), "no partial frame may be emitted")
}

func TestReadFrameOverflowDrains(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))
	require.NoError(t, WriteFrame(&buf, []byte("next")))

	out := make([]byte, 10)
	_, err := ReadFrame(&buf, out)
	require.Error(t, err)

	// The oversized frame was drained; the stream is still in sync.
	n, err := ReadFrame(&buf, out)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), out[:n])
}

func TestSendBufferResumesAcrossWouldBlock(t *testing.T) {
	var sb SendBuffer
	msg := []byte("a somewhat longer message body")
	require.NoError(t, sb.Queue(msg))
	assert.False(t, sb.Empty())

	// One pending frame at a time.
	assert.Error(t, sb.Queue([]byte("x")))

	w := &chokedWriter{quota: 7}
	err := sb.Flush(w)
	require.Error(t, err)
	assert.False(t, sb.Empty())

	// Retries pick up exactly where the short write stopped.
	for !sb.Empty() {
		w.quota = 3
		_ = sb.Flush(w)
	}

	out := make([]byte, 64)
	n, err := ReadFrame(&w.buf, out)
	require.NoError(t, err)
	assert.Equal(t, msg, out[:n])
}

func TestReceiverResumesAcrossWouldBlock(t *testing.T) {
	r := &chokedReader{}
	msg := []byte("fragmented delivery")
	require.NoError(t, WriteFrame(&r.buf, msg))

	var rec Receiver
	out := make([]byte, 64)

	// Header split across attempts, then payload split again.
	r.quota = 2
	_, err := rec.Receive(r, out)
	require.Error(t, err)

	r.quota = 5
	_, err = rec.Receive(r, out)
	require.Error(t, err)

	r.quota = 1 << 20
	n, err := rec.Receive(r, out)
	require.NoError(t, err)
	assert.Equal(t, msg, out[:n])
}

func TestReceiverOverflowDrains(t *testing.T) {
	r := &chokedReader{quota: 1 << 20}
	require.NoError(t, WriteFrame(&r.buf, make([]byte, 100)))
	require.NoError(t, WriteFrame(&r.buf, []byte("next")))

	var rec Receiver
	small := make([]byte, 10)
	_, err := rec.Receive(r, small)
	require.Error(t, err)

	n, err := rec.Receive(r, small)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), small[:n])
}

func TestEmptyMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	out := make([]byte, 8)
	n, err := ReadFrame(&buf, out)
	require.NoError(t, err)
	assert.Zero(t, n)
}
