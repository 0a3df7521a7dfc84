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

package xcm_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abiaog/xcm"
	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/ctl"
)

func localAddr(t *testing.T, s *xcm.Socket) string {
	v, err := s.Attr("xcm.local_addr")
	require.NoError(t, err)
	addr, ok := v.(string)
	require.True(t, ok)
	return addr
}

func transportOf(t *testing.T, s *xcm.Socket) string {
	v, err := s.Attr("xcm.transport")
	require.NoError(t, err)
	name, ok := v.(string)
	require.True(t, ok)
	return name
}

// dialAccept binds saddr, dials the server's reported local address, and
// accepts the resulting connection.
func dialAccept(t *testing.T, saddr string) (srv, sconn, cconn *xcm.Socket) {
	var err error
	srv, err = xcm.Server(saddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	target := localAddr(t, srv)

	done := make(chan error, 1)
	go func() {
		var dialErr error
		cconn, dialErr = xcm.Connect(context.Background(), target)
		done <- dialErr
	}()

	sconn, err = srv.Accept(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sconn.Close() })

	require.NoError(t, <-done)
	t.Cleanup(func() { _ = cconn.Close() })

	return srv, sconn, cconn
}

func roundTrip(t *testing.T, from, to *xcm.Socket, msg string) {
	ctx := context.Background()
	require.NoError(t, from.Send(ctx, []byte(msg)))

	buf := make([]byte, 65536)
	n, err := to.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf[:n]))
}

func TestUXRoundTrip(t *testing.T) {
	saddr := fmt.Sprintf("ux:xcmtest-rt-%d", os.Getpid())
	_, sconn, cconn := dialAccept(t, saddr)

	roundTrip(t, cconn, sconn, "hello")
	roundTrip(t, sconn, cconn, "world")
	assert.Equal(t, "ux", transportOf(t, cconn))
}

func TestTCPRoundTrip(t *testing.T) {
	_, sconn, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	for i := 0; i < 100; i++ {
		roundTrip(t, cconn, sconn, fmt.Sprintf("message %d", i))
	}
	roundTrip(t, sconn, cconn, "reply")

	v, err := cconn.Attr("xcm.remote_addr")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(v.(string), "tcp:127.0.0.1:"))

	v, err = cconn.Attr("xcm.max_msg_size")
	require.NoError(t, err)
	assert.Equal(t, int64(262144), v.(int64))
}

func TestTLSRoundTrip(t *testing.T) {
	_, sconn, cconn := dialAccept(t, "tls:127.0.0.1:0")

	roundTrip(t, cconn, sconn, "over tls")
	roundTrip(t, sconn, cconn, "and back")
	assert.Equal(t, "tls", transportOf(t, cconn))
}

func TestSCTPRoundTrip(t *testing.T) {
	srv, err := xcm.Server("sctp:127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	target := localAddr(t, srv)

	// The server-side stream only materializes when the client's first
	// message arrives, so the send must precede Accept's completion.
	acceptCh := make(chan *xcm.Socket, 1)
	go func() {
		sconn, acceptErr := srv.Accept(context.Background())
		if acceptErr != nil {
			acceptCh <- nil
			return
		}
		acceptCh <- sconn
	}()

	cconn, err := xcm.Connect(context.Background(), target)
	require.NoError(t, err)
	defer cconn.Close()

	require.NoError(t, cconn.Send(context.Background(), []byte("over sctp")))

	sconn := <-acceptCh
	require.NotNil(t, sconn)
	defer sconn.Close()

	buf := make([]byte, 65536)
	n, err := sconn.Receive(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "over sctp", string(buf[:n]))

	roundTrip(t, sconn, cconn, "and back")
	assert.Equal(t, "sctp", transportOf(t, cconn))
}

// Scenario: a UTLS client co-resident with the server resolves to local
// IPC, invisibly to either side's message flow.
func TestUTLSLocalWins(t *testing.T) {
	srv, sconn, cconn := dialAccept(t, "utls:127.0.0.1:0")

	assert.Equal(t, "utls", transportOf(t, srv))
	assert.Equal(t, "ux", transportOf(t, cconn))
	assert.Equal(t, "ux", transportOf(t, sconn))

	roundTrip(t, cconn, sconn, "hello")
}

// Scenario: binding port 0 must report the kernel-assigned port in the
// canonical utls form, and that address must be directly dialable.
func TestUTLSPortZeroBind(t *testing.T) {
	srv, err := xcm.Server("utls:127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	bound := localAddr(t, srv)
	require.True(t, strings.HasPrefix(bound, "utls:127.0.0.1:"))

	port, err := strconv.Atoi(bound[strings.LastIndexByte(bound, ':')+1:])
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	done := make(chan error, 1)
	var cconn *xcm.Socket
	go func() {
		var dialErr error
		cconn, dialErr = xcm.Connect(context.Background(), bound)
		done <- dialErr
	}()

	sconn, err := srv.Accept(context.Background())
	require.NoError(t, err)
	defer sconn.Close()
	require.NoError(t, <-done)
	defer cconn.Close()

	assert.Equal(t, "ux", transportOf(t, cconn))
}

// Scenario: with no co-resident local-IPC listener the local probe is
// refused and the client falls back to TLS.
func TestUTLSFallsBackToTLS(t *testing.T) {
	srv, err := xcm.Server("tls:127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	tlsAddr := localAddr(t, srv)
	utlsAddr := "utls" + strings.TrimPrefix(tlsAddr, "tls")

	done := make(chan error, 1)
	var cconn *xcm.Socket
	go func() {
		var dialErr error
		cconn, dialErr = xcm.Connect(context.Background(), utlsAddr)
		done <- dialErr
	}()

	sconn, err := srv.Accept(context.Background())
	require.NoError(t, err)
	defer sconn.Close()
	require.NoError(t, <-done)
	defer cconn.Close()

	assert.Equal(t, "tls", transportOf(t, cconn))
	roundTrip(t, cconn, sconn, "hello")

	// Sub-socket attributes surface through the composite's proxy table.
	v, err := cconn.Attr("tls.peer_subject")
	require.NoError(t, err)
	assert.Contains(t, v.(string), "xcm")
}

// A non-blocking connect must return a live socket immediately; the dial
// proceeds in the background and ops report would-block until it settles.
func TestNonBlockingConnectWouldBlock(t *testing.T) {
	// A raw listener that accepts but never speaks TLS keeps the dial's
	// handshake in flight indefinitely.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	held := make(chan net.Conn, 8)
	go func() {
		for {
			c, acceptErr := l.Accept()
			if acceptErr != nil {
				return
			}
			held <- c
		}
	}()
	defer func() {
		for {
			select {
			case c := <-held:
				_ = c.Close()
			default:
				return
			}
		}
	}()

	start := time.Now()
	conn, err := xcm.ConnectA(context.Background(), "tls:"+l.Addr().String(),
		xcm.Attrs{"xcm.blocking": false})
	require.NoError(t, err)
	defer conn.Close()

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, conn.Blocking())
	assert.Equal(t, "tls", transportOf(t, conn))

	err = conn.Finish(context.Background())
	require.Error(t, err)
	assert.True(t, xcm.IsWouldBlock(err))

	err = conn.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.True(t, xcm.IsWouldBlock(err))
}

// A non-blocking connect to a dead port surfaces connection-refused via
// finish once the background dial settles.
func TestNonBlockingConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := "tcp:" + l.Addr().String()
	require.NoError(t, l.Close())

	conn, err := xcm.ConnectA(context.Background(), target,
		xcm.Attrs{"xcm.blocking": false})
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	var ferr error
	for time.Now().Before(deadline) {
		ferr = conn.Finish(context.Background())
		if ferr == nil || !xcm.IsWouldBlock(ferr) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Error(t, ferr)
	require.False(t, xcm.IsWouldBlock(ferr))

	var xe *xcm.Error
	require.ErrorAs(t, ferr, &xe)
	assert.Equal(t, xcm.KindConnectionRefused, xe.Kind)
}

// A completed non-blocking connect behaves like any established socket.
func TestNonBlockingConnectCompletes(t *testing.T) {
	srv, err := xcm.Server("tcp:127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	target := localAddr(t, srv)

	conn, err := xcm.ConnectA(context.Background(), target,
		xcm.Attrs{"xcm.blocking": false})
	require.NoError(t, err)
	defer conn.Close()

	sconn, err := srv.Accept(context.Background())
	require.NoError(t, err)
	defer sconn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		err = conn.Finish(context.Background())
		if !xcm.IsWouldBlock(err) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, err)

	conn.SetBlocking(true)
	roundTrip(t, conn, sconn, "hello")
}

func TestNonBlockingReceiveWouldBlock(t *testing.T) {
	_, sconn, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	cconn.SetBlocking(false)
	require.NoError(t, cconn.Await(xcm.Readable))

	buf := make([]byte, 1024)
	_, err := cconn.Receive(context.Background(), buf)
	require.Error(t, err)
	assert.True(t, xcm.IsWouldBlock(err))

	// Would-block is transient, not sticky.
	cconn.SetBlocking(true)
	roundTrip(t, cconn, sconn, "still usable")
}

func TestBlockingAttrRoundTrip(t *testing.T) {
	_, _, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	require.NoError(t, cconn.SetAttr("xcm.blocking", false))
	v, err := cconn.Attr("xcm.blocking")
	require.NoError(t, err)
	assert.Equal(t, false, v)
	assert.False(t, cconn.Blocking())

	require.NoError(t, cconn.SetAttr("xcm.blocking", true))
	assert.True(t, cconn.Blocking())

	// Read-only attributes reject writes.
	assert.Error(t, cconn.SetAttr("xcm.type", "server"))
	// Type mismatches are rejected before the setter runs.
	assert.Error(t, cconn.SetAttr("xcm.blocking", "yes"))
}

func TestTransportSpecificAttrs(t *testing.T) {
	_, _, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	require.NoError(t, cconn.SetAttr("tcp.keepalive_time", int64(30)))
	v, err := cconn.Attr("tcp.keepalive_time")
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
}

func TestTLSPeerSubject(t *testing.T) {
	_, _, cconn := dialAccept(t, "tls:127.0.0.1:0")

	// The client sees the server's self-signed certificate.
	v, err := cconn.Attr("tls.peer_subject")
	require.NoError(t, err)
	assert.Contains(t, v.(string), "xcm")
}

func TestCounters(t *testing.T) {
	_, sconn, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	for i := 0; i < 3; i++ {
		roundTrip(t, cconn, sconn, "hello")
	}

	counter := func(s *xcm.Socket, name string) int64 {
		v, err := s.Attr(name)
		require.NoError(t, err)
		return v.(int64)
	}

	assert.Equal(t, int64(3), counter(cconn, "xcm.from_app_msgs"))
	assert.Equal(t, int64(15), counter(cconn, "xcm.from_app_bytes"))
	assert.Equal(t, int64(3), counter(sconn, "xcm.to_app_msgs"))
	assert.Equal(t, int64(15), counter(sconn, "xcm.to_app_bytes"))

	// from_app >= to_lower and from_lower >= to_app, per the counter
	// flow invariants.
	assert.GreaterOrEqual(t, counter(cconn, "xcm.from_app_msgs"), counter(cconn, "xcm.to_lower_msgs"))
	assert.GreaterOrEqual(t, counter(sconn, "xcm.from_lower_msgs"), counter(sconn, "xcm.to_app_msgs"))
}

func TestAllAttrs(t *testing.T) {
	_, _, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	attrs, err := cconn.AllAttrs()
	require.NoError(t, err)

	assert.Equal(t, "connection", attrs["xcm.type"])
	assert.Equal(t, "tcp", attrs["xcm.transport"])
	assert.Contains(t, attrs, "xcm.local_addr")
	for _, counterName := range []string{
		"xcm.to_app_msgs", "xcm.to_app_bytes",
		"xcm.from_app_msgs", "xcm.from_app_bytes",
		"xcm.to_lower_msgs", "xcm.to_lower_bytes",
		"xcm.from_lower_msgs", "xcm.from_lower_bytes",
	} {
		require.Contains(t, attrs, counterName)
		_, isInt := attrs[counterName].(int64)
		assert.True(t, isInt, counterName)
	}
}

// Scenario: an introspection client reads a live TLS connection's full
// attribute set over the control channel.
func TestCtlGetAllAttrs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XCM_CTL", dir)

	_, _, cconn := dialAccept(t, "tls:127.0.0.1:0")
	cconn.EnableCtl()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Servicing is inline: a background op stream stands in for the
	// owner's normal API activity.
	stop := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-stop:
				return
			default:
				_ = cconn.Finish(context.Background())
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	defer func() {
		close(stop)
		<-pumpDone
	}()

	client, err := ctl.Dial(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer client.Close()

	snaps, err := client.GetAllAttrs()
	require.NoError(t, err)

	byName := map[string]interface{}{}
	for _, snap := range snaps {
		switch snap.Value.Type {
		case attr.TypeString:
			byName[snap.Name] = snap.Value.String
		case attr.TypeInt64:
			byName[snap.Name] = snap.Value.Int64
		default:
			byName[snap.Name] = nil
		}
	}

	assert.Equal(t, "connection", byName["xcm.type"])
	assert.Equal(t, "tls", byName["xcm.transport"])
	for _, counterName := range []string{
		"xcm.to_app_msgs", "xcm.to_app_bytes",
		"xcm.from_app_msgs", "xcm.from_app_bytes",
		"xcm.to_lower_msgs", "xcm.to_lower_bytes",
		"xcm.from_lower_msgs", "xcm.from_lower_bytes",
	} {
		require.Contains(t, byName, counterName)
		_, isInt := byName[counterName].(int64)
		assert.True(t, isInt, counterName)
	}
}

// Scenario: UTLS server control enablement yields three listeners, one
// for the composite and one per sub-socket.
func TestUTLSServerCtlListeners(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XCM_CTL", dir)

	srv, err := xcm.Server("utls:127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	srv.EnableCtl()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

// Scenario: a control client that connects and then goes silent must not
// stall the owner's traffic.
func TestBlockedCtlClientDoesNotStallTraffic(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XCM_CTL", dir)

	saddr := fmt.Sprintf("ux:xcmtest-ctlstall-%d", os.Getpid())
	_, sconn, cconn := dialAccept(t, saddr)
	sconn.EnableCtl()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := net.Dial("unixpacket", filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer raw.Close()

	ctx := context.Background()
	buf := make([]byte, 1024)
	for i := 0; i < 2000; i++ {
		require.NoError(t, cconn.Send(ctx, []byte("payload")))
		n, err := sconn.Receive(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, 7, n)
	}
}

func TestProtoNotAvailable(t *testing.T) {
	_, err := xcm.Connect(context.Background(), "nosuch:127.0.0.1:4711")
	require.Error(t, err)

	var xe *xcm.Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, xcm.KindProtoNotAvailable, xe.Kind)
}

func TestAddrParseError(t *testing.T) {
	_, err := xcm.Server("tcp:noport")
	require.Error(t, err)

	var xe *xcm.Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, xcm.KindAddrParse, xe.Kind)
}

func TestConnectionRefused(t *testing.T) {
	// Bind a listener and close it again to obtain a port with nothing
	// behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := "tcp:" + l.Addr().String()
	require.NoError(t, l.Close())

	_, err = xcm.Connect(context.Background(), target)
	require.Error(t, err)

	var xe *xcm.Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, xcm.KindConnectionRefused, xe.Kind)
}

func TestCloseSemantics(t *testing.T) {
	var nilSock *xcm.Socket
	assert.NoError(t, nilSock.Close())
	nilSock.Cleanup()

	_, sconn, cconn := dialAccept(t, "tcp:127.0.0.1:0")
	require.NoError(t, cconn.Close())
	require.NoError(t, cconn.Close(), "second close is a no-op")
	require.NoError(t, sconn.Close())
}

func TestServerSocketRejectsSend(t *testing.T) {
	srv, err := xcm.Server("tcp:127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	require.Error(t, srv.Send(context.Background(), []byte("x")))
	_, err = srv.Receive(context.Background(), make([]byte, 16))
	require.Error(t, err)
}

func TestMessageTooLarge(t *testing.T) {
	_, _, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	err := cconn.Send(context.Background(), make([]byte, 262145))
	require.Error(t, err)

	var xe *xcm.Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, xcm.KindMessageTooLarge, xe.Kind)
}

func TestEventFDStable(t *testing.T) {
	_, _, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	fd := cconn.FD()
	require.NotNil(t, fd)
	assert.Equal(t, fd, cconn.FD(), "event descriptor is stable for the socket's lifetime")
}

func TestOrderingPreserved(t *testing.T) {
	_, sconn, cconn := dialAccept(t, "tcp:127.0.0.1:0")

	ctx := context.Background()
	const count = 500
	go func() {
		for i := 0; i < count; i++ {
			_ = cconn.Send(ctx, []byte(strconv.Itoa(i)))
		}
	}()

	buf := make([]byte, 64)
	for i := 0; i < count; i++ {
		n, err := sconn.Receive(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(i), string(buf[:n]))
	}
}
