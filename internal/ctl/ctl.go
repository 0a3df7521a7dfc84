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

// Package ctl implements the out-of-band control/introspection channel:
// a local-IPC listener attached to every user socket that serves a
// bounded-concurrency get-attr / get-all-attrs protocol to local clients,
// serviced inline from user API calls rather than from a dedicated thread.
package ctl

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/config"
	"github.com/abiaog/xcm/internal/evfd"
	"github.com/abiaog/xcm/internal/netpoll"
	"github.com/abiaog/xcm/internal/xlog"
)

const maxClients = 2

// Host is what Ctl needs from the socket it is attached to. core.Socket
// implements it; ctl never imports core, avoiding a cycle.
type Host interface {
	SockID() uint64
	EventFD() *evfd.EventFD
	// CostlySyscalls reports whether this socket's transport is a
	// message-oriented kernel transport with expensive per-call syscalls
	// (SCTP), which lowers the servicing threshold.
	CostlySyscalls() bool
	GetAllAttrs() ([]attr.Snapshot, error)
	GetAttr(name string) (attr.Snapshot, error)
}

type clientState int

const (
	stateRecv clientState = iota
	stateSend
	stateDead
)

type client struct {
	conn    *net.UnixConn
	state   clientState
	recvBuf []byte // preallocated, one record per read
	sendBuf []byte // pending response record, nil outside SEND
}

// Ctl is one socket's control channel: listener plus up to two connected
// introspection clients.
type Ctl struct {
	host Host
	log  xlog.Trace

	mu       sync.Mutex
	listener *net.UnixListener
	path     string
	clients  []*client
	slots    *semaphore.Weighted
	deregd   bool // listener currently deregistered from the event fd

	callsSinceProcess uint64

	stopWatch chan struct{}
	watchDone chan struct{}
}

// New creates the control channel for host, or returns nil if the
// control directory is absent or not a directory: the channel is simply
// disabled for this socket, logged but never surfaced to the caller.
func New(host Host, pid int) *Ctl {
	log := xlog.Get().WithFields(xlog.Fields{"component": "ctl", "sock_id": host.SockID()})

	dir := config.CtlDir()
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		log.Warning("ctl directory unavailable, disabling control channel: ", dir)
		return nil
	}

	path := derivePath(dir, pid, host.SockID())
	_ = os.Remove(path)

	// SOCK_SEQPACKET, like the ux transport: one read or write is one
	// record, so the protocol needs no framing of its own.
	addr, err := net.ResolveUnixAddr("unixpacket", path)
	if err != nil {
		log.Warning("ctl: resolve failed: ", err)
		return nil
	}
	l, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		log.Warning("ctl: listen failed: ", err)
		return nil
	}
	l.SetUnlinkOnClose(true)

	c := &Ctl{
		host:      host,
		log:       log,
		listener:  l,
		path:      path,
		slots:     semaphore.NewWeighted(maxClients),
		stopWatch: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	log.Info("ctl listener created at ", path)

	go c.watch()

	return c
}

func derivePath(dir string, pid int, sockID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d-%d", pid, sockID))
}

// watch is a lightweight polling loop whose only job is to notice when the
// listener or a client connection has become actionable and signal the
// parent event fd; the actual protocol work always happens inline, inside
// Process, driven by the tick-threshold scheduler below. A real epoll
// registration is the production equivalent; this avoids building a second
// platform-specific poller next to evfd for a component whose hard part is
// the scheduling policy, not the wakeup mechanism.
func (c *Ctl) watch() {
	defer close(c.watchDone)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopWatch:
			return
		case <-ticker.C:
			c.host.EventFD().SetSource(c, c.actionable())
		}
	}
}

func (c *Ctl) actionable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil && len(c.clients) < maxClients {
		if probeAcceptReady(c.listener) {
			return true
		}
	}
	for _, cl := range c.clients {
		switch cl.state {
		case stateRecv:
			if probeReadReady(cl.conn) {
				return true
			}
		case stateSend:
			return true
		}
	}
	return false
}

func probeAcceptReady(l *net.UnixListener) bool {
	rc, err := l.SyscallConn()
	if err != nil {
		return false
	}
	return netpoll.Readable(rc)
}

func probeReadReady(c *net.UnixConn) bool {
	rc, err := c.SyscallConn()
	if err != nil {
		return false
	}
	return netpoll.Readable(rc)
}

// Process is called from every user operation except update and the get_*
// accessors. It is a no-op until enough calls have accumulated since the
// last real service pass, keeping the per-op overhead bounded.
func (c *Ctl) Process() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.callsSinceProcess++
	threshold := c.threshold()
	if c.callsSinceProcess < threshold {
		c.mu.Unlock()
		return
	}
	c.callsSinceProcess = 0
	c.mu.Unlock()

	c.service()
}

func (c *Ctl) threshold() uint64 {
	costly := c.host.CostlySyscalls()
	hasClients := len(c.clients) > 0
	switch {
	case hasClients && costly:
		return 2
	case !hasClients && costly:
		return 8
	case hasClients:
		return 8
	default:
		return 64
	}
}

func (c *Ctl) service() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acceptOne()

restart:
	for i, cl := range c.clients {
		if c.step(cl) != nil {
			c.removeClient(i)
			goto restart
		}
	}
}

func (c *Ctl) acceptOne() {
	if !c.slots.TryAcquire(1) {
		return
	}
	// A deadline at or before now fails the call before any syscall is
	// tried; a deadline just ahead gives each attempt one real try.
	_ = c.listener.SetDeadline(time.Now().Add(time.Millisecond))
	conn, err := c.listener.Accept()
	if err != nil {
		c.slots.Release(1)
		return
	}
	uc := conn.(*net.UnixConn)
	c.clients = append(c.clients, &client{
		conn:    uc,
		state:   stateRecv,
		recvBuf: make([]byte, maxRecordSize),
	})
	if len(c.clients) >= maxClients {
		c.deregd = true
	}
}

func (c *Ctl) step(cl *client) error {
	switch cl.state {
	case stateRecv:
		return c.stepRecv(cl)
	case stateSend:
		return c.stepSend(cl)
	default:
		return fmt.Errorf("ctl: dead client")
	}
}

func (c *Ctl) stepRecv(cl *client) error {
	_ = cl.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := cl.conn.Read(cl.recvBuf)
	if err != nil {
		if isTimeout(err) {
			return nil // would block; stay in RECV
		}
		return err // read / protocol error -> DEAD
	}
	if n == 0 {
		return fmt.Errorf("ctl: eof")
	}

	req, err := decodeRequest(cl.recvBuf[:n])
	if err != nil {
		return err
	}

	cl.sendBuf = c.respond(req)
	cl.state = stateSend
	return nil
}

func (c *Ctl) stepSend(cl *client) error {
	_ = cl.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	_, err := cl.conn.Write(cl.sendBuf)
	if err != nil {
		if isTimeout(err) {
			return nil // would block; stay in SEND, record intact
		}
		return err
	}
	cl.state = stateRecv
	cl.sendBuf = nil
	return nil
}

func (c *Ctl) respond(req request) []byte {
	switch req.kind {
	case kindGetAttrReq:
		snap, err := c.host.GetAttr(req.name)
		if err != nil {
			return encodeGetAttrRej(rejErrnoNotFound)
		}
		cfm, err := encodeGetAttrCfm(snap)
		if err != nil {
			// Value does not fit the wire record.
			return encodeGetAttrRej(rejErrnoOverflow)
		}
		return cfm
	case kindGetAllAttrReq:
		snaps, err := c.host.GetAllAttrs()
		if err != nil {
			return encodeGetAllAttrCfm(nil)
		}
		return encodeGetAllAttrCfm(snaps)
	default:
		return encodeGetAttrRej(rejErrnoInval)
	}
}

func (c *Ctl) removeClient(idx int) {
	cl := c.clients[idx]
	_ = cl.conn.Close()
	last := len(c.clients) - 1
	c.clients[idx] = c.clients[last]
	c.clients = c.clients[:last]
	c.slots.Release(1)
	if c.deregd && len(c.clients) < maxClients {
		c.deregd = false
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Destroy tears down the control channel. owner=true (the socket's own
// process) unlinks the listener path; owner=false (a post-fork non-owner)
// drops local state but leaves the filesystem artifact for the owner.
func (c *Ctl) Destroy(owner bool) {
	if c == nil {
		return
	}
	close(c.stopWatch)
	<-c.watchDone
	c.host.EventFD().SetSource(c, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		_ = cl.conn.Close()
	}
	c.clients = nil
	if owner {
		_ = c.listener.Close()
	} else {
		// Drop local state without touching the filesystem artifact; the
		// owning process retains control of the listener.
		c.listener = nil
	}
}
