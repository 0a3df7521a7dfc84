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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/config"
	"github.com/abiaog/xcm/internal/evfd"
)

type stubHost struct {
	id     uint64
	efd    *evfd.EventFD
	costly bool
	attrs  []attr.Snapshot
}

func (h *stubHost) SockID() uint64         { return h.id }
func (h *stubHost) EventFD() *evfd.EventFD { return h.efd }
func (h *stubHost) CostlySyscalls() bool   { return h.costly }

func (h *stubHost) GetAllAttrs() ([]attr.Snapshot, error) { return h.attrs, nil }

func (h *stubHost) GetAttr(name string) (attr.Snapshot, error) {
	for _, snap := range h.attrs {
		if snap.Name == name {
			return snap, nil
		}
	}
	return attr.Snapshot{}, attr.ErrNotFound
}

func newTestCtl(t *testing.T) (*Ctl, string) {
	dir := t.TempDir()
	t.Setenv(config.CtlDirEnv, dir)

	efd, err := evfd.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = efd.Close() })

	host := &stubHost{
		id:  4711,
		efd: efd,
		attrs: []attr.Snapshot{
			{Name: attr.Type, Value: attr.Value{Type: attr.TypeString, String: "connection"}},
			{Name: attr.Transport, Value: attr.Value{Type: attr.TypeString, String: "tls"}},
			{Name: attr.ToAppMsgs, Value: attr.Value{Type: attr.TypeInt64, Int64: 3}},
		},
	}

	c := New(host, os.Getpid())
	require.NotNil(t, c)
	t.Cleanup(func() { c.Destroy(true) })

	return c, derivePath(dir, os.Getpid(), host.id)
}

// pump services the control channel from a background goroutine the way
// user API calls would, and returns a stop function.
func pump(c *Ctl) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				c.Process()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func TestListenerPathDerivation(t *testing.T) {
	assert.Equal(t, "/run/xcm/ctl/100-7", derivePath("/run/xcm/ctl", 100, 7))
}

func TestDisabledWithoutCtlDir(t *testing.T) {
	t.Setenv(config.CtlDirEnv, filepath.Join(t.TempDir(), "does-not-exist"))

	efd, err := evfd.New()
	require.NoError(t, err)
	defer efd.Close()

	c := New(&stubHost{id: 1, efd: efd}, os.Getpid())
	assert.Nil(t, c)

	// A disabled channel must be transparently inert.
	c.Process()
	c.Destroy(true)
}

func TestGetAttrAndGetAllAttrs(t *testing.T) {
	c, path := newTestCtl(t)
	stop := pump(c)
	defer stop()

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()

	snap, err := client.GetAttr("xcm.transport")
	require.NoError(t, err)
	assert.Equal(t, "tls", snap.Value.String)

	_, err = client.GetAttr("xcm.nosuch")
	assert.Error(t, err)

	snaps, err := client.GetAllAttrs()
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "connection", snaps[0].Value.String)
	assert.Equal(t, int64(3), snaps[2].Value.Int64)
}

func TestRepeatedRequestsOnOneConnection(t *testing.T) {
	c, path := newTestCtl(t)
	stop := pump(c)
	defer stop()

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 10; i++ {
		snap, err := client.GetAttr("xcm.type")
		require.NoError(t, err)
		assert.Equal(t, "connection", snap.Value.String)
	}
}

func TestOversizedAttributeValue(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.CtlDirEnv, dir)

	efd, err := evfd.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = efd.Close() })

	host := &stubHost{
		id:  7,
		efd: efd,
		attrs: []attr.Snapshot{
			{Name: "test.huge", Value: attr.Value{Type: attr.TypeString, String: strings.Repeat("x", maxValueLen+10)}},
			{Name: attr.Type, Value: attr.Value{Type: attr.TypeString, String: "server"}},
		},
	}

	c := New(host, os.Getpid())
	require.NotNil(t, c)
	t.Cleanup(func() { c.Destroy(true) })

	stop := pump(c)
	defer stop()

	client, err := Dial(derivePath(dir, os.Getpid(), host.id))
	require.NoError(t, err)
	defer client.Close()

	// A value that cannot fit the wire record is rejected as overflow.
	_, err = client.GetAttr("test.huge")
	require.Error(t, err)
	assert.ErrorIs(t, err, attr.ErrOverflow)

	// Get-all skips the oversized entry instead of failing wholesale.
	snaps, err := client.GetAllAttrs()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, attr.Type, snaps[0].Name)
}

func TestNeverExceedsTwoClients(t *testing.T) {
	c, path := newTestCtl(t)

	cl1, err := Dial(path)
	require.NoError(t, err)
	defer cl1.Close()
	cl2, err := Dial(path)
	require.NoError(t, err)
	defer cl2.Close()

	// The third connect succeeds at the kernel level (listen backlog) but
	// must not be accepted into a slot while both are occupied.
	cl3, err := Dial(path)
	require.NoError(t, err)
	defer cl3.Close()

	for i := 0; i < 500; i++ {
		c.Process()
		c.mu.Lock()
		n := len(c.clients)
		c.mu.Unlock()
		require.LessOrEqual(t, n, maxClients)
	}

	c.mu.Lock()
	n := len(c.clients)
	c.mu.Unlock()
	assert.Equal(t, maxClients, n)

	// The third client is served once a slot frees up.
	type result struct {
		snaps []attr.Snapshot
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		snaps, err := cl3.GetAllAttrs()
		resCh <- result{snaps, err}
	}()

	select {
	case <-resCh:
		t.Fatal("third client served while both slots were occupied")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, cl1.Close())

	stop := pump(c)
	defer stop()

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Len(t, res.snaps, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("third client was never served after a slot freed up")
	}
}

func TestThrottlingDefersServicing(t *testing.T) {
	c, path := newTestCtl(t)

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()

	// With no accepted clients the threshold is 64 calls; a single call
	// must not run a service pass or accept anything.
	c.Process()
	c.mu.Lock()
	n := len(c.clients)
	c.mu.Unlock()
	assert.Zero(t, n)

	for i := 0; i < 64; i++ {
		c.Process()
	}
	c.mu.Lock()
	n = len(c.clients)
	c.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestDestroyNonOwnerKeepsListenerPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.CtlDirEnv, dir)

	efd, err := evfd.New()
	require.NoError(t, err)
	defer efd.Close()

	host := &stubHost{id: 99, efd: efd}
	c := New(host, os.Getpid())
	require.NotNil(t, c)

	path := derivePath(dir, os.Getpid(), host.id)
	_, err = os.Stat(path)
	require.NoError(t, err)

	c.Destroy(false)

	// The non-owner leaves the filesystem artifact for the owner.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
