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

package utls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abiaog/xcm/internal/attr"
)

func TestProxyAttrsForwardsGetAndSet(t *testing.T) {
	stored := "initial"
	src := []attr.Descriptor{
		{
			Name: "tls.peer_subject",
			Type: attr.TypeString,
			Get: func() (attr.Value, error) {
				return attr.Value{Type: attr.TypeString, String: stored}, nil
			},
			Set: func(v attr.Value) error {
				stored = v.String
				return nil
			},
		},
		{
			Name: "tls.readonly",
			Type: attr.TypeInt64,
			Get: func() (attr.Value, error) {
				return attr.Value{Type: attr.TypeInt64, Int64: 7}, nil
			},
		},
	}

	proxied := proxyAttrs(src)
	require.Len(t, proxied, 2)

	// Descriptor shape is copied; callbacks are rebound, and each proxy
	// carries its index back to the source slot.
	assert.Equal(t, "tls.peer_subject", proxied[0].Name)
	assert.Equal(t, 0, proxied[0].ID)
	assert.Equal(t, 1, proxied[1].ID)
	assert.True(t, proxied[0].Writable())
	assert.False(t, proxied[1].Writable())

	v, err := proxied[0].Get()
	require.NoError(t, err)
	assert.Equal(t, "initial", v.String)

	require.NoError(t, proxied[0].Set(attr.Value{Type: attr.TypeString, String: "changed"}))
	assert.Equal(t, "changed", stored)

	v, err = proxied[1].Get()
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64)
}

func TestProxyAttrsEmpty(t *testing.T) {
	assert.Nil(t, proxyAttrs(nil))
	assert.Nil(t, proxyAttrs([]attr.Descriptor{}))
}

func TestSubCtlHostAttributeSet(t *testing.T) {
	h := &subCtlHost{
		id:            1,
		roleStr:       "connection",
		transportName: "tls",
		local:         func() (string, error) { return "tls:127.0.0.1:4711", nil },
		remote:        func() (string, error) { return "tls:127.0.0.1:13001", nil },
		maxMsg:        func() int { return 65536 },
	}

	snaps, err := h.GetAllAttrs()
	require.NoError(t, err)
	require.Len(t, snaps, 5)

	snap, err := h.GetAttr(attr.Transport)
	require.NoError(t, err)
	assert.Equal(t, "tls", snap.Value.String)

	snap, err = h.GetAttr(attr.MaxMsgSize)
	require.NoError(t, err)
	assert.Equal(t, int64(65536), snap.Value.Int64)

	_, err = h.GetAttr("xcm.nosuch")
	assert.Error(t, err)
}
