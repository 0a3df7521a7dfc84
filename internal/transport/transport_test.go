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

package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	require.NoError(t, Register(Descriptor{Name: "fake0"}))

	d, ok := ByName("fake0")
	assert.True(t, ok)
	assert.Equal(t, "fake0", d.Name)

	_, ok = ByName("fake0-missing")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	require.NoError(t, Register(Descriptor{Name: "fake1"}))
	assert.Error(t, Register(Descriptor{Name: "fake1"}))
}

func TestRegisterRejectsBadNames(t *testing.T) {
	assert.Error(t, Register(Descriptor{Name: ""}))
	assert.Error(t, Register(Descriptor{Name: strings.Repeat("x", 17)}))
}

func TestByAddress(t *testing.T) {
	require.NoError(t, Register(Descriptor{Name: "fake2"}))

	d, err := ByAddress("fake2:somewhere:4711")
	require.NoError(t, err)
	assert.Equal(t, "fake2", d.Name)

	_, err = ByAddress("nosuch:somewhere:4711")
	assert.ErrorIs(t, err, ErrProtoNotAvailable)

	_, err = ByAddress("junk-without-colon")
	assert.Error(t, err)
	_, err = ByAddress(":port-only")
	assert.Error(t, err)
}
