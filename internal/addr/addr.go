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

// Package addr implements the XCM address grammar: parsing and the
// cross-transport address derivations UTLS needs (utls <-> tls <-> ux).
package addr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/abiaog/xcm/internal/xerrors"
)

// HostPort is a parsed host+port pair, used by tcp/tls/utls/sctp addresses.
type HostPort struct {
	Host string
	Port uint16
}

func splitProto(addr string) (proto, rest string, err error) {
	idx := strings.IndexByte(addr, ':')
	if idx <= 0 {
		return "", "", xerrors.Tracef("addr-parse: malformed address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// ParseHostPort parses the "<proto>:<host>:<port>" form shared by tcp, tls,
// utls and sctp, checking the expected protocol token.
func ParseHostPort(addr, wantProto string) (HostPort, error) {
	proto, rest, err := splitProto(addr)
	if err != nil {
		return HostPort{}, err
	}
	if proto != wantProto {
		return HostPort{}, xerrors.Tracef("addr-parse: expected %q, got %q", wantProto, proto)
	}
	lastColon := strings.LastIndexByte(rest, ':')
	if lastColon < 0 {
		return HostPort{}, xerrors.Tracef("addr-parse: missing port in %q", addr)
	}
	host := rest[:lastColon]
	portStr := rest[lastColon+1:]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return HostPort{}, xerrors.Tracef("addr-parse: bad port in %q: %w", addr, err)
	}
	return HostPort{Host: host, Port: uint16(port)}, nil
}

// Format renders a "<proto>:<host>:<port>" address, bracketing IPv6 hosts.
func Format(proto string, hp HostPort) string {
	host := hp.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%s:%d", proto, host, hp.Port)
}

// UXName is the abstract local-IPC name derived from a host+port pair, used
// by UTLS to form the matching ux: address.
func UXName(hp HostPort) string {
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// ParseUX parses a "ux:<name>" address, returning the abstract name.
func ParseUX(a string) (string, error) {
	proto, rest, err := splitProto(a)
	if err != nil {
		return "", err
	}
	if proto != "ux" {
		return "", xerrors.Tracef("addr-parse: expected ux:, got %q", proto)
	}
	return rest, nil
}

// FormatUX renders a "ux:<name>" address.
func FormatUX(name string) string {
	return "ux:" + name
}
