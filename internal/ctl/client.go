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
	"io"
	"net"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/xerrors"
)

// Client is an introspection client for one socket's control listener, the
// counterpart of Ctl's server side. It issues one request at a time and
// blocks for the response; the owning process services it inline from its
// own API calls, so responses arrive with whatever latency the owner's op
// rate implies.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to a control listener path (as enumerated from the control
// directory).
func Dial(path string) (*Client, error) {
	raddr, err := net.ResolveUnixAddr("unixpacket", path)
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	conn, err := net.DialUnix("unixpacket", nil, raddr)
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	return &Client{conn: conn}, nil
}

// GetAttr fetches one attribute by name.
func (c *Client) GetAttr(name string) (attr.Snapshot, error) {
	req, err := encodeGetAttrReq(name)
	if err != nil {
		return attr.Snapshot{}, xerrors.Trace(err)
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return attr.Snapshot{}, err
	}
	switch resp.kind {
	case kindGetAttrCfm:
		return resp.attr, nil
	case kindGetAttrRej:
		if resp.errno == rejErrnoOverflow {
			return attr.Snapshot{}, xerrors.Trace(attr.ErrOverflow)
		}
		return attr.Snapshot{}, xerrors.Tracef("get attr rejected, errno %d", resp.errno)
	default:
		return attr.Snapshot{}, xerrors.Tracef("unexpected response kind %d", resp.kind)
	}
}

// GetAllAttrs fetches the socket's full readable attribute set.
func (c *Client) GetAllAttrs() ([]attr.Snapshot, error) {
	resp, err := c.roundTrip(encodeGetAllAttrReq())
	if err != nil {
		return nil, err
	}
	if resp.kind != kindGetAllAttrCfm {
		return nil, xerrors.Tracef("unexpected response kind %d", resp.kind)
	}
	return resp.attrs, nil
}

func (c *Client) roundTrip(req []byte) (response, error) {
	if _, err := c.conn.Write(req); err != nil {
		return response{}, xerrors.Trace(err)
	}

	// One read returns one whole response record.
	payload := make([]byte, maxRecordSize)
	n, err := c.conn.Read(payload)
	if err != nil {
		return response{}, xerrors.Trace(err)
	}
	if n == 0 {
		return response{}, xerrors.Trace(io.EOF)
	}
	resp, err := decodeResponse(payload[:n])
	if err != nil {
		return response{}, xerrors.Trace(err)
	}
	return resp, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
