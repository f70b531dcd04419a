/*
 * Copyright (c) 2026, Psiphon Inc.
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

package common

import (
	"io"
	"net"
	"sync"
	"time"
)

// CloseWriter defines the interface to a type, typically a net.TCPConn, that
// implements CloseWrite.
type CloseWriter interface {
	CloseWrite() error
}

// Deadliner defines the deadline subset of net.Conn.
type Deadliner interface {
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// IPAddressFromAddr is a helper which extracts an IP address
// from a net.Addr or returns "" if there is no IP address.
func IPAddressFromAddr(addr net.Addr) string {
	ipAddress := ""
	if addr != nil {
		host, _, err := net.SplitHostPort(addr.String())
		if err == nil {
			ipAddress = host
		}
	}
	return ipAddress
}

// Conns is a synchronized set of io.Closers, typically net.Conns or
// streams, that is used to close all open connections owned by a server
// or client on shutdown.
// Once the set is closed, no more items may be added to it.
type Conns struct {
	mutex    sync.Mutex
	isClosed bool
	conns    map[io.Closer]bool
}

// NewConns initializes a new Conns.
func NewConns() *Conns {
	return &Conns{}
}

// Add inserts conn and returns true, or returns false when the set is
// already closed, in which case the caller retains ownership of conn.
func (conns *Conns) Add(conn io.Closer) bool {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	if conns.isClosed {
		return false
	}
	if conns.conns == nil {
		conns.conns = make(map[io.Closer]bool)
	}
	conns.conns[conn] = true
	return true
}

func (conns *Conns) Remove(conn io.Closer) {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	delete(conns.conns, conn)
}

func (conns *Conns) Len() int {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	return len(conns.conns)
}

// CloseAll closes every conn in the set and marks the set closed.
func (conns *Conns) CloseAll() {
	conns.mutex.Lock()
	closing := conns.conns
	conns.isClosed = true
	conns.conns = make(map[io.Closer]bool)
	// Release mutex before closing conns
	conns.mutex.Unlock()
	for conn := range closing {
		conn.Close()
	}
}
