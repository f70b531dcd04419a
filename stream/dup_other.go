//go:build !(linux || darwin || freebsd || netbsd || openbsd)

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

package stream

import (
	"net"

	"github.com/Psiphon-Labs/transport-stream/common/errors"
)

// dupTCPConn returns a new *net.TCPConn using a duplicate of conn's socket
// descriptor, obtained with File. On platforms where File is unsupported,
// such as Windows, the error is returned as is.
func dupTCPConn(conn *net.TCPConn) (*net.TCPConn, error) {

	file, err := conn.File()
	if err != nil {
		return nil, err
	}
	defer file.Close()

	fileConn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}

	tcpConn, ok := fileConn.(*net.TCPConn)
	if !ok {
		fileConn.Close()
		return nil, errors.Trace(ErrNotTCP)
	}

	return tcpConn, nil
}
