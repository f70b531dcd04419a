//go:build linux || darwin || freebsd || netbsd || openbsd

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
	"os"

	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"golang.org/x/sys/unix"
)

// dupTCPConn returns a new *net.TCPConn using a duplicate of conn's socket
// descriptor. The duplicate is created with close-on-exec set and is
// registered with the runtime poller independently of conn.
func dupTCPConn(conn *net.TCPConn) (*net.TCPConn, error) {

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	dupFd := -1
	var dupErr error
	err = rawConn.Control(func(fd uintptr) {
		dupFd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("fcntl", dupErr)
	}

	// net.FileConn makes its own duplicate, so the descriptor made here is
	// always closed.
	file := os.NewFile(uintptr(dupFd), "")
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
