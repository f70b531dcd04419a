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

package probe

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"github.com/Psiphon-Labs/transport-stream/stream"
)

// readLine reads one CRLF or LF terminated line and returns it without the
// terminator.
//
// Bytes are consumed one at a time so that nothing past the line is
// buffered; clones of a Stream share one byte sequence, and the next line
// may be read through a different handle.
func readLine(reader io.Reader) (string, error) {

	var line []byte
	var buffer [1]byte

	for {
		n, err := reader.Read(buffer[:])
		if n == 1 {
			if buffer[0] == '\n' {
				return strings.TrimSuffix(string(line), "\r"), nil
			}
			if len(line) >= MAX_LINE_LENGTH {
				return "", errors.TraceNew("line too long")
			}
			line = append(line, buffer[0])
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", errors.Trace(err)
		}
	}
}

// readLineWithTimeout sets a read deadline on s, when timeout is not 0, and
// reads one line. A cancelled ctx is checked after the deadline is set, so
// that a new deadline never replaces the past deadline set by
// interruptOnCancel.
func readLineWithTimeout(
	ctx context.Context, s *stream.Stream, timeout time.Duration) (string, error) {

	if err := ctx.Err(); err != nil {
		return "", errors.Trace(err)
	}

	if timeout > 0 {
		err := s.SetReadDeadline(time.Now().Add(timeout))
		if err != nil {
			return "", errors.Trace(err)
		}
		if err := ctx.Err(); err != nil {
			return "", errors.Trace(err)
		}
	}

	line, err := readLine(s)
	if err != nil {
		return "", errors.Trace(err)
	}

	return line, nil
}

// interruptOnCancel sets a past deadline on s when ctx is cancelled, which
// unblocks any Read or Write on s. Each handle of a plain Stream owns its
// own deadlines, so every handle in use must be registered. The returned
// func stops the registration.
func interruptOnCancel(ctx context.Context, s *stream.Stream) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = s.SetDeadline(time.Now())
	})
}

// writeLine writes line and a CRLF terminator in a single Write, then
// flushes.
func writeLine(s *stream.Stream, line string) error {

	_, err := s.Write([]byte(line + "\r\n"))
	if err != nil {
		return errors.Trace(err)
	}

	err = s.Flush()
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
