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
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
)

// Session is an established TLS session over a network connection. Both
// *crypto/tls.Conn and *utls.UConn satisfy Session.
//
// A Session may optionally implement Flush() error, common.CloseWriter,
// common.Deadliner and ConnectionState() tls.ConnectionState; the
// corresponding SharedTLSStream operations use these when present.
type Session interface {
	io.ReadWriter
	Close() error

	// NetConn returns the underlying connection that is wrapped by the
	// session. Reading from or writing to this conn directly corrupts the
	// session; SharedTLSStream uses it only to duplicate the socket.
	NetConn() net.Conn
}

type flusher interface {
	Flush() error
}

type connectionStater interface {
	ConnectionState() tls.ConnectionState
}

// tlsSession is the state shared by all SharedTLSStream handles cloned from
// the same NewSharedTLSStream call.
type tlsSession struct {
	session Session
	rawConn net.Conn
	logger  common.Logger

	// mutex serializes Read, Write, Flush and CloseWrite calls on session.
	// It is held for exactly one call and never across calls.
	mutex sync.Mutex

	handles      atomic.Int32
	poison       atomic.Pointer[error]
	closeOnce    sync.Once
	closeErr     error
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// SharedTLSStream is a handle to a TLS session that may be shared, via Clone,
// by multiple owners and goroutines. All handles cloned from the same
// SharedTLSStream read from and write to the same session; each individual
// I/O call holds exclusive access to the session for its duration, so bytes
// written by a single Write call are never interleaved with bytes from a
// concurrent Write on another handle.
//
// The session is closed when the last open handle is closed.
//
// A panic raised by the session during an I/O call poisons the session: the
// panic is recovered and logged, and that call, and every subsequent I/O
// call through any handle, returns an error wrapping ErrPoisoned. A
// poisoned session may have emitted a partial TLS record, so no further
// reads or writes are attempted.
type SharedTLSStream struct {
	shared   *tlsSession
	isClosed atomic.Bool
}

// NewSharedTLSStream takes ownership of an established TLS session and
// returns the first handle to it. No I/O is performed. logger may be nil.
func NewSharedTLSStream(session Session, logger common.Logger) *SharedTLSStream {

	if logger == nil {
		logger = common.NewNopLogger()
	}

	shared := &tlsSession{
		session: session,
		rawConn: session.NetConn(),
		logger:  logger,
	}
	shared.handles.Store(1)

	return &SharedTLSStream{shared: shared}
}

// Clone returns a new handle to the same session. Clone performs no I/O and
// does not block behind an in-progress Read or Write. Cloning a closed
// handle returns a closed handle.
//
// The handle count is never incremented from 0, so a Clone racing with the
// Close of the last open handle either happens first, and keeps the session
// open, or returns a closed handle.
func (stream *SharedTLSStream) Clone() *SharedTLSStream {
	clone := &SharedTLSStream{shared: stream.shared}
	for {
		handles := stream.shared.handles.Load()
		if stream.isClosed.Load() || handles <= 0 {
			clone.isClosed.Store(true)
			return clone
		}
		if stream.shared.handles.CompareAndSwap(handles, handles+1) {
			return clone
		}
	}
}

// Read performs a decrypting read into p while holding exclusive access to
// the session. At end of stream, Read returns 0, io.EOF. Errors from the
// session are returned as is.
func (stream *SharedTLSStream) Read(p []byte) (int, error) {
	n, err := stream.do(func(session Session) (int, error) {
		return session.Read(p)
	})
	stream.shared.bytesRead.Add(int64(n))
	return n, err
}

// Write encrypts and writes p while holding exclusive access to the session.
func (stream *SharedTLSStream) Write(p []byte) (int, error) {
	n, err := stream.do(func(session Session) (int, error) {
		return session.Write(p)
	})
	stream.shared.bytesWritten.Add(int64(n))
	return n, err
}

// Flush pushes any buffered output to the transport. crypto/tls writes each
// record synchronously, so Flush is a no-op unless the session implements
// Flush() error.
func (stream *SharedTLSStream) Flush() error {
	_, err := stream.do(func(session Session) (int, error) {
		if f, ok := session.(flusher); ok {
			return 0, f.Flush()
		}
		return 0, nil
	})
	return err
}

// CloseWrite shuts down the writing side of the session; for crypto/tls,
// this sends a close_notify alert. The peer then reads end of stream while
// reads on this side may continue.
func (stream *SharedTLSStream) CloseWrite() error {
	_, err := stream.do(func(session Session) (int, error) {
		closeWriter, ok := session.(common.CloseWriter)
		if !ok {
			return 0, errors.TraceNew("session does not support CloseWrite")
		}
		return 0, closeWriter.CloseWrite()
	})
	return err
}

// RawSocket returns an OS-level duplicate of the TCP socket underlying the
// session. The duplicate is an independent descriptor for the same
// connection and must be closed by the caller; closing it does not close
// the session. Use it for socket options and addresses, never for I/O.
//
// Unlike Read and Write, RawSocket does not take the session I/O lock and
// is not serialized with other calls: the underlying conn is fixed for the
// lifetime of the session, so RawSocket does not wait for an in-progress
// Read or Write.
func (stream *SharedTLSStream) RawSocket() (*net.TCPConn, error) {
	if stream.isClosed.Load() {
		return nil, errors.Trace(ErrClosed)
	}
	if err := stream.shared.poisonError(); err != nil {
		return nil, err
	}
	tcpConn, ok := stream.shared.rawConn.(*net.TCPConn)
	if !ok {
		return nil, errors.Trace(ErrNotTCP)
	}
	return dupTCPConn(tcpConn)
}

// SetDeadline sets the read and write deadlines of the session. Deadlines
// are not serialized with I/O calls, so a deadline may be used to unblock a
// Read that is holding the session on behalf of another handle.
func (stream *SharedTLSStream) SetDeadline(t time.Time) error {
	if stream.isClosed.Load() {
		return errors.Trace(ErrClosed)
	}
	return stream.shared.deadliner().SetDeadline(t)
}

func (stream *SharedTLSStream) SetReadDeadline(t time.Time) error {
	if stream.isClosed.Load() {
		return errors.Trace(ErrClosed)
	}
	return stream.shared.deadliner().SetReadDeadline(t)
}

func (stream *SharedTLSStream) SetWriteDeadline(t time.Time) error {
	if stream.isClosed.Load() {
		return errors.Trace(ErrClosed)
	}
	return stream.shared.deadliner().SetWriteDeadline(t)
}

func (stream *SharedTLSStream) LocalAddr() net.Addr {
	return stream.shared.rawConn.LocalAddr()
}

func (stream *SharedTLSStream) RemoteAddr() net.Addr {
	return stream.shared.rawConn.RemoteAddr()
}

// ConnectionState returns the TLS connection state, when the session
// provides a crypto/tls compatible ConnectionState.
func (stream *SharedTLSStream) ConnectionState() (tls.ConnectionState, bool) {
	stater, ok := stream.shared.session.(connectionStater)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return stater.ConnectionState(), true
}

// Close closes this handle. Close is idempotent per handle. When the last
// open handle is closed, the session is closed and a "shared_tls_session"
// metric is logged. Close does not wait for an in-progress Read or Write on
// another goroutine; closing the session unblocks it with an error.
func (stream *SharedTLSStream) Close() error {
	if !stream.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	if stream.shared.handles.Add(-1) > 0 {
		return nil
	}
	return stream.shared.close()
}

// IsPoisoned indicates whether a panic in the session has permanently
// disabled I/O for all handles.
func (stream *SharedTLSStream) IsPoisoned() bool {
	return stream.shared.poison.Load() != nil
}

// GetMetrics implements common.MetricsSource. The byte counts are totals
// across all handles of the session.
func (stream *SharedTLSStream) GetMetrics() common.LogFields {
	return stream.shared.getMetrics()
}

// do runs op on the session while holding the session mutex. A panic in op
// is recovered and poisons the session.
func (stream *SharedTLSStream) do(op func(Session) (int, error)) (n int, err error) {

	if stream.isClosed.Load() {
		return 0, errors.Trace(ErrClosed)
	}

	shared := stream.shared

	shared.mutex.Lock()
	defer shared.mutex.Unlock()

	if err := shared.poisonError(); err != nil {
		return 0, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = shared.setPoisoned(r)
			n = 0
		}
	}()

	return op(shared.session)
}

func (shared *tlsSession) poisonError() error {
	err := shared.poison.Load()
	if err == nil {
		return nil
	}
	return *err
}

// setPoisoned must be called with mutex held.
func (shared *tlsSession) setPoisoned(recovered interface{}) error {
	err := errors.Trace(fmt.Errorf("%w: %v", ErrPoisoned, recovered))
	shared.poison.Store(&err)
	shared.logger.WithTraceFields(
		common.LogFields{
			"remote_address": common.IPAddressFromAddr(shared.rawConn.RemoteAddr()),
			"panic":          fmt.Sprintf("%v", recovered),
		}).Error("shared TLS session poisoned")
	return err
}

func (shared *tlsSession) deadliner() common.Deadliner {
	if d, ok := shared.session.(common.Deadliner); ok {
		return d
	}
	return shared.rawConn
}

func (shared *tlsSession) close() error {
	shared.closeOnce.Do(func() {
		shared.closeErr = shared.session.Close()
		shared.logger.LogMetric("shared_tls_session", shared.getMetrics())
	})
	return shared.closeErr
}

func (shared *tlsSession) getMetrics() common.LogFields {
	return common.LogFields{
		"bytes_read":    shared.bytesRead.Load(),
		"bytes_written": shared.bytesWritten.Load(),
		"open_handles":  shared.handles.Load(),
		"poisoned":      shared.poison.Load() != nil,
	}
}
