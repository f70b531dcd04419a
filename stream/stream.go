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

/*
Package stream provides Stream, a bidirectional byte stream over a TCP
connection that may or may not be encrypted with TLS.

A higher level protocol client, such as an FTP client, constructs one Stream
per connection, choosing the plain or encrypted variant once, after dialing
and any TLS handshake, and then uses the Stream uniformly. TryClone returns
additional Streams for the same connection, so that, for example, a control
connection handler and a data connection handler can each own a handle;
RawSocket returns a duplicate of the underlying TCP socket for
connection-level operations such as keep-alive configuration and peer
address lookup.

This package does not dial, listen or perform TLS handshakes.
*/
package stream

import (
	"net"
	"time"

	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
)

var (
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("stream is closed")

	// ErrPoisoned is wrapped by the errors returned from every I/O operation
	// on a shared TLS session after the session panicked.
	ErrPoisoned = errors.New("shared TLS session is poisoned")

	// ErrNotTCP is returned when a raw socket is requested and the
	// underlying connection is not a TCP socket.
	ErrNotTCP = errors.New("underlying connection is not a TCP socket")
)

// Kind identifies the variant of a Stream.
type Kind int

const (
	KindPlain Kind = iota
	KindEncrypted
)

func (kind Kind) String() string {
	switch kind {
	case KindPlain:
		return "plain"
	case KindEncrypted:
		return "encrypted"
	}
	return "unknown"
}

// transport is the set of operations every Stream variant implements. A new
// variant that omits an operation does not compile.
type transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	CloseWrite() error
	Close() error
	RawSocket() (*net.TCPConn, error)
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	GetMetrics() common.LogFields
	kind() Kind
	cloneTransport() (transport, error)
}

// Stream is either a plain TCP connection or a handle to a shared TLS
// session. The variant is fixed at construction.
//
// I/O errors from the underlying connection or session are returned
// unwrapped, so io.EOF, net.Error timeouts and net.ErrClosed may be tested
// for as with a net.Conn. A Read returning 0, io.EOF indicates the peer
// closed its write side.
type Stream struct {
	transport transport
}

// NewPlainStream returns a Stream that takes exclusive ownership of conn.
func NewPlainStream(conn *net.TCPConn) *Stream {
	return &Stream{transport: &plainTransport{conn: conn}}
}

// NewEncryptedStream returns a Stream that takes ownership of the shared
// handle. Closing the Stream closes the handle.
func NewEncryptedStream(shared *SharedTLSStream) *Stream {
	return &Stream{transport: shared}
}

// Kind returns the variant of the stream.
func (stream *Stream) Kind() Kind {
	return stream.transport.kind()
}

// IsEncrypted is a shorthand for Kind() == KindEncrypted.
func (stream *Stream) IsEncrypted() bool {
	return stream.transport.kind() == KindEncrypted
}

func (stream *Stream) Read(p []byte) (int, error) {
	return stream.transport.Read(p)
}

func (stream *Stream) Write(p []byte) (int, error) {
	return stream.transport.Write(p)
}

func (stream *Stream) Flush() error {
	return stream.transport.Flush()
}

// TryClone returns a new Stream of the same variant for the same
// connection. For a plain stream, the socket is duplicated at the OS level,
// which may fail, for example when the descriptor table is exhausted. For
// an encrypted stream, the clone is a new handle to the shared session and
// TryClone does not fail unless the stream is closed.
func (stream *Stream) TryClone() (*Stream, error) {
	clone, err := stream.transport.cloneTransport()
	if err != nil {
		return nil, err
	}
	return &Stream{transport: clone}, nil
}

// RawSocket returns a duplicate of the underlying TCP socket, regardless of
// the variant. The caller owns, and must close, the duplicate. RawSocket
// does not take the I/O lock of an encrypted stream and is not serialized
// with its Read and Write calls.
//
// Note that Go deadlines belong to the net.Conn they are set on; to bound
// blocking Stream calls, use the Stream deadline methods rather than
// deadlines on the duplicate.
func (stream *Stream) RawSocket() (*net.TCPConn, error) {
	return stream.transport.RawSocket()
}

// CloseWrite shuts down the writing side of the connection. For a plain
// stream, this applies to the socket and so to every clone.
func (stream *Stream) CloseWrite() error {
	return stream.transport.CloseWrite()
}

// Close releases this handle. For a plain stream, the descriptor owned by
// this Stream is closed and the connection remains open while clones hold
// descriptors. For an encrypted stream, the TLS session is closed when the
// last handle is closed.
func (stream *Stream) Close() error {
	return stream.transport.Close()
}

func (stream *Stream) SetDeadline(t time.Time) error {
	return stream.transport.SetDeadline(t)
}

func (stream *Stream) SetReadDeadline(t time.Time) error {
	return stream.transport.SetReadDeadline(t)
}

func (stream *Stream) SetWriteDeadline(t time.Time) error {
	return stream.transport.SetWriteDeadline(t)
}

func (stream *Stream) LocalAddr() net.Addr {
	return stream.transport.LocalAddr()
}

func (stream *Stream) RemoteAddr() net.Addr {
	return stream.transport.RemoteAddr()
}

// GetMetrics implements common.MetricsSource.
func (stream *Stream) GetMetrics() common.LogFields {
	logFields := common.LogFields{
		"stream_kind": stream.Kind().String(),
	}
	logFields.Add(stream.transport.GetMetrics())
	return logFields
}

// plainTransport is the unencrypted variant. Each plainTransport owns one
// socket descriptor; clones own duplicates of it.
type plainTransport struct {
	conn *net.TCPConn
}

func (plain *plainTransport) Read(p []byte) (int, error) {
	return plain.conn.Read(p)
}

func (plain *plainTransport) Write(p []byte) (int, error) {
	return plain.conn.Write(p)
}

// Flush is a no-op: net.TCPConn writes are not buffered.
func (plain *plainTransport) Flush() error {
	return nil
}

func (plain *plainTransport) CloseWrite() error {
	return plain.conn.CloseWrite()
}

func (plain *plainTransport) Close() error {
	return plain.conn.Close()
}

func (plain *plainTransport) RawSocket() (*net.TCPConn, error) {
	return dupTCPConn(plain.conn)
}

func (plain *plainTransport) SetDeadline(t time.Time) error {
	return plain.conn.SetDeadline(t)
}

func (plain *plainTransport) SetReadDeadline(t time.Time) error {
	return plain.conn.SetReadDeadline(t)
}

func (plain *plainTransport) SetWriteDeadline(t time.Time) error {
	return plain.conn.SetWriteDeadline(t)
}

func (plain *plainTransport) LocalAddr() net.Addr {
	return plain.conn.LocalAddr()
}

func (plain *plainTransport) RemoteAddr() net.Addr {
	return plain.conn.RemoteAddr()
}

func (plain *plainTransport) GetMetrics() common.LogFields {
	return common.LogFields{}
}

func (plain *plainTransport) kind() Kind {
	return KindPlain
}

func (plain *plainTransport) cloneTransport() (transport, error) {
	conn, err := dupTCPConn(plain.conn)
	if err != nil {
		return nil, err
	}
	return &plainTransport{conn: conn}, nil
}

func (stream *SharedTLSStream) kind() Kind {
	return KindEncrypted
}

func (stream *SharedTLSStream) cloneTransport() (transport, error) {
	if stream.isClosed.Load() {
		return nil, errors.Trace(ErrClosed)
	}
	return stream.Clone(), nil
}
