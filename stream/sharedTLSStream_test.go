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
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/Psiphon-Labs/transport-stream/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// mockSession is a Session over a net.Pipe with injectable faults.
type mockSession struct {
	conn         net.Conn
	panicOnWrite atomic.Bool
	flushCount   atomic.Int32
	closeCount   atomic.Int32
}

func newMockSession() (*mockSession, net.Conn) {
	local, remote := net.Pipe()
	return &mockSession{conn: local}, remote
}

func (session *mockSession) Read(p []byte) (int, error) {
	return session.conn.Read(p)
}

func (session *mockSession) Write(p []byte) (int, error) {
	if session.panicOnWrite.Load() {
		panic("record sequence number overflow")
	}
	return session.conn.Write(p)
}

func (session *mockSession) Flush() error {
	session.flushCount.Add(1)
	return nil
}

func (session *mockSession) Close() error {
	session.closeCount.Add(1)
	return session.conn.Close()
}

func (session *mockSession) NetConn() net.Conn {
	return session.conn
}

func TestSharedTLSStreamConcurrentSingleByteWrites(t *testing.T) {

	client, server, _ := tlsConnPair(t)

	first := NewSharedTLSStream(client, nil)
	defer first.Close()
	second := first.Clone()
	defer second.Close()
	third := second.Clone()
	defer third.Close()

	handles := []*SharedTLSStream{first, second, third}

	const writeCount = 100

	var received []byte
	var reader errgroup.Group
	reader.Go(func() error {
		received = make([]byte, writeCount)
		_, err := io.ReadFull(server, received)
		return err
	})

	var writers errgroup.Group
	for i, handle := range handles {
		i, handle := i, handle
		writers.Go(func() error {
			for value := i; value < writeCount; value += len(handles) {
				_, err := handle.Write([]byte{byte(value)})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	require.NoError(t, writers.Wait())
	require.NoError(t, reader.Wait())

	sorted := append([]byte(nil), received...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, value := range sorted {
		require.Equal(t, byte(i), value, "lost, duplicated or corrupted byte")
	}

	assert.Equal(t, int64(writeCount), first.GetMetrics()["bytes_written"])
}

func TestSharedTLSStreamWritesDoNotInterleave(t *testing.T) {

	client, server, _ := tlsConnPair(t)

	shared := NewSharedTLSStream(client, nil)
	defer shared.Close()

	const (
		writerCount     = 3
		writesPerWriter = 50
		writeSize       = 1000
	)

	var reader errgroup.Group
	received := make([]byte, writerCount*writesPerWriter*writeSize)
	reader.Go(func() error {
		_, err := io.ReadFull(server, received)
		return err
	})

	var writers errgroup.Group
	for i := 0; i < writerCount; i++ {
		handle := shared.Clone()
		defer handle.Close()
		chunk := bytes.Repeat([]byte{byte('a' + i)}, writeSize)
		writers.Go(func() error {
			for j := 0; j < writesPerWriter; j++ {
				_, err := handle.Write(chunk)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	require.NoError(t, writers.Wait())
	require.NoError(t, reader.Wait())

	counts := make(map[byte]int)
	for offset := 0; offset < len(received); offset += writeSize {
		chunk := received[offset : offset+writeSize]
		require.Equal(
			t, bytes.Repeat(chunk[:1], writeSize), chunk,
			"write interleaved at offset %d", offset)
		counts[chunk[0]]++
	}
	for i := 0; i < writerCount; i++ {
		assert.Equal(t, writesPerWriter, counts[byte('a'+i)])
	}
}

func TestSharedTLSStreamLastHandleCloses(t *testing.T) {

	client, server, _ := tlsConnPair(t)
	logger := testutils.NewTestLogger()

	first := NewSharedTLSStream(client, logger)
	second := first.Clone()
	third := first.Clone()

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())

	_, err := first.Write([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)

	// The remaining handle is fully functional.

	_, err = third.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readExactly(t, server, 5))

	_, err = server.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), readExactly(t, third, 5))

	assert.Empty(t, logger.GetMetrics("shared_tls_session"))

	// Closing the last handle closes the session, which sends close_notify.

	require.NoError(t, third.Close())

	n, err := server.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, third.Close())

	metrics := logger.GetMetrics("shared_tls_session")
	require.Len(t, metrics, 1)
	assert.Equal(t, int32(0), metrics[0]["open_handles"])
	assert.Equal(t, int64(5), metrics[0]["bytes_read"])
	assert.Equal(t, int64(5), metrics[0]["bytes_written"])
	assert.Equal(t, false, metrics[0]["poisoned"])

	// Cloning a closed handle yields a closed handle and does not revive
	// the session.

	clone := third.Clone()
	_, err = clone.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, clone.Close())
	assert.Len(t, logger.GetMetrics("shared_tls_session"), 1)
}

func TestSharedTLSStreamCloneRacingLastClose(t *testing.T) {

	for i := 0; i < 200; i++ {

		session, remote := newMockSession()

		last := NewSharedTLSStream(session, nil)

		var clone *SharedTLSStream
		var group errgroup.Group
		group.Go(func() error {
			clone = last.Clone()
			return nil
		})
		group.Go(func() error {
			return last.Close()
		})
		require.NoError(t, group.Wait())

		if clone.isClosed.Load() {
			// The close happened first: the session is closed once and the
			// clone did not revive it.
			assert.Equal(t, int32(1), session.closeCount.Load())
			assert.Equal(t, int32(0), last.shared.handles.Load())
		} else {
			// The clone happened first and keeps the session open.
			assert.Equal(t, int32(0), session.closeCount.Load())
			assert.Equal(t, int32(1), last.shared.handles.Load())
			require.NoError(t, clone.Close())
			assert.Equal(t, int32(1), session.closeCount.Load())
		}

		require.NoError(t, clone.Close())
		assert.Equal(t, int32(1), session.closeCount.Load())
		remote.Close()
	}
}

func TestSharedTLSStreamPoisoned(t *testing.T) {

	session, remote := newMockSession()
	defer remote.Close()

	logger := testutils.NewTestLogger()
	first := NewSharedTLSStream(session, logger)
	second := first.Clone()

	session.panicOnWrite.Store(true)

	_, err := first.Write([]byte{1})
	require.ErrorIs(t, err, ErrPoisoned)
	assert.Contains(t, err.Error(), "record sequence number overflow")
	assert.True(t, first.IsPoisoned())
	assert.True(t, second.IsPoisoned())
	assert.Len(t, logger.GetErrorLogs(), 1)

	// The poisoned state is permanent and shared by all handles, even when
	// the fault condition no longer applies.

	session.panicOnWrite.Store(false)

	_, err = second.Write([]byte{1})
	assert.ErrorIs(t, err, ErrPoisoned)

	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrPoisoned)

	assert.ErrorIs(t, first.Flush(), ErrPoisoned)
	assert.ErrorIs(t, first.CloseWrite(), ErrPoisoned)

	_, err = first.RawSocket()
	assert.ErrorIs(t, err, ErrPoisoned)

	stream := NewEncryptedStream(first.Clone())
	_, err = stream.Write([]byte{1})
	assert.ErrorIs(t, err, ErrPoisoned)

	// Closing still releases the session.

	require.NoError(t, stream.Close())
	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	assert.Equal(t, int32(1), session.closeCount.Load())

	metrics := logger.GetMetrics("shared_tls_session")
	require.Len(t, metrics, 1)
	assert.Equal(t, true, metrics[0]["poisoned"])
}

func TestSharedTLSStreamOptionalCapabilities(t *testing.T) {

	session, remote := newMockSession()
	defer remote.Close()

	shared := NewSharedTLSStream(session, nil)
	defer shared.Close()

	require.NoError(t, shared.Flush())
	require.NoError(t, NewEncryptedStream(shared.Clone()).Flush())
	assert.Equal(t, int32(2), session.flushCount.Load())

	// mockSession implements neither CloseWrite nor ConnectionState, and
	// its NetConn is not a TCP socket.

	assert.Error(t, shared.CloseWrite())

	_, ok := shared.ConnectionState()
	assert.False(t, ok)

	_, err := shared.RawSocket()
	assert.ErrorIs(t, err, ErrNotTCP)

	stream := NewEncryptedStream(shared.Clone())
	defer stream.Close()
	_, err = stream.RawSocket()
	assert.ErrorIs(t, err, ErrNotTCP)
}

func TestSharedTLSStreamConnectionState(t *testing.T) {

	client, _, _ := tlsConnPair(t)

	shared := NewSharedTLSStream(client, nil)
	defer shared.Close()

	state, ok := shared.ConnectionState()
	require.True(t, ok)
	assert.True(t, state.HandshakeComplete)
	assert.GreaterOrEqual(t, state.Version, uint16(tls.VersionTLS12))
}
