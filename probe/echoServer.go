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
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"github.com/Psiphon-Labs/transport-stream/stream"
	lrucache "github.com/cognusion/go-cache-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	ECHO_RESPONSE_PREFIX = "200 "

	rateLimiterReapHistoryFrequency = 60 * time.Second
	rateLimiterMaxCacheEntries      = 10000
)

func echoResponse(line string) string {
	return ECHO_RESPONSE_PREFIX + line
}

// EchoServer is a line oriented server for exercising RunClient. Each
// connection, plain or TLS, is wrapped in a Stream; the server sends the
// configured greeting and then answers every line with ECHO_RESPONSE_PREFIX
// followed by the line, until the client closes its write side.
type EchoServer struct {
	config          *Config
	logger          common.Logger
	listener        *net.TCPListener
	tlsConfig       *tls.Config
	conns           *common.Conns
	connectionCount atomic.Int64

	rateLimiters     *lrucache.Cache
	rateLimitedCount atomic.Int64
}

// NewEchoServer creates a server listening on config.Address. In TLS mode,
// the server uses the configured certificate, or a generated self-signed
// certificate when none is configured.
func NewEchoServer(config *Config, logger common.Logger) (*EchoServer, error) {

	if !config.IsCommitted() {
		return nil, errors.TraceNew("config not committed")
	}

	if logger == nil {
		logger = common.NewNopLogger()
	}

	var tlsConfig *tls.Config
	if config.UseTLS {
		certificate, err := loadServerCertificate(config)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{certificate},
		}
	}

	listenAddr, err := net.ResolveTCPAddr("tcp", config.Address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	listener, err := net.ListenTCP("tcp", listenAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &EchoServer{
		config:    config,
		logger:    logger,
		listener:  listener,
		tlsConfig: tlsConfig,
		conns:     common.NewConns(),
		rateLimiters: lrucache.NewWithLRU(
			0,
			rateLimiterReapHistoryFrequency,
			rateLimiterMaxCacheEntries),
	}, nil
}

func loadServerCertificate(config *Config) (tls.Certificate, error) {

	if config.ServerCertificateFilename != "" {
		certificate, err := tls.LoadX509KeyPair(
			config.ServerCertificateFilename, config.ServerPrivateKeyFilename)
		if err != nil {
			return tls.Certificate{}, errors.Trace(err)
		}
		return certificate, nil
	}

	hostName, _, err := net.SplitHostPort(config.Address)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}
	if hostName == "" {
		hostName = "localhost"
	}

	certificate, _, err := common.NewSelfSignedTLSCertificate(hostName)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}

	return certificate, nil
}

// Addr returns the listening address.
func (server *EchoServer) Addr() net.Addr {
	return server.listener.Addr()
}

// Run accepts and serves connections until ctx is cancelled, and then
// closes the listener and all open connections. Run returns nil on a
// cancellation shutdown.
func (server *EchoServer) Run(ctx context.Context) error {

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		server.listener.Close()
		server.conns.CloseAll()
		return nil
	})

	group.Go(func() error {
		for {
			conn, err := server.listener.AcceptTCP()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Trace(err)
			}

			// Rate limiting is checked in the accept loop, which serializes
			// access to the rate limiter cache entries.
			clientIP := common.IPAddressFromAddr(conn.RemoteAddr())
			if !server.allowConnection(clientIP) {
				server.rateLimitedCount.Add(1)
				conn.Close()
				server.logger.WithTraceFields(common.LogFields{
					"client": clientIP,
				}).Warning("connection rate exceeded")
				continue
			}

			group.Go(func() error {
				server.handleConnection(ctx, conn)
				return nil
			})
		}
	})

	err := group.Wait()
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// GetMetrics implements common.MetricsSource.
func (server *EchoServer) GetMetrics() common.LogFields {
	return common.LogFields{
		"connections":              server.connectionCount.Load(),
		"rate_limited_connections": server.rateLimitedCount.Load(),
		"open_connections":         server.conns.Len(),
	}
}

// allowConnection applies the per client IP connection rate limit. It is
// not safe for concurrent use.
func (server *EchoServer) allowConnection(clientIP string) bool {

	quantity, interval := server.config.GetServerRateLimit()
	if quantity == 0 {
		return true
	}

	var rateLimiter *rate.Limiter

	entry, ok := server.rateLimiters.Get(clientIP)
	if ok {
		rateLimiter = entry.(*rate.Limiter)
	} else {
		limit := float64(quantity) / interval.Seconds()
		rateLimiter = rate.NewLimiter(rate.Limit(limit), quantity)
		server.rateLimiters.Set(clientIP, rateLimiter, interval)
	}

	return rateLimiter.Allow()
}

func (server *EchoServer) handleConnection(ctx context.Context, conn *net.TCPConn) {

	server.connectionCount.Add(1)

	clientIP := common.IPAddressFromAddr(conn.RemoteAddr())

	s, err := server.newStream(ctx, conn)
	if err != nil {
		conn.Close()
		server.logger.WithTraceFields(common.LogFields{
			"client": clientIP,
		}).Warning(errors.Trace(err).Error())
		return
	}

	if !server.conns.Add(s) {
		s.Close()
		return
	}
	defer func() {
		server.conns.Remove(s)
		s.Close()
	}()

	err = server.serve(ctx, s)

	fields := s.GetMetrics()
	fields["client"] = clientIP
	if err != nil {
		fields["error"] = err.Error()
	}
	server.logger.LogMetric("echo_connection", fields)
}

func (server *EchoServer) newStream(
	ctx context.Context, conn *net.TCPConn) (*stream.Stream, error) {

	if server.tlsConfig == nil {
		return stream.NewPlainStream(conn), nil
	}

	if timeout := server.config.GetConnectTimeout(); timeout > 0 {
		var cancelFunc context.CancelFunc
		ctx, cancelFunc = context.WithTimeout(ctx, timeout)
		defer cancelFunc()
	}

	tlsConn := tls.Server(conn, server.tlsConfig)
	err := tlsConn.HandshakeContext(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return stream.NewEncryptedStream(
		stream.NewSharedTLSStream(tlsConn, server.logger)), nil
}

func (server *EchoServer) serve(ctx context.Context, s *stream.Stream) error {

	err := writeLine(s, server.config.ServerGreeting)
	if err != nil {
		return errors.Trace(err)
	}

	readTimeout := server.config.GetReadTimeout()

	for {
		line, err := readLineWithTimeout(ctx, s, readTimeout)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Trace(err)
		}

		if strings.EqualFold(line, "QUIT") {
			return errors.Trace(writeLine(s, "221 closing connection"))
		}

		err = writeLine(s, echoResponse(line))
		if err != nil {
			return errors.Trace(err)
		}
	}
}
