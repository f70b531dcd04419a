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
	"crypto/x509"
	"net"
	"net/url"
	"os"
	"sync"

	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"github.com/Psiphon-Labs/transport-stream/stream"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// Dial establishes the TCP connection specified by config, optionally
// through an upstream SOCKS5 proxy, performs the TLS handshake when
// config.UseTLS is set, and returns the connection wrapped in a Stream of
// the corresponding kind.
//
// The config connect timeout bounds both the TCP dial and the TLS
// handshake.
func Dial(
	ctx context.Context,
	config *Config,
	logger common.Logger) (*stream.Stream, error) {

	if !config.IsCommitted() {
		return nil, errors.TraceNew("config not committed")
	}

	if logger == nil {
		logger = common.NewNopLogger()
	}

	if timeout := config.GetConnectTimeout(); timeout > 0 {
		var cancelFunc context.CancelFunc
		ctx, cancelFunc = context.WithTimeout(ctx, timeout)
		defer cancelFunc()
	}

	tcpConn, err := dialTCP(ctx, config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if !config.UseTLS {
		return stream.NewPlainStream(tcpConn), nil
	}

	session, err := handshakeTLS(ctx, config, tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, errors.Trace(err)
	}

	logger.WithTraceFields(common.LogFields{
		"address":     config.Address,
		"tls_profile": config.TLSProfile,
	}).Debug("TLS handshake completed")

	return stream.NewEncryptedStream(
		stream.NewSharedTLSStream(session, logger)), nil
}

func dialTCP(ctx context.Context, config *Config) (*net.TCPConn, error) {

	dialer := &net.Dialer{
		// Keep-alive is configured through the stream's raw socket once the
		// connection is established.
		KeepAlive: -1,
	}

	if config.UpstreamProxyURL == "" {
		conn, err := dialer.DialContext(ctx, "tcp", config.Address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			return nil, errors.TraceNew("unexpected connection type")
		}
		return tcpConn, nil
	}

	proxyURL, err := url.Parse(config.UpstreamProxyURL)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// The proxy dialer returns the proxied connection wrapped in a type that
	// is not a *net.TCPConn; the TCP connection to the proxy, which carries
	// the tunneled stream once the SOCKS handshake completes, is captured
	// from the forward dialer.
	forward := &capturingDialer{dialer: dialer}

	proxyDialer, err := proxy.FromURL(proxyURL, forward)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var conn net.Conn
	if contextDialer, ok := proxyDialer.(proxy.ContextDialer); ok {
		conn, err = contextDialer.DialContext(ctx, "tcp", config.Address)
	} else {
		conn, err = proxyDialer.Dial("tcp", config.Address)
	}
	if err != nil {
		forward.closeCaptured()
		return nil, errors.Trace(err)
	}

	tcpConn := forward.captured()
	if tcpConn == nil {
		conn.Close()
		return nil, errors.TraceNew("missing upstream proxy connection")
	}

	return tcpConn, nil
}

// capturingDialer is a proxy.ContextDialer that records the TCP connection
// it dials.
type capturingDialer struct {
	dialer *net.Dialer

	mutex sync.Mutex
	conn  *net.TCPConn
}

func (dialer *capturingDialer) Dial(network, addr string) (net.Conn, error) {
	return dialer.DialContext(context.Background(), network, addr)
}

func (dialer *capturingDialer) DialContext(
	ctx context.Context, network, addr string) (net.Conn, error) {

	conn, err := dialer.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, errors.TraceNew("unexpected connection type")
	}

	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()

	if dialer.conn != nil {
		tcpConn.Close()
		return nil, errors.TraceNew("unexpected second upstream proxy dial")
	}
	dialer.conn = tcpConn

	return tcpConn, nil
}

func (dialer *capturingDialer) captured() *net.TCPConn {
	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	return dialer.conn
}

func (dialer *capturingDialer) closeCaptured() {
	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	if dialer.conn != nil {
		dialer.conn.Close()
		dialer.conn = nil
	}
}

func handshakeTLS(
	ctx context.Context,
	config *Config,
	tcpConn *net.TCPConn) (stream.Session, error) {

	var rootCAs *x509.CertPool
	if !config.SkipVerify && config.TrustedCACertificatesFilename != "" {
		var err error
		rootCAs, err = loadCertPool(config.TrustedCACertificatesFilename)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	if config.TLSProfile == TLS_PROFILE_GOLANG {

		conn := tls.Client(tcpConn, &tls.Config{
			RootCAs:            rootCAs,
			InsecureSkipVerify: config.SkipVerify,
			ServerName:         config.SNIServerName,
		})

		err := conn.HandshakeContext(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}

		return conn, nil
	}

	clientHelloID, err := getUTLSClientHelloID(config.TLSProfile)
	if err != nil {
		return nil, errors.Trace(err)
	}

	conn := utls.UClient(
		tcpConn,
		&utls.Config{
			RootCAs:            rootCAs,
			InsecureSkipVerify: config.SkipVerify,
			ServerName:         config.SNIServerName,
		},
		clientHelloID)

	err = conn.HandshakeContext(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return conn, nil
}

func getUTLSClientHelloID(tlsProfile string) (utls.ClientHelloID, error) {

	switch tlsProfile {
	case TLS_PROFILE_CHROME:
		return utls.HelloChrome_Auto, nil
	case TLS_PROFILE_FIREFOX:
		return utls.HelloFirefox_Auto, nil
	case TLS_PROFILE_SAFARI:
		return utls.HelloSafari_Auto, nil
	case TLS_PROFILE_IOS:
		return utls.HelloIOS_Auto, nil
	case TLS_PROFILE_RANDOMIZED:
		return utls.HelloRandomized, nil
	}

	return utls.ClientHelloID{}, errors.Tracef("unknown TLS profile: %s", tlsProfile)
}

func loadCertPool(filename string) (*x509.CertPool, error) {

	certData, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certData) {
		return nil, errors.Tracef("no certificates in %s", filename)
	}

	return certPool, nil
}
