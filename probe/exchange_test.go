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
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"github.com/Psiphon-Labs/transport-stream/internal/testutils"
	socks5 "github.com/armon/go-socks5"
	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(value int) *int {
	return &value
}

// startEchoServer runs an EchoServer on an ephemeral loopback port until the
// test completes.
func startEchoServer(
	t *testing.T,
	serverConfig *Config,
	logger common.Logger) *EchoServer {

	serverConfig.Mode = MODE_SERVER
	serverConfig.Address = "127.0.0.1:0"
	require.NoError(t, serverConfig.Commit())

	server, err := NewEchoServer(serverConfig, logger)
	require.NoError(t, err)

	ctx, cancelFunc := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- server.Run(ctx)
	}()

	t.Cleanup(func() {
		cancelFunc()
		assert.NoError(t, <-runErr)
	})

	return server
}

func newClientConfig(t *testing.T, address string, useTLS bool) *Config {
	return &Config{
		Mode:                       MODE_CLIENT,
		Address:                    address,
		UseTLS:                     useTLS,
		ConnectTimeoutMilliseconds: intPtr(5000),
		ReadTimeoutMilliseconds:    intPtr(5000),
		KeepAlivePeriodSeconds:     intPtr(30),
		Commands:                   []string{"USER anonymous", "PWD", "TYPE I"},
		DataMessage:                "0123456789",
	}
}

func TestRunClient(t *testing.T) {

	certPEM, keyPEM, err := common.GenerateSelfSignedCertificate("127.0.0.1")
	require.NoError(t, err)

	dir := t.TempDir()
	certFilename := filepath.Join(dir, "cert.pem")
	keyFilename := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFilename, []byte(certPEM), 0600))
	require.NoError(t, os.WriteFile(keyFilename, []byte(keyPEM), 0600))

	testCases := []struct {
		name         string
		useTLS       bool
		serverConfig func(*Config)
		clientConfig func(*Config)
	}{
		{
			name: "plain",
		},
		{
			name:   "TLS skip verify",
			useTLS: true,
			clientConfig: func(config *Config) {
				config.SkipVerify = true
			},
		},
		{
			name:   "TLS trusted CA",
			useTLS: true,
			serverConfig: func(config *Config) {
				config.ServerCertificateFilename = certFilename
				config.ServerPrivateKeyFilename = keyFilename
			},
			clientConfig: func(config *Config) {
				config.TrustedCACertificatesFilename = certFilename
			},
		},
		{
			name: "plain without keep-alive",
			clientConfig: func(config *Config) {
				config.KeepAlivePeriodSeconds = intPtr(0)
				config.DataMessage = ""
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {

			serverLogger := testutils.NewTestLoggerWithComponent("server")

			serverConfig := &Config{
				UseTLS:                  testCase.useTLS,
				ReadTimeoutMilliseconds: intPtr(5000),
			}
			if testCase.serverConfig != nil {
				testCase.serverConfig(serverConfig)
			}
			server := startEchoServer(t, serverConfig, serverLogger)

			clientConfig := newClientConfig(t, server.Addr().String(), testCase.useTLS)
			if testCase.clientConfig != nil {
				testCase.clientConfig(clientConfig)
			}
			require.NoError(t, clientConfig.Commit())

			result, err := RunClient(
				context.Background(),
				clientConfig,
				testutils.NewTestLoggerWithComponent("client"))
			require.NoError(t, err)

			expectedKind := "plain"
			if testCase.useTLS {
				expectedKind = "encrypted"
			}
			assert.Equal(t, expectedKind, result.StreamKind)
			assert.Equal(t, server.Addr().String(), result.RemoteAddress)
			assert.Equal(t, DEFAULT_SERVER_GREETING, result.Greeting)

			expectedResponses := make([]string, 0, len(clientConfig.Commands))
			for _, command := range clientConfig.Commands {
				expectedResponses = append(expectedResponses, echoResponse(command))
			}
			assert.Equal(t, expectedResponses, result.Responses)

			if clientConfig.DataMessage != "" {
				assert.Equal(t, echoResponse(clientConfig.DataMessage), result.DataResponse)
			} else {
				assert.Equal(t, "", result.DataResponse)
			}

			assert.Equal(t, expectedKind, result.Metrics["stream_kind"])
			if testCase.useTLS {
				assert.Equal(t, int32(1), result.Metrics["open_handles"])
				assert.Greater(t, result.Metrics["bytes_read"].(int64), int64(0))
				assert.Equal(t, false, result.Metrics["poisoned"])
			}

			// The server logs its connection metric before closing the
			// connection, and the client waits for that close.
			serverMetrics := serverLogger.GetMetrics("echo_connection")
			require.Len(t, serverMetrics, 1)
			assert.Equal(t, expectedKind, serverMetrics[0]["stream_kind"])
			assert.NotContains(t, serverMetrics[0], "error")
		})
	}
}

func TestRunClientUpstreamProxy(t *testing.T) {

	server := startEchoServer(
		t,
		&Config{ReadTimeoutMilliseconds: intPtr(5000)},
		testutils.NewTestLoggerWithComponent("server"))

	socksServer, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)

	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyListener.Close()

	go func() {
		_ = socksServer.Serve(proxyListener)
	}()

	clientConfig := newClientConfig(t, server.Addr().String(), false)
	clientConfig.UpstreamProxyURL = "socks5://" + proxyListener.Addr().String()
	require.NoError(t, clientConfig.Commit())

	result, err := RunClient(
		context.Background(),
		clientConfig,
		testutils.NewTestLoggerWithComponent("client"))
	require.NoError(t, err)

	// The raw socket is the connection to the proxy.
	assert.Equal(t, proxyListener.Addr().String(), result.RemoteAddress)
	assert.Equal(t, DEFAULT_SERVER_GREETING, result.Greeting)
	assert.Equal(t, echoResponse(clientConfig.DataMessage), result.DataResponse)
}

func TestRunClientCancel(t *testing.T) {

	// A server that accepts and never sends a greeting.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	clientConfig := newClientConfig(t, listener.Addr().String(), false)
	clientConfig.ReadTimeoutMilliseconds = intPtr(0)
	require.NoError(t, clientConfig.Commit())

	ctx, cancelFunc := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelFunc()

	start := time.Now()
	_, err = RunClient(ctx, clientConfig, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection not accepted")
	}
}

func TestRunClientCancelDuringDataExchange(t *testing.T) {

	// A server that sends a greeting, reads the data line and never
	// answers it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	dataReceived := make(chan string, 1)
	serverConns := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		serverConns <- conn
		if _, err := conn.Write([]byte("220 hi\r\n")); err != nil {
			return
		}
		line, err := readLine(conn)
		if err == nil {
			dataReceived <- line
		}
	}()

	clientConfig := newClientConfig(t, listener.Addr().String(), false)
	clientConfig.Commands = nil
	clientConfig.DataMessage = "data"
	clientConfig.ReadTimeoutMilliseconds = intPtr(0)
	require.NoError(t, clientConfig.Commit())

	ctx, cancelFunc := context.WithTimeout(context.Background(), time.Second)
	defer cancelFunc()

	runErr := make(chan error, 1)
	go func() {
		_, err := RunClient(ctx, clientConfig, nil)
		runErr <- err
	}()

	select {
	case line := <-dataReceived:
		assert.Equal(t, "data", line)
	case <-time.After(5 * time.Second):
		t.Fatal("data line not received")
	}

	select {
	case err := <-runErr:
		assert.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), err.Error())
	case <-time.After(3 * time.Second):
		t.Fatal("RunClient not interrupted by cancellation")
	}

	(<-serverConns).Close()
}

func TestReadLineWithTimeoutCancelled(t *testing.T) {

	server := startEchoServer(
		t,
		&Config{ReadTimeoutMilliseconds: intPtr(5000)},
		testutils.NewTestLoggerWithComponent("server"))

	clientConfig := newClientConfig(t, server.Addr().String(), false)
	require.NoError(t, clientConfig.Commit())

	s, err := Dial(context.Background(), clientConfig, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancelFunc := context.WithCancel(context.Background())
	cancelFunc()

	// The greeting is available, but a cancelled context is not re-armed
	// with a new deadline and no read is attempted.
	_, err = readLineWithTimeout(ctx, s, 5*time.Second)
	assert.True(t, errors.Is(err, context.Canceled))

	greeting, err := readLineWithTimeout(context.Background(), s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DEFAULT_SERVER_GREETING, greeting)
}

func TestRunClientUncommittedConfig(t *testing.T) {
	_, err := RunClient(context.Background(), &Config{Address: "127.0.0.1:21"}, nil)
	assert.Error(t, err)
}

func TestEchoServerQuit(t *testing.T) {

	server := startEchoServer(
		t,
		&Config{ReadTimeoutMilliseconds: intPtr(5000)},
		testutils.NewTestLoggerWithComponent("server"))

	clientConfig := newClientConfig(t, server.Addr().String(), false)
	require.NoError(t, clientConfig.Commit())

	s, err := Dial(context.Background(), clientConfig, nil)
	require.NoError(t, err)
	defer s.Close()

	greeting, err := readLineWithTimeout(context.Background(), s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DEFAULT_SERVER_GREETING, greeting)

	require.NoError(t, writeLine(s, "QUIT"))

	response, err := readLineWithTimeout(context.Background(), s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "221 closing connection", response)

	_, err = readLineWithTimeout(context.Background(), s, 5*time.Second)
	assert.Error(t, err)

	assert.Equal(t, int64(1), server.GetMetrics()["connections"])
}

func TestGetUTLSClientHelloID(t *testing.T) {

	for _, profile := range SupportedTLSProfiles {
		if profile == TLS_PROFILE_GOLANG {
			continue
		}
		clientHelloID, err := getUTLSClientHelloID(profile)
		require.NoError(t, err, profile)
		assert.NotEmpty(t, clientHelloID.Client, profile)
	}

	clientHelloID, err := getUTLSClientHelloID(TLS_PROFILE_RANDOMIZED)
	require.NoError(t, err)
	assert.Equal(t, utls.HelloRandomized, clientHelloID)

	_, err = getUTLSClientHelloID("opera")
	assert.Error(t, err)
}

func TestEchoServerRateLimit(t *testing.T) {

	server := startEchoServer(
		t,
		&Config{
			ReadTimeoutMilliseconds:             intPtr(5000),
			ServerRateLimitQuantity:             1,
			ServerRateLimitIntervalMilliseconds: 60000,
		},
		testutils.NewTestLoggerWithComponent("server"))

	clientConfig := newClientConfig(t, server.Addr().String(), false)
	require.NoError(t, clientConfig.Commit())

	first, err := Dial(context.Background(), clientConfig, nil)
	require.NoError(t, err)
	defer first.Close()

	greeting, err := readLineWithTimeout(context.Background(), first, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DEFAULT_SERVER_GREETING, greeting)

	second, err := Dial(context.Background(), clientConfig, nil)
	require.NoError(t, err)
	defer second.Close()

	_, err = readLineWithTimeout(context.Background(), second, 5*time.Second)
	assert.Error(t, err)

	metrics := server.GetMetrics()
	assert.Equal(t, int64(1), metrics["rate_limited_connections"])
	assert.Equal(t, int64(1), metrics["connections"])
}
