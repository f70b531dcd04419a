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
Package probe is a client of package stream. It dials a control connection,
plain or TLS, wraps it in a stream.Stream, and runs a line-oriented
exchange that uses TryClone for a secondary data handle and RawSocket for
socket options, in the manner of an FTP client. It also provides an echo
server to exchange with.
*/
package probe

import (
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Psiphon-Labs/transport-stream/common/errors"
)

const (
	MODE_CLIENT = "client"
	MODE_SERVER = "server"

	TLS_PROFILE_GOLANG     = "golang"
	TLS_PROFILE_CHROME     = "chrome"
	TLS_PROFILE_FIREFOX    = "firefox"
	TLS_PROFILE_SAFARI     = "safari"
	TLS_PROFILE_IOS        = "ios"
	TLS_PROFILE_RANDOMIZED = "randomized"

	DEFAULT_CONNECT_TIMEOUT     = 15 * time.Second
	DEFAULT_READ_TIMEOUT        = 30 * time.Second
	DEFAULT_KEEP_ALIVE_PERIOD   = 60 * time.Second
	DEFAULT_SERVER_GREETING     = "220 transport-stream echo server ready"
	MAX_LINE_LENGTH             = 4096
	UPSTREAM_PROXY_SCHEME_SOCKS = "socks5"
)

var SupportedTLSProfiles = []string{
	TLS_PROFILE_GOLANG,
	TLS_PROFILE_CHROME,
	TLS_PROFILE_FIREFOX,
	TLS_PROFILE_SAFARI,
	TLS_PROFILE_IOS,
	TLS_PROFILE_RANDOMIZED,
}

// Config is the probe configuration, loaded from JSON with LoadConfig.
//
// To distinguish omitted timeout params from explicit 0 value timeout
// params, these params are int pointers. nil means no param was supplied
// so use the default; a non-nil pointer to 0 means no timeout.
type Config struct {

	// Mode is MODE_CLIENT or MODE_SERVER.
	Mode string

	// Address is the host:port to dial, in client mode, or to listen on, in
	// server mode.
	Address string

	// UseTLS specifies that the connection is wrapped in TLS immediately
	// after the TCP connection is established.
	UseTLS bool

	// TLSProfile selects the client TLS implementation and ClientHello:
	// TLS_PROFILE_GOLANG (the default) uses crypto/tls; the other profiles
	// use utls parrots.
	TLSProfile string

	// SNIServerName is the TLS server name to send and verify. When omitted,
	// the host of Address is used.
	SNIServerName string

	// SkipVerify disables server certificate verification.
	SkipVerify bool

	// TrustedCACertificatesFilename is a PEM file of root certificates used
	// instead of the system roots.
	TrustedCACertificatesFilename string

	// UpstreamProxyURL is an optional "socks5://[user:password@]host:port"
	// proxy through which the TCP connection is dialed.
	UpstreamProxyURL string

	ConnectTimeoutMilliseconds *int
	ReadTimeoutMilliseconds    *int

	// KeepAlivePeriodSeconds is applied to the connection's socket. A
	// non-nil pointer to 0 disables TCP keep-alive.
	KeepAlivePeriodSeconds *int

	// Commands are sent by the client, in order, each followed by CRLF.
	// One response line is read for each command.
	Commands []string

	// DataMessage, when set, is sent by the client through a clone of the
	// control stream, and the echoed response is verified.
	DataMessage string

	// ServerCertificateFilename and ServerPrivateKeyFilename are the PEM
	// certificate and key used by the server in TLS mode. When omitted, a
	// self-signed certificate is generated.
	ServerCertificateFilename string
	ServerPrivateKeyFilename  string

	// ServerGreeting is the first line sent by the server on each
	// connection.
	ServerGreeting string

	// ServerRateLimitQuantity and ServerRateLimitIntervalMilliseconds limit
	// the rate of accepted connections per client IP address to quantity
	// per interval. Connections over the limit are closed immediately. When
	// either value is 0, there is no limit.
	ServerRateLimitQuantity             int
	ServerRateLimitIntervalMilliseconds int

	committed bool
}

// LoadConfig parses a JSON probe configuration. The returned config must be
// committed with Commit before use; fields may be modified, for example by
// command line flags, before committing.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &config, nil
}

// IsCommitted checks if Commit was called.
func (config *Config) IsCommitted() bool {
	return config.committed
}

// Commit validates the configuration and applies defaults. Commit must be
// called exactly once, after all fields are set.
func (config *Config) Commit() error {

	if config.committed {
		return errors.TraceNew("config already committed")
	}

	if config.Mode == "" {
		config.Mode = MODE_CLIENT
	}
	if config.Mode != MODE_CLIENT && config.Mode != MODE_SERVER {
		return errors.Tracef("invalid mode: %s", config.Mode)
	}

	host, _, err := net.SplitHostPort(config.Address)
	if err != nil {
		return errors.TraceMsg(err, "invalid address")
	}

	if config.TLSProfile == "" {
		config.TLSProfile = TLS_PROFILE_GOLANG
	}
	if !contains(SupportedTLSProfiles, config.TLSProfile) {
		return errors.Tracef("invalid TLS profile: %s", config.TLSProfile)
	}

	if config.UseTLS && config.SNIServerName == "" {
		config.SNIServerName = host
	}

	if config.UpstreamProxyURL != "" {
		if config.Mode != MODE_CLIENT {
			return errors.TraceNew("upstream proxy is supported only in client mode")
		}
		proxyURL, err := url.Parse(config.UpstreamProxyURL)
		if err != nil {
			return errors.TraceMsg(err, "invalid upstream proxy URL")
		}
		if proxyURL.Scheme != UPSTREAM_PROXY_SCHEME_SOCKS {
			return errors.Tracef("unsupported upstream proxy scheme: %s", proxyURL.Scheme)
		}
	}

	if (config.ServerCertificateFilename == "") != (config.ServerPrivateKeyFilename == "") {
		return errors.TraceNew("server certificate and private key must be specified together")
	}

	for _, command := range config.Commands {
		if strings.ContainsAny(command, "\r\n") {
			return errors.Tracef("command contains line terminator: %q", command)
		}
	}
	if strings.ContainsAny(config.DataMessage, "\r\n") {
		return errors.TraceNew("data message contains line terminator")
	}

	for name, value := range map[string]*int{
		"ConnectTimeoutMilliseconds": config.ConnectTimeoutMilliseconds,
		"ReadTimeoutMilliseconds":    config.ReadTimeoutMilliseconds,
		"KeepAlivePeriodSeconds":     config.KeepAlivePeriodSeconds,
	} {
		if value != nil && *value < 0 {
			return errors.Tracef("invalid %s: %d", name, *value)
		}
	}

	if config.ServerRateLimitQuantity < 0 || config.ServerRateLimitIntervalMilliseconds < 0 {
		return errors.TraceNew("invalid server rate limit")
	}

	if config.ServerGreeting == "" {
		config.ServerGreeting = DEFAULT_SERVER_GREETING
	}

	config.committed = true

	return nil
}

// GetConnectTimeout returns the dial timeout; 0 means no timeout.
func (config *Config) GetConnectTimeout() time.Duration {
	return millisecondsOrDefault(config.ConnectTimeoutMilliseconds, DEFAULT_CONNECT_TIMEOUT)
}

// GetReadTimeout returns the timeout for reading each line; 0 means no
// timeout.
func (config *Config) GetReadTimeout() time.Duration {
	return millisecondsOrDefault(config.ReadTimeoutMilliseconds, DEFAULT_READ_TIMEOUT)
}

// GetKeepAlivePeriod returns the TCP keep-alive period; 0 means keep-alive
// is disabled.
func (config *Config) GetKeepAlivePeriod() time.Duration {
	if config.KeepAlivePeriodSeconds == nil {
		return DEFAULT_KEEP_ALIVE_PERIOD
	}
	return time.Duration(*config.KeepAlivePeriodSeconds) * time.Second
}

// GetServerRateLimit returns the per client connection rate limit
// parameters; a 0 quantity means no limit.
func (config *Config) GetServerRateLimit() (int, time.Duration) {
	quantity := config.ServerRateLimitQuantity
	interval := time.Duration(config.ServerRateLimitIntervalMilliseconds) * time.Millisecond
	if quantity == 0 || interval == 0 {
		return 0, 0
	}
	return quantity, interval
}

func millisecondsOrDefault(value *int, defaultValue time.Duration) time.Duration {
	if value == nil {
		return defaultValue
	}
	return time.Duration(*value) * time.Millisecond
}

func contains(list []string, target string) bool {
	for _, listItem := range list {
		if listItem == target {
			return true
		}
	}
	return false
}
