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
	"time"

	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"github.com/Psiphon-Labs/transport-stream/stream"
)

// Result records the outcome of a client exchange.
type Result struct {
	StreamKind    string
	LocalAddress  string
	RemoteAddress string
	Greeting      string
	Responses     []string
	DataResponse  string
	Metrics       common.LogFields
}

// RunClient dials the server specified by config and runs a line oriented
// exchange over the resulting Stream:
//
//   - keep-alive is configured on a duplicate of the raw socket, which is
//     also used to record the connection addresses;
//   - the server greeting is read;
//   - each of config.Commands is sent and one response line is read;
//   - when config.DataMessage is set, it is sent and its response read
//     through a clone of the control stream;
//   - the write side is closed and the server is expected to close the
//     connection.
//
// Cancelling ctx interrupts any blocked read or write.
func RunClient(
	ctx context.Context,
	config *Config,
	logger common.Logger) (*Result, error) {

	if logger == nil {
		logger = common.NewNopLogger()
	}

	control, err := Dial(ctx, config, logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer control.Close()

	stopInterrupt := interruptOnCancel(ctx, control)
	defer stopInterrupt()

	result := &Result{
		StreamKind: control.Kind().String(),
	}

	err = configureSocket(control, config, result)
	if err != nil {
		return nil, errors.Trace(err)
	}

	readTimeout := config.GetReadTimeout()

	result.Greeting, err = readLineWithTimeout(ctx, control, readTimeout)
	if err != nil {
		return nil, errors.TraceMsg(err, "read greeting failed")
	}

	logger.WithTraceFields(common.LogFields{
		"stream_kind": result.StreamKind,
		"remote":      result.RemoteAddress,
	}).Info(result.Greeting)

	for _, command := range config.Commands {

		err := writeLine(control, command)
		if err != nil {
			return nil, errors.TraceMsg(err, "write command failed")
		}

		response, err := readLineWithTimeout(ctx, control, readTimeout)
		if err != nil {
			return nil, errors.TraceMsg(err, "read response failed")
		}

		logger.WithTraceFields(common.LogFields{"command": command}).Debug(response)

		result.Responses = append(result.Responses, response)
	}

	if config.DataMessage != "" {
		result.DataResponse, err = exchangeData(ctx, control, config.DataMessage, readTimeout)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	err = control.CloseWrite()
	if err != nil {
		return nil, errors.Trace(err)
	}

	_, err = readLineWithTimeout(ctx, control, readTimeout)
	if err == nil {
		return nil, errors.TraceNew("unexpected data after close")
	}
	if !errors.Is(err, io.EOF) {
		return nil, errors.Trace(err)
	}

	result.Metrics = control.GetMetrics()

	return result, nil
}

// configureSocket applies the keep-alive configuration to the connection
// underlying s, through a duplicate of its raw socket.
func configureSocket(s *stream.Stream, config *Config, result *Result) error {

	rawSocket, err := s.RawSocket()
	if err != nil {
		return errors.Trace(err)
	}
	defer rawSocket.Close()

	keepAlivePeriod := config.GetKeepAlivePeriod()
	if keepAlivePeriod > 0 {
		err = rawSocket.SetKeepAlive(true)
		if err == nil {
			err = rawSocket.SetKeepAlivePeriod(keepAlivePeriod)
		}
	} else {
		err = rawSocket.SetKeepAlive(false)
	}
	if err != nil {
		return errors.Trace(err)
	}

	result.LocalAddress = rawSocket.LocalAddr().String()
	result.RemoteAddress = rawSocket.RemoteAddr().String()

	return nil
}

// exchangeData sends message, and reads its response, through a clone of
// control. The clone is closed before returning; control remains usable.
func exchangeData(
	ctx context.Context,
	control *stream.Stream,
	message string,
	readTimeout time.Duration) (string, error) {

	data, err := control.TryClone()
	if err != nil {
		return "", errors.Trace(err)
	}
	defer data.Close()

	stopInterrupt := interruptOnCancel(ctx, data)
	defer stopInterrupt()

	err = writeLine(data, message)
	if err != nil {
		return "", errors.TraceMsg(err, "write data failed")
	}

	response, err := readLineWithTimeout(ctx, data, readTimeout)
	if err != nil {
		return "", errors.TraceMsg(err, "read data response failed")
	}

	expected := echoResponse(message)
	if response != expected {
		return "", errors.Tracef("unexpected data response: %q", response)
	}

	return response, nil
}
