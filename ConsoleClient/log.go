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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"github.com/Psiphon-Labs/transport-stream/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the underlying
// logging package, and implements common.Logger.
type ContextLogger struct {
	*logrus.Logger
}

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() common.LogTrace {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function name
// and source file line number. Use this function when the log has fields.
// Note that any existing "trace" field will be renamed to "field.trace".
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	data := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		data[name] = value
	}
	if trace, ok := data["trace"]; ok {
		data["fields.trace"] = trace
	}
	data["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(data)
}

// LogMetric logs a metric event, with the metric name in the "event_name"
// field.
func (logger *ContextLogger) LogMetric(metric string, fields common.LogFields) {
	data := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		data[name] = value
	}
	if eventName, ok := data["event_name"]; ok {
		data["fields.event_name"] = eventName
	}
	data["event_name"] = metric
	logger.WithFields(data).Info("metric")
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter. This is a customized version of the
// standard logrus.JSONFormatter, with "time" renamed to "timestamp" and
// error values marshaled as their messages.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	data["msg"] = entry.Message

	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON: %v", err)
	}

	return append(serialized, '\n'), nil
}

const logFileReopenRetries = 25

// InitLogging returns a logger writing JSON logs at the specified level to
// logFilename, or to stderr when logFilename is "". A log file that is
// rotated away, for example by logrotate, is reopened.
func InitLogging(logLevel, logFilename string) (*ContextLogger, error) {

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if logFilename != "" {
		logWriter, err = rotate.NewRotatableFileWriter(
			logFilename, logFileReopenRetries, true, 0600)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return newContextLogger(logWriter, level), nil
}

func newContextLogger(writer io.Writer, level logrus.Level) *ContextLogger {
	return &ContextLogger{
		&logrus.Logger{
			Out:       writer,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	go_log.SetOutput(io.Discard)
}
