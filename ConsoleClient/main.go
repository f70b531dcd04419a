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

// ConsoleClient runs the probe client or echo server specified by a JSON
// configuration file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Psiphon-Labs/transport-stream/common"
	"github.com/Psiphon-Labs/transport-stream/common/errors"
	"github.com/Psiphon-Labs/transport-stream/probe"
)

func main() {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file")

	var logLevel string
	flag.StringVar(&logLevel, "logLevel", "info", "log level (debug, info, warning, error)")

	var logFilename string
	flag.StringVar(&logFilename, "logFile", "", "log output file (defaults to stderr)")

	var mode string
	flag.StringVar(&mode, "mode", "", "override configured mode (client or server)")

	var address string
	flag.StringVar(&address, "address", "", "override configured address")

	flag.Parse()

	logger, err := InitLogging(logLevel, logFilename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %s\n", err)
		os.Exit(1)
	}

	// Handle required config file parameter

	if configFilename == "" {
		logger.WithTrace().Error("configuration file is required")
		os.Exit(1)
	}
	configFileContents, err := os.ReadFile(configFilename)
	if err != nil {
		logger.WithTraceFields(common.LogFields{"error": err}).Error(
			"error loading configuration file")
		os.Exit(1)
	}
	config, err := probe.LoadConfig(configFileContents)
	if err != nil {
		logger.WithTraceFields(common.LogFields{"error": err}).Error(
			"error processing configuration file")
		os.Exit(1)
	}

	if mode != "" {
		config.Mode = mode
	}
	if address != "" {
		config.Address = address
	}

	// All config fields should be set before calling Commit.

	err = config.Commit()
	if err != nil {
		logger.WithTraceFields(common.LogFields{"error": err}).Error(
			"error committing configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Mode == probe.MODE_SERVER {
		err = runServer(ctx, config, logger)
	} else {
		err = runClient(ctx, config, logger)
	}
	if err != nil {
		logger.WithTraceFields(common.LogFields{"error": err}).Error(
			"run failed")
		stop()
		os.Exit(1)
	}
}

func runClient(ctx context.Context, config *probe.Config, logger common.Logger) error {

	result, err := probe.RunClient(ctx, config, logger)
	if err != nil {
		return errors.Trace(err)
	}

	output, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return errors.Trace(err)
	}

	fmt.Println(string(output))

	return nil
}

func runServer(ctx context.Context, config *probe.Config, logger common.Logger) error {

	server, err := probe.NewEchoServer(config, logger)
	if err != nil {
		return errors.Trace(err)
	}

	logger.WithTraceFields(common.LogFields{
		"address": server.Addr().String(),
		"tls":     config.UseTLS,
	}).Info("echo server listening")

	err = server.Run(ctx)

	logger.LogMetric("echo_server", server.GetMetrics())

	if err != nil {
		return errors.Trace(err)
	}

	logger.WithTrace().Info("shutdown by system")

	return nil
}
