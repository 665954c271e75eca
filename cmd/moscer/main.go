// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"

	"github.com/moscer/moscer/config"
)

func main() {
	path := pflag.StringP("config", "c", "", "path to a YAML or JSON configuration file (default "+config.DefaultFileName+")")
	level := pflag.String("log-level", "", "override logging.level")
	output := pflag.String("log-output", "", "override logging.output (TEXT, JSON, CONSOLE)")
	debug := pflag.Bool("debug", false, "trust sentinel identities")
	pflag.Parse()

	c, err := config.FromFile(*path)
	if err != nil {
		slog.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *level != "" {
		c.Logging.Level = *level
	}
	if *output != "" {
		c.Logging.Output = *output
	}
	if pflag.CommandLine.Changed("debug") {
		c.Debug = *debug
	}

	if err := c.Validate(); err != nil {
		slog.Default().Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := c.Logger(os.Stdout)

	r, err := config.Configure(c, log)
	if err != nil {
		log.Error("failed to configure", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("moscer starting", "mqtt", c.MQTT.Port, "http", c.HTTP.Port, "admin", c.Admin.Address, "listener", c.Listener)
	if err := r.Run(ctx); err != nil {
		log.Error("moscer stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
}
