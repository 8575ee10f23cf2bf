/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/openclaw/fleetd"
	"github.com/openclaw/fleetd/lib/config"
	"github.com/openclaw/fleetd/lib/service"
)

func main() {
	app := kingpin.New("fleetd", "Multi-tenant agent fleet control plane.")
	app.HelpFlag.Short('h')
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	cmdStart := app.Command("start", "Start the control plane.")
	cmdVersion := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(os.Args[1:])
	if err != nil {
		app.Usage(os.Args[1:])
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	switch command {
	case cmdStart.FullCommand():
		if err := onStart(); err != nil {
			slog.Error("fleetd exited with an error", "error", err)
			os.Exit(1)
		}
	case cmdVersion.FullCommand():
		fmt.Println(fleetd.Version)
	}
}

func onStart() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
