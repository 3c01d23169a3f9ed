// Command prompter runs a headless prompter host or a terminal remote.
//
//	prompter host [-script file] [-qr file]
//	prompter remote CODE
//
// Both read commands from stdin: play, pause, toggle, speed N, faster,
// slower, font N, forward, reverse, reset, smart on|off, status, connect,
// quit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"teleprompter/internal/config"
	"teleprompter/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if _, err := logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "host":
		err = runHost(ctx, cfg, os.Args[2:])
	case "remote":
		err = runRemote(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg(os.Args[1])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: prompter host [-script file] [-qr file] | prompter remote CODE")
}
