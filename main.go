package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/patrikhermansson/pinmatch/cmd"
	"github.com/rs/zerolog/log"
)

// main runs the CLI with a context that is cancelled on interrupt. The log
// level comes from PINMATCH_LOG, read when the core package initializes.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}
