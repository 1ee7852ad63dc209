// Opshive is the autonomous operations CLI: it uploads and executes
// task lists, runs the watch daemon, and checks platform service
// health with optional self-healing.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
