package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"vmproc/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Error().Err(err).Msg("vmproc failed")
		os.Exit(1)
	}
}
