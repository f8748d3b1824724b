package cmd

import (
	"io"
	"log"
)

func init() {
	// Discard the default logger's output. pkg/logging also writes through
	// the default logger and sets its output to standard output in its own
	// init.
	log.SetOutput(io.Discard)
}
