// =============================================================================
// GOQUEUE PRODUCER - MAIN ENTRY POINT
// =============================================================================
//
// WHAT IS THIS?
// The command-line entry point for the idempotent producer. It can acquire
// a producer identifier, publish stamped messages, or run a self-contained
// demo against an embedded broker.
//
// USAGE:
//   goqueue-producer [command] [flags]
//
// EXAMPLES:
//   goqueue-producer acquire -b 127.0.0.1:8080 -k orders-service
//   goqueue-producer produce orders -m "hello" -b 127.0.0.1:8080
//   goqueue-producer demo                     # embedded broker, full cycle
//   goqueue-producer version
//
// CONFIGURATION:
//   Config file via --config; flags override file values.
//
// =============================================================================

package main

import (
	"os"

	"github.com/abd-ulbasit/goqueue-producer-go/cmd/goqueue-producer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
