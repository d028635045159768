// voiced serves real-time voice sessions and ships a terminal client for
// them.
//
// Usage:
//
//	voiced serve                       # serve sessions on :8000
//	voiced serve --static ./web        # also serve a frontend
//	voiced client                      # talk to a local server
//	voiced client --url ws://host/ws   # talk to another server
//
// Configuration is read from the environment, .env and an optional YAML
// file given with --config.
package main

import (
	"fmt"
	"os"

	"github.com/koscakluka/ema-voice/cmd/voiced/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
