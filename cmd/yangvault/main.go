// Command yangvault manages a yangvault repository from the shell:
// scheduled module changes, one-shot datastore reads and writes, segment
// inspection, and forced recovery sweeps.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"yangvault/cmd/yangvault/cli"
	"yangvault/internal/logging"
)

func main() {
	level := slog.LevelWarn
	if os.Getenv("YANGVAULT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(logging.NewComponentFilterHandler(base, level))

	if err := cli.NewRootCommand(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
