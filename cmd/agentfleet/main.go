package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/wisbric/agentfleet/internal/app"
	"github.com/wisbric/agentfleet/internal/config"
)

// Exit codes: 0 clean shutdown, 1 fatal config error, 2 Store unreachable
// at startup, 3 unrecoverable internal invariant violation.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitStoreUnreach   = 2
	exitInternalFault  = 3
)

func main() {
	mode := flag.String("mode", "", "run mode: orchestrator or api (overrides AGENTFLEET_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(exitConfigError)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

// exitCodeFor maps a fatal error from app.Run to an exit code.
// Store-connectivity failures are distinguished by
// message prefix since app.Run wraps them with fmt.Errorf rather than a
// typed sentinel — both "connecting to database" and "connecting to
// store" fail during the same startup phase, before any component has run,
// so neither can yet be an internal invariant violation.
func exitCodeFor(err error) int {
	msg := err.Error()
	switch {
	case containsAny(msg, "connecting to database", "connecting to store", "parsing redis url"):
		return exitStoreUnreach
	case containsAny(msg, "unknown mode", "parsing config", "building secrets provider"):
		return exitConfigError
	default:
		return exitInternalFault
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
