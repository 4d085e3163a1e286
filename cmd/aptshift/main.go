package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aptshift/aptshift/cmd/aptshift/commands"
	"github.com/aptshift/aptshift/pkg/upgrade"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}

	// Classified errors carry their exit code; anything else got rejected
	// before a run started, which makes it an argument problem.
	code := upgrade.ExitInvalidArgs
	var e *upgrade.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	fmt.Fprintf(os.Stderr, "aptshift: %s\n", err)
	os.Exit(code)
}
