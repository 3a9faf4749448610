package main

import (
	"fmt"
	"os"

	app "github.com/valter-silva-au/ai-task-delegate/internal"
	"github.com/valter-silva-au/ai-task-delegate/internal/cli"
)

// Set by goreleaser ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)
	basePath := app.ResolveBasePath()

	a, err := app.NewApp(basePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing atd: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.StartMaintenance(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting maintenance scheduler: %v\n", err)
		os.Exit(1)
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
