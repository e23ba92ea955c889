package main

import (
	"log/slog"
	"os"

	"github.com/felixgeelhaar/taskfabric/adapter/cli"
)

func main() {
	// Bootstrap logger until a service command installs its own.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	cli.SetLogger(logger)

	cli.Execute()
}
