package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/arachne-mcp/arachne/common/version"
	"github.com/arachne-mcp/arachne/internal/arachne/app"
	"github.com/arachne-mcp/arachne/internal/arachne/config"
)

func main() {
	fmt.Printf("Arachne Discord Bridge\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	arachne, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Arachne: %v\n", err)
		os.Exit(1)
	}
	defer arachne.Stop()

	if err := arachne.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Arachne: %v\n", err)
		os.Exit(1)
	}
}
