// Schema bootstrap CLI. The engine applies the schema itself at startup;
// this tool exists for provisioning a database ahead of a deploy and for
// checking connectivity from CI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/store"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or check")
	configPath := flag.String("config", "", "path to config file (optional, env vars apply on top)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration rejected: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx := context.Background()

	// store.New pings and applies the embedded schema
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database bootstrap failed: %v\n", err)
		os.Exit(3)
	}
	defer st.Close()

	switch *command {
	case "migrate":
		fmt.Println("schema applied")
	case "check":
		if err := st.Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(3)
		}
		fmt.Println("database healthy")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: migrate -command=[migrate|check]\n", *command)
		os.Exit(1)
	}
}
