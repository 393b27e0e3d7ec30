package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"logpipe/internal/app"
	"logpipe/pkg/config"
	"logpipe/pkg/logger"
	"logpipe/pkg/shutdown"
	"logpipe/pkg/state"
)

// set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	flags, err := config.ParseConfigFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	eff, err := config.LoadEffectiveConfig(flags)
	if err != nil {
		logger.Init()
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger.InitWithLevel(eff.Config.Logging.Level, eff.Config.Logging.Format)
	logger.Info("config_loaded", "sources", eff.Sources, "addr", eff.Addr, "data_dir", eff.Config.DataDir)

	crashRoot := state.CrashRoot(eff.Config.DataDir)
	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup", err, crashRoot, time.Second)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()
	if err := a.Run(ctx); err != nil {
		shutdown.Abort("run", err, crashRoot, 0)
	}
}
