// Package main is the entry point for ojd, the oj orchestration daemon.
// It supervises agents, jobs, crews, workers, and crons for a single user,
// listening on a unix socket in the state directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/daemon"
	"github.com/oj-sh/oj/internal/listener"
	"github.com/oj-sh/oj/internal/snapshot"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// 1. Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadWithPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Create context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Recover state and assemble the daemon
	d, err := daemon.New(cfg, log, version)
	if err != nil {
		var tooNew *snapshot.MigrationTooNewError
		if errors.As(err, &tooNew) {
			fmt.Fprintf(os.Stderr, "%v\nUpgrade ojd or remove %s to start fresh.\n",
				err, cfg.Daemon.StateDir)
			os.Exit(1)
		}
		log.Fatal("Failed to start daemon", zap.Error(err))
	}

	// 5. Run until signalled
	if err := d.Run(ctx); err != nil {
		var running *listener.AlreadyRunningError
		if errors.As(err, &running) {
			fmt.Fprintln(os.Stderr, running.Error())
			os.Exit(1)
		}
		log.Fatal("Daemon failed", zap.Error(err))
	}
}
