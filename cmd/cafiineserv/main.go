package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/cafiine/internal/admin"
	"github.com/sheerbytes/cafiine/internal/config"
	"github.com/sheerbytes/cafiine/internal/logging"
	"github.com/sheerbytes/cafiine/internal/logtail"
	"github.com/sheerbytes/cafiine/internal/server"
	"github.com/sheerbytes/cafiine/internal/session"
	"github.com/sheerbytes/cafiine/internal/storage"
	"github.com/sheerbytes/cafiine/internal/termio"
	"github.com/sheerbytes/cafiine/pkg/gamepack"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush()
		return
	}
	os.Exit(run())
}

func run() int {
	defer termio.Flush()

	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "invalid configuration: %v\n", err)
		return 2
	}
	logger := logging.New("cafiineserv", cfg.LogLevel)

	hub := logtail.NewHub(0)
	managerOpts := []logging.ManagerOption{logging.WithHub(hub)}
	logsDir := ""
	if !cfg.NoLogs {
		managerOpts = append(managerOpts, logging.WithFileLogs(cfg.LogsDir))
		logsDir = cfg.LogsDir
	}
	logs, err := logging.NewManager(logger, managerOpts...)
	if err != nil {
		logger.Error("failed to set up logs", "error", err)
		return 1
	}
	defer logs.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		return 1
	}
	st, err := storage.New(cfg.DataDir, logs, gamepack.WithCacheEntries(cfg.PackCacheEntries))
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		return 1
	}

	sessions := session.NewStore()
	srv, err := server.New(server.Options{
		DataDir:           cfg.DataDir,
		DumpDir:           cfg.DumpDir,
		LogsDir:           logsDir,
		DumpAll:           cfg.DumpAll,
		DumpAllSlow:       cfg.DumpAllSlow,
		MaxConnections:    cfg.MaxConnections,
		ConnectsPerMinute: cfg.ConnectsPerMinute,
		ConnectsBurst:     cfg.ConnectsBurst,
	}, st, logs, sessions)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AdminAddr != "" {
		handler := admin.NewHandler(sessions, st, hub, logger)
		go func() {
			logger.Info("admin listening", "addr", cfg.AdminAddr)
			if err := admin.ListenAndServe(ctx, cfg.AdminAddr, handler); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
	}

	if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: cafiineserv [options]")
	fmt.Fprintln(termio.Stderr(), "  -config PATH              YAML configuration file")
	fmt.Fprintln(termio.Stderr(), "  -addr ADDR                listen address (default :7332)")
	fmt.Fprintln(termio.Stderr(), "  -data DIR                 replacement files and packs (default data)")
	fmt.Fprintln(termio.Stderr(), "  -dump DIR                 dumped files (default dump)")
	fmt.Fprintln(termio.Stderr(), "  -logs DIR                 per-client log files (default logs)")
	fmt.Fprintln(termio.Stderr(), "  -dump-all                 request every file that has not been dumped yet")
	fmt.Fprintln(termio.Stderr(), "  -dump-all-slow            like -dump-all, using the slow transfer mode")
	fmt.Fprintln(termio.Stderr(), "  -no-logs                  disable log files")
	fmt.Fprintln(termio.Stderr(), "  -log-level LEVEL          debug, info, warn or error (default info)")
	fmt.Fprintln(termio.Stderr(), "  -admin-addr ADDR          admin HTTP address (default disabled)")
	fmt.Fprintln(termio.Stderr(), "  -max-connections N        max concurrent connections (default unlimited)")
	fmt.Fprintln(termio.Stderr(), "  -connects-per-min N       connections per minute per IP (default unlimited)")
	fmt.Fprintln(termio.Stderr(), "  -connects-burst N         connection burst per IP")
	fmt.Fprintln(termio.Stderr(), "  -pack-cache-entries N     decrypted files cached per pack, up to 1 MiB each (default 64)")
	fmt.Fprintln(termio.Stderr(), "Every option can also be set as CAFIINE_<NAME> in the environment.")
	termio.Flush()
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
