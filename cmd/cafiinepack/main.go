package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sheerbytes/cafiine/internal/config"
	"github.com/sheerbytes/cafiine/internal/logging"
	"github.com/sheerbytes/cafiine/internal/termio"
	"github.com/sheerbytes/cafiine/pkg/gamepack"
)

const packVersion = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), packVersion)
		termio.Flush()
		return
	}
	os.Exit(run())
}

func run() int {
	defer termio.Flush()

	cfg, err := config.ParsePackConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "invalid arguments: %v\n", err)
		fmt.Fprintln(termio.Stderr(), "usage: cafiinepack -target FILE [-source DIR] [-root-name NAME] [-min-date "+config.DateLayout+"] [-max-date "+config.DateLayout+"]")
		fmt.Fprintln(termio.Stderr(), "       cafiinepack -inspect FILE")
		return 2
	}
	logger := logging.New("cafiinepack", cfg.LogLevel)

	if cfg.Inspect != "" {
		pack, err := gamepack.Open(cfg.Inspect)
		if err != nil {
			logger.Error("failed to open pack", "path", cfg.Inspect, "error", err)
			return 1
		}
		describe(termio.Stdout(), pack)
		return 0
	}

	start := time.Now()
	logger.Info("creating pack", "source", cfg.Source, "target", cfg.Target,
		"valid_from", formatBound(cfg.MinDate, gamepack.MinTime),
		"valid_to", formatBound(cfg.MaxDate, gamepack.MaxTime))
	path, err := gamepack.Create(cfg.Target, cfg.Source, cfg.RootName, cfg.MinDate, cfg.MaxDate)
	if err != nil {
		logger.Error("failed to create pack", "error", err)
		return 1
	}
	logger.Info("pack created", "path", path, "elapsed", time.Since(start).Round(time.Millisecond))
	return 0
}

func describe(w io.Writer, pack *gamepack.Pack) {
	fmt.Fprintf(w, "Pack      : %s\n", pack.Path())
	fmt.Fprintf(w, "Root      : %s\n", pack.Root().Name)
	fmt.Fprintf(w, "Valid from: %s\n", formatBound(pack.ValidFrom(), gamepack.MinTime))
	fmt.Fprintf(w, "Valid to  : %s\n", formatBound(pack.ValidTo(), gamepack.MaxTime))

	var files int
	var total int64
	pack.Root().Walk(func(path string, f *gamepack.File) {
		files++
		total += int64(f.Size)
		fmt.Fprintf(w, "  %10d  %s\n", f.Size, path)
	})
	fmt.Fprintf(w, "%d files, %d bytes\n", files, total)
}

func formatBound(t, unlimited time.Time) string {
	if t.Equal(unlimited) {
		return "no limit"
	}
	return t.UTC().Format(config.DateLayout)
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
