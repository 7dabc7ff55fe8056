package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aluiziolira/go-scrape-reviews/logging"
	"github.com/spf13/cobra"
)

// errRunFailed is returned once the summary has been printed, so main only sets
// the exit status.
var errRunFailed = errors.New("run finished with failures")

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "scraper",
	Short:         "scraper collects douban book info, comments and reviews into JSONL files.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "json5 config file (a <name>.local.json5 next to it overrides it)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(newCrawlCmd(), newSweepCmd(), newEpubCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	err := rootCmd.ExecuteContext(ctx)
	if closeErr := logging.Close(); closeErr != nil {
		fmt.Fprintln(os.Stderr, closeErr)
	}
	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func setupLogging(module, dir string) *slog.Logger {
	return logging.Setup(logging.Options{
		Module:  module,
		Verbose: verbose,
		Dir:     dir,
	})
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
