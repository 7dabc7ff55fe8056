package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/proxy"
	"github.com/aluiziolira/go-scrape-reviews/scraper"
	"github.com/aluiziolira/go-scrape-reviews/store"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// sweepMaxComments is the per-stream target used when re-crawling existing
// directories, high enough to mean "everything".
const sweepMaxComments = 10000

type crawlFlags struct {
	maxComments   int
	outputDir     string
	cookieFile    string
	workers       int
	pageSize      int
	proxyFile     string
	freeProxies   bool
	bookIDs       []string
	noFullContent bool
	metricsAddr   string
}

func (f *crawlFlags) register(fs *pflag.FlagSet, maxCommentsDefault int) {
	defaults := config.DefaultConfig()
	fs.IntVarP(&f.maxComments, "max-comments", "m", maxCommentsDefault, "Target records per stream")
	fs.StringVarP(&f.outputDir, "output-dir", "o", defaults.OutputDir, "Base output directory")
	fs.StringVarP(&f.cookieFile, "cookie-file", "c", "", "File holding the douban Cookie header")
	fs.IntVarP(&f.workers, "workers", "w", defaults.Workers, "Number of books collected concurrently")
	fs.IntVar(&f.pageSize, "page-size", defaults.PageSize, "Records requested per listing page")
	fs.StringVar(&f.proxyFile, "proxy-file", "", "File with one proxy per line")
	fs.BoolVar(&f.freeProxies, "free-proxies", false, "Harvest proxies from public free-proxy listings")
	fs.StringArrayVar(&f.bookIDs, "book-id", nil, "Known book id as name=id, skips the search (repeatable)")
	fs.BoolVar(&f.noFullContent, "no-full-content", false, "Keep review summaries instead of fetching full texts")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
}

// config layers defaults, the config file, the environment and finally the flags
// the user actually set.
func (f *crawlFlags) config(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		if err := config.LoadFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", configFile, err)
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if fs.Changed("max-comments") || cfg.MaxComments == config.DefaultConfig().MaxComments {
		cfg.MaxComments = f.maxComments
	}
	if fs.Changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if f.cookieFile != "" {
		cookie, err := config.ReadCookieFile(f.cookieFile)
		if err != nil {
			return nil, err
		}
		cfg.Cookie = cookie
	}
	if fs.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fs.Changed("page-size") {
		cfg.PageSize = f.pageSize
	}
	if f.proxyFile != "" {
		cfg.ProxyFile = f.proxyFile
	}
	if f.freeProxies {
		cfg.FreeProxies = true
	}
	if f.noFullContent {
		cfg.FetchFullContent = false
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	cfg.Verbose = verbose

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <book name>...",
		Short: "Collect book info, short comments and reviews for the named books.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config(cmd.Flags())
			if err != nil {
				return err
			}
			ids, err := scraper.ParseBookIDs(flags.bookIDs)
			if err != nil {
				return err
			}
			targets := scraper.BuildTargets(args, ids, cfg.OutputDir)
			if len(targets) == 0 {
				return errors.New("no book names given")
			}
			return crawl(cmd.Context(), cfg, targets)
		},
	}
	flags.register(cmd.Flags(), config.DefaultConfig().MaxComments)
	return cmd
}

func newSweepCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "sweep [dir]",
		Short: "Re-crawl every book directory already present under the output directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("output-dir", args[0]); err != nil {
					return err
				}
			}
			cfg, err := flags.config(cmd.Flags())
			if err != nil {
				return err
			}
			targets, err := scraper.TargetsFromDir(cfg.OutputDir)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				slog.Warn("nothing to sweep", slog.String("dir", cfg.OutputDir))
				return nil
			}
			ids, err := scraper.ParseBookIDs(flags.bookIDs)
			if err != nil {
				return err
			}
			for i := range targets {
				targets[i].BookID = ids[targets[i].Name]
			}
			return crawl(cmd.Context(), cfg, targets)
		},
	}
	flags.register(cmd.Flags(), sweepMaxComments)
	return cmd
}

func crawl(ctx context.Context, cfg *config.Config, targets []models.Target) error {
	logger := setupLogging("scraper", cfg.LogDir)
	logger.Info("starting crawl",
		slog.Int("targets", len(targets)),
		slog.Int("workers", cfg.Workers),
		slog.Int("max_comments", cfg.MaxComments),
		slog.String("output_dir", cfg.OutputDir),
		slog.Bool("cookie", cfg.Cookie != ""),
	)

	st, err := store.New(cfg.DedupeCacheSize, logger)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	metrics := scraper.NewMetrics()
	opts := []scraper.Option{scraper.WithLogger(logger), scraper.WithMetrics(metrics)}

	pool, err := buildProxyPool(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		opts = append(opts, scraper.WithProxies(pool))
	}

	var tracker *progressObserver
	if isTerminal(os.Stderr) {
		tracker = newProgressObserver(os.Stderr, int64(1+2*cfg.MaxComments))
		opts = append(opts, scraper.WithObserver(tracker))
	}

	job, err := scraper.NewBookJob(cfg, st, opts...)
	if err != nil {
		return err
	}
	orch := scraper.NewOrchestrator(job, cfg, opts...)

	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics, logger)

	if tracker != nil {
		tracker.Start()
	}
	summary := orch.Run(ctx, targets)
	if tracker != nil {
		tracker.Stop()
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(os.Stdout, targets, summary)
	if pool != nil {
		printProxyStats(os.Stdout, pool.Stats())
	}
	if !summary.OK() {
		return errRunFailed
	}
	return nil
}

// buildProxyPool returns nil when no proxy source is configured.
func buildProxyPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*proxy.Pool, error) {
	if cfg.ProxyFile == "" && !cfg.FreeProxies {
		return nil, nil
	}
	pool := proxy.NewPool(nil, logger)
	if cfg.ProxyFile != "" {
		proxies, err := proxy.LoadFile(cfg.ProxyFile)
		if err != nil {
			return nil, err
		}
		pool.Add(proxies...)
		logger.Info("proxies loaded", slog.String("file", cfg.ProxyFile), slog.Int("count", len(proxies)))
	}
	if cfg.FreeProxies {
		client := resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", cfg.UserAgent)
		pool.Add(proxy.Harvest(ctx, client, proxy.DefaultSources, proxy.HarvestLimit, logger)...)
	}
	pool.Validate(ctx, proxy.NewChecker(cfg.ProxyCheckURL, cfg.ProxyCheckTime, cfg.UserAgent))
	return pool, nil
}

func startMetricsServer(addr string, metrics *scraper.Metrics, logger *slog.Logger) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("metrics server enabled", slog.String("addr", addr))
	return server
}
