package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/crawler"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/storage"
)

// stateFilename is used below state_dir when --state is not given
const stateFilename = "crawl.state"

// crawlOptions holds everything the crawl and resume commands need
type crawlOptions struct {
	configFile      string
	logLevel        string
	outputDir       string // Overrides output_dir
	statePath       string
	seeds           []string
	resume          bool
	retryFailed     bool
	writeVisitedLog bool
	pprofAddr       string
}

// NewCrawlCmd creates the crawl command
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Start a fresh crawl",
		Long: `Crawl mirrors every seed given on the command line or in the config file.

It runs until nothing is left to download. On SIGINT or SIGTERM the workers are stopped,
in-flight transfers are given 10 seconds, and the remaining work is saved to the state file
so "resume" can continue. A second signal exits immediately.

Examples:
  site-mirror crawl -c mirror.yaml https://example.com/docs/
  site-mirror crawl -c mirror.yaml --output ./out --state ./out.state`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := optionsFromFlags(cmd)
			opts.seeds = args
			return runWithSignals(cmd.Context(), opts)
		},
	}
	addCrawlFlags(cmd)
	return cmd
}

// NewResumeCmd creates the resume command
func NewResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a crawl from its state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := optionsFromFlags(cmd)
			opts.resume = true
			opts.retryFailed, _ = cmd.Flags().GetBool("retry-failed")
			return runWithSignals(cmd.Context(), opts)
		},
	}
	addCrawlFlags(cmd)
	cmd.Flags().Bool("retry-failed", false, "Queue URLs that failed in earlier sessions again")
	return cmd
}

func addCrawlFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "Output directory (overrides output_dir)")
	cmd.Flags().String("state", "", "State file (default: <state_dir>/"+stateFilename+")")
	cmd.Flags().Bool("write-visited-log", false, "Write a URL/status log from the history database on completion")
	cmd.Flags().String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
}

func optionsFromFlags(cmd *cobra.Command) crawlOptions {
	var opts crawlOptions
	opts.configFile, _ = cmd.Flags().GetString("config")
	opts.logLevel, _ = cmd.Flags().GetString("loglevel")
	opts.outputDir, _ = cmd.Flags().GetString("output")
	opts.statePath, _ = cmd.Flags().GetString("state")
	opts.writeVisitedLog, _ = cmd.Flags().GetBool("write-visited-log")
	opts.pprofAddr, _ = cmd.Flags().GetString("pprof")
	return opts
}

// runWithSignals runs the crawl with SIGINT/SIGTERM wired to a graceful shutdown
func runWithSignals(parent context.Context, opts crawlOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := setupLogger(opts.logLevel, os.Stderr)
	go func() {
		<-ctx.Done()
		stop() // A second signal terminates the process
	}()
	return runCrawl(ctx, opts, log)
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr != "" {
		go func() {
			log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof server error: %v", err)
			}
		}()
	}
}

// runCrawl builds the crawler, runs it until idle or until ctx is canceled, then shuts
// it down, saving state when work is left
func runCrawl(ctx context.Context, opts crawlOptions, log *logrus.Logger) error {
	appCfg, err := loadAndValidateConfig(opts.configFile, log)
	if err != nil {
		return err
	}
	if opts.outputDir != "" {
		appCfg.OutputDir = opts.outputDir
	}
	logAppConfig(appCfg, log)
	startPprof(opts.pprofAddr, log)

	statePath := opts.statePath
	if statePath == "" {
		statePath = filepath.Join(appCfg.StateDir, stateFilename)
	}

	var store storage.VisitedStore
	if appCfg.History.Enabled {
		bs, err := storage.NewBadgerStore(appCfg.StateDir, filepath.Base(filepath.Clean(appCfg.OutputDir)), opts.resume, logrus.NewEntry(log))
		if err != nil {
			return fmt.Errorf("failed to initialize history DB: %w", err)
		}
		store = bs
		defer func() {
			if err := store.Close(); err != nil {
				log.Errorf("Error closing history DB: %v", err)
			}
		}()
	}

	crawlerOpts := &crawler.Options{Resume: opts.resume}
	if store != nil {
		crawlerOpts.History = store
	}
	c, err := crawler.NewCrawler(appCfg, logrus.NewEntry(log), crawlerOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize crawler: %w", err)
	}

	if err := prepare(ctx, c, appCfg, opts, statePath, store, log); err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if store != nil {
		g.Go(func() error {
			store.RunGC(gctx, appCfg.History.GCInterval)
			return nil
		})
	}
	g.Go(func() error {
		defer cancelRun() // Idle: stop the GC loop too
		return c.WaitIdle(gctx)
	})
	waitErr := g.Wait()
	cancelRun()

	interrupted := ctx.Err() != nil
	if interrupted {
		log.Warn("Signal received, shutting down...")
	} else if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		log.Errorf("Crawl ended with error: %v", waitErr)
	}

	c.Stop()
	if err := c.Terminate(crawler.DefaultTerminateWait); err != nil {
		log.Errorf("Terminate: %v", err)
	}

	stats := c.Stats()
	if stats.Queued > 0 {
		if err := c.SaveFile(statePath); err != nil {
			log.Errorf("Failed to save crawl state: %v", err)
		} else {
			log.Infof("Saved %d queued resource(s) to %s", stats.Queued, statePath)
		}
	} else if !interrupted {
		if err := os.Remove(statePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Could not remove finished state file '%s': %v", statePath, err)
		}
	}

	if err := c.Deinitialize(); err != nil {
		log.Errorf("Deinitialize: %v", err)
	}

	if opts.writeVisitedLog && store != nil {
		visitedPath := filepath.Join(appCfg.OutputDir, "visited.txt")
		if err := store.WriteVisitedLog(context.Background(), visitedPath); err != nil {
			log.Errorf("Error writing visited log: %v", err)
		}
	}

	log.WithFields(logrus.Fields{
		"downloaded": stats.Downloaded,
		"skipped":    stats.Skipped,
		"failed":     stats.Failed,
		"queued":     stats.Queued,
		"bytes":      stats.Bytes,
	}).Info("Crawl finished")

	if interrupted {
		log.Warn("Crawl interrupted; run 'resume' to continue.")
	}
	return nil
}

// prepare initializes a fresh crawl from the seeds, or loads the saved state on resume
func prepare(ctx context.Context, c *crawler.Crawler, appCfg *config.AppConfig, opts crawlOptions, statePath string, store storage.HistoryStore, log *logrus.Logger) error {
	if !opts.resume {
		if err := c.Initialize(appCfg.OutputDir); err != nil {
			return err
		}
		seeds := append(append([]string(nil), appCfg.Seeds...), opts.seeds...)
		if len(seeds) == 0 {
			return fmt.Errorf("no seeds: pass seed URLs or set 'seeds' in %s", opts.configFile)
		}
		for _, s := range seeds {
			if err := c.EnqueueSeed(s); err != nil {
				return fmt.Errorf("seed '%s': %w", s, err)
			}
		}
		if appCfg.Crawl.UseSitemaps {
			for _, s := range seeds {
				if _, err := c.SeedFromSitemaps(ctx, s); err != nil {
					return fmt.Errorf("sitemaps for '%s': %w", s, err)
				}
			}
		}
		return nil
	}

	if opts.outputDir != "" {
		if err := c.Initialize(appCfg.OutputDir); err != nil {
			return err
		}
	}
	if err := c.LoadFile(statePath); err != nil {
		return fmt.Errorf("loading state '%s': %w", statePath, err)
	}
	if opts.retryFailed && store != nil {
		return requeueFailed(ctx, c, store, log)
	}
	return nil
}

// requeueFailed queues every URL whose last recorded outcome was a failure
func requeueFailed(ctx context.Context, c *crawler.Crawler, store storage.HistoryStore, log *logrus.Logger) error {
	requeued := 0
	_, err := store.Scan(ctx, func(rawURL string, entry models.HistoryEntry) error {
		if entry.Status != models.HistoryFailure {
			return nil
		}
		if err := c.Requeue(rawURL, entry.Depth); err != nil {
			log.WithField("url", rawURL).Debugf("Not requeued: %v", err)
			return nil
		}
		requeued++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning history: %w", err)
	}
	log.Infof("Requeued %d previously failed URL(s)", requeued)
	return nil
}
