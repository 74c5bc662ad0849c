// Package main provides the site-mirror command line front end.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Sriram-PR/site-mirror/pkg/config"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site-mirror",
		Short: "Mirror web and FTP sites to a local directory",
		Long: `site-mirror downloads the resources reachable from one or more seed URLs, keeps
them inside the configured scope, and rewrites links so the mirror can be browsed offline.

An interrupted crawl saves its queues and path tables to a state file; "resume" picks up
from there.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to YAML config file")
	cmd.PersistentFlags().String("loglevel", "info", "Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewResumeCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewVersionCmd())
	return cmd
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Debugf("Setting log level to: %s", level.String())
	}
	return log
}

// loadAndValidateConfig loads the config file and logs the validation warnings
func loadAndValidateConfig(configFile string, log *logrus.Logger) (*config.AppConfig, error) {
	log.Infof("Loading configuration from %s", configFile)
	appCfg, warnings, err := config.Load(configFile)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return appCfg, nil
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	c := appCfg.Crawl
	log.Infof("Config: OutputDir:%s, StateDir:%s, History:%t", appCfg.OutputDir, appCfg.StateDir, appCfg.History.Enabled)
	log.Infof("Config Limits: MaxConnections:%d, PerHost:%d, MaxDepth:%d, MaxRetries:%d, MaxFileSize:%d, MaxQueuedLinks:%d",
		c.MaxConnections, c.MaxConnectionsPerHost, c.MaxDepth, c.MaxRetries, c.MaxFileSize, c.MaxQueuedLinks)
	log.Infof("Config Scope: Domain:%s, Directory:%s, StripWWW:%t, NearFiles:%t",
		c.DomainNavigation, c.DirectoryNavigation, c.StripWWW, c.DownloadNearFiles)
	log.Infof("Config Output: HTML:%t, NonHTML:%t, RewriteLinks:%t, Markdown:%t, Mapping:%t",
		c.DownloadHTML, c.DownloadNonHTML, c.RewriteLinks, c.MarkdownSidecar, c.WriteMappingFile)
	log.Infof("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, DialerTimeout:%v, MaxRedirects:%d",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.DialerTimeout, appCfg.HTTPClientSettings.MaxRedirects)
}
