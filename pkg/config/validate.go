package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// OutputDir
	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to './mirror'")
		c.OutputDir = "./mirror"
	}

	// StateDir
	if c.StateDir == "" {
		c.StateDir = filepath.Join(xdg.StateHome, "site-mirror")
	}

	crawlWarnings, err := c.Crawl.Validate()
	warnings = append(warnings, crawlWarnings...)
	if err != nil {
		return warnings, err
	}

	c.validateHTTPClientSettings()

	if c.History.GCInterval <= 0 {
		c.History.GCInterval = 10 * time.Minute
	}

	return warnings, nil
}

// Validate checks crawl policy fields and applies defaults.
// Only an unknown link scanner or an invalid exclude pattern is fatal.
func (c *CrawlConfig) Validate() (warnings []string, err error) {
	if c.UserAgent == "" {
		c.UserAgent = "site-mirror/1.0"
	}

	// MaxConnections
	if c.MaxConnections <= 0 {
		warnings = append(warnings, "max_connections should be > 0, defaulting to 8")
		c.MaxConnections = 8
	}

	// MaxConnectionsPerHost
	if c.MaxConnectionsPerHost <= 0 {
		warnings = append(warnings, "max_connections_per_host should be > 0, defaulting to 2")
		c.MaxConnectionsPerHost = 2
	}
	if c.MaxConnectionsPerHost > c.MaxConnections {
		warnings = append(warnings, fmt.Sprintf(
			"max_connections_per_host (%d) > max_connections (%d), capping",
			c.MaxConnectionsPerHost, c.MaxConnections))
		c.MaxConnectionsPerHost = c.MaxConnections
	}

	if c.MaxDepth < 0 {
		warnings = append(warnings, "max_depth cannot be negative, setting to 0 (unlimited)")
		c.MaxDepth = 0
	}

	// MaxRetries: -1 means unlimited, anything lower is a typo
	if c.MaxRetries < Unlimited {
		warnings = append(warnings, "max_retries below -1, treating as unlimited")
		c.MaxRetries = Unlimited
	}

	if c.MaxFileSize < 0 {
		warnings = append(warnings, "max_file_size cannot be negative, setting to 0 (unlimited)")
		c.MaxFileSize = 0
	}
	if c.MaxQueuedLinks < 0 {
		warnings = append(warnings, "max_queued_links cannot be negative, setting to 0 (unlimited)")
		c.MaxQueuedLinks = 0
	}
	if c.MaxQueryVariants < 0 {
		warnings = append(warnings, "max_query_variants cannot be negative, setting to 0 (unlimited)")
		c.MaxQueryVariants = 0
	}

	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 60 * time.Second
	}
	if c.DelayPerHost < 0 {
		warnings = append(warnings, "delay_per_host cannot be negative, disabling")
		c.DelayPerHost = 0
	}

	if !c.DownloadHTML && !c.DownloadNonHTML {
		warnings = append(warnings, "download_html and download_non_html are both false, nothing will be saved")
	}

	switch strings.ToLower(c.LinkScanner) {
	case "":
		c.LinkScanner = ScannerPattern
	case ScannerPattern, ScannerDOM:
		c.LinkScanner = strings.ToLower(c.LinkScanner)
	default:
		return warnings, fmt.Errorf("%w: unknown link_scanner %q", utils.ErrConfigValidation, c.LinkScanner)
	}

	if _, err := utils.CompileRegexPatterns(c.ExcludePatterns); err != nil {
		return warnings, err
	}

	if c.WriteMappingFile && c.MappingFilename == "" {
		warnings = append(warnings,
			"'write_mapping_file' is true but 'mapping_filename' is empty. Defaulting to 'url_to_file_map.tsv'")
		c.MappingFilename = "url_to_file_map.tsv"
	}

	// Normalize override keys: lowercase, no leading dot
	if len(c.MimeOverrides) > 0 {
		normalized := make(map[string]string, len(c.MimeOverrides))
		for ext, mimeType := range c.MimeOverrides {
			normalized[strings.TrimPrefix(strings.ToLower(ext), ".")] = mimeType
		}
		c.MimeOverrides = normalized
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 2 * c.Crawl.TransferTimeout
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.Crawl.MaxConnectionsPerHost
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 10
	}
}
