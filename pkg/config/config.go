package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Unlimited marks a retry bound with no upper limit
const Unlimited = -1

// DomainNavigation controls which hosts are in scope relative to the seed URIs
type DomainNavigation int

const (
	SameHostName       DomainNavigation = iota // Only the seed's exact host
	SameDomain                                 // Same registrable domain (example.com for docs.example.com)
	SameTopLevelDomain                         // Same public suffix (.com, .co.uk)
	Everywhere                                 // Any host
)

var domainNavigationNames = map[DomainNavigation]string{
	SameHostName:       "same_host",
	SameDomain:         "same_domain",
	SameTopLevelDomain: "same_tld",
	Everywhere:         "everywhere",
}

// String implements fmt.Stringer
func (d DomainNavigation) String() string {
	if name, ok := domainNavigationNames[d]; ok {
		return name
	}
	return fmt.Sprintf("domain_navigation(%d)", int(d))
}

// ParseDomainNavigation maps a config name to a DomainNavigation
func ParseDomainNavigation(s string) (DomainNavigation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, v := range domainNavigationNames {
		if v == s {
			return k, nil
		}
	}
	return SameHostName, fmt.Errorf("%w: unknown domain_navigation %q", utils.ErrConfigValidation, s)
}

// UnmarshalYAML accepts the textual names
func (d *DomainNavigation) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDomainNavigation(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML writes the textual name
func (d DomainNavigation) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// DirectoryNavigation controls which directories on a seed's host are in scope
type DirectoryNavigation int

const (
	DirectorySame      DirectoryNavigation = iota // Only the seed's own directory
	DirectoryUp                                   // Seed directory and its ancestors
	DirectoryDown                                 // Seed directory and its descendants
	DirectoryUpAndDown                            // Ancestors and descendants, but not siblings
	DirectoryAny                                  // No directory restriction
)

var directoryNavigationNames = map[DirectoryNavigation]string{
	DirectorySame:      "same",
	DirectoryUp:        "up",
	DirectoryDown:      "down",
	DirectoryUpAndDown: "up_and_down",
	DirectoryAny:       "any",
}

// String implements fmt.Stringer
func (d DirectoryNavigation) String() string {
	if name, ok := directoryNavigationNames[d]; ok {
		return name
	}
	return fmt.Sprintf("directory_navigation(%d)", int(d))
}

// ParseDirectoryNavigation maps a config name to a DirectoryNavigation
func ParseDirectoryNavigation(s string) (DirectoryNavigation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, v := range directoryNavigationNames {
		if v == s {
			return k, nil
		}
	}
	return DirectorySame, fmt.Errorf("%w: unknown directory_navigation %q", utils.ErrConfigValidation, s)
}

// UnmarshalYAML accepts the textual names
func (d *DirectoryNavigation) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDirectoryNavigation(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML writes the textual name
func (d DirectoryNavigation) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// AllowsUp reports whether ancestor directories of the seed are in scope
func (d DirectoryNavigation) AllowsUp() bool {
	return d == DirectoryUp || d == DirectoryUpAndDown || d == DirectoryAny
}

// AllowsDown reports whether descendant directories of the seed are in scope
func (d DirectoryNavigation) AllowsDown() bool {
	return d == DirectoryDown || d == DirectoryUpAndDown || d == DirectoryAny
}

// Restricted reports whether directory comparison is needed at all
func (d DirectoryNavigation) Restricted() bool {
	return d != DirectoryAny
}

// Link scanner implementations selectable through crawl.link_scanner
const (
	ScannerPattern = "pattern"
	ScannerDOM     = "dom"
)

// CrawlConfig holds the crawl policy. Most fields may be changed while a crawl is running.
type CrawlConfig struct {
	UserAgent             string              `yaml:"user_agent"`
	MaxConnections        int                 `yaml:"max_connections"`          // Global worker cap
	MaxConnectionsPerHost int                 `yaml:"max_connections_per_host"` // Per-Service worker cap
	MaxDepth              int                 `yaml:"max_depth"`                // 0 = unlimited
	MaxRetries            int                 `yaml:"max_retries"`              // -1 = unlimited
	MaxFileSize           int64               `yaml:"max_file_size"`            // Bytes, 0 = unlimited
	MaxQueuedLinks        int                 `yaml:"max_queued_links"`         // 0 = unlimited
	MaxQueryVariants      int                 `yaml:"max_query_variants"`       // Per base path, 0 = unlimited
	TransferTimeout       time.Duration       `yaml:"transfer_timeout"`
	DomainNavigation      DomainNavigation    `yaml:"domain_navigation"`
	DirectoryNavigation   DirectoryNavigation `yaml:"directory_navigation"`
	StripWWW              bool                `yaml:"strip_www"`
	DownloadHTML          bool                `yaml:"download_html"`
	DownloadNonHTML       bool                `yaml:"download_non_html"`
	DownloadNearFiles     bool                `yaml:"download_near_files"`
	RewriteLinks          bool                `yaml:"rewrite_links"`
	NormalizeQuery        bool                `yaml:"normalize_query"`
	CaseInsensitivePaths  bool                `yaml:"case_insensitive_paths"`
	UseCookies            bool                `yaml:"use_cookies"`
	RespectRobotsTxt      bool                `yaml:"respect_robots_txt"`
	UseSitemaps           bool                `yaml:"use_sitemaps,omitempty"` // Seed from robots.txt / sitemap.xml listings
	DelayPerHost          time.Duration       `yaml:"delay_per_host,omitempty"`
	LinkScanner           string              `yaml:"link_scanner"`
	MarkdownSidecar       bool                `yaml:"markdown_sidecar,omitempty"`
	WriteMappingFile      bool                `yaml:"write_mapping_file"`
	MappingFilename       string              `yaml:"mapping_filename,omitempty"`
	MimeOverrides         map[string]string   `yaml:"mime_overrides,omitempty"`   // extension (no dot) -> MIME type
	ExcludePatterns       []string            `yaml:"exclude_patterns,omitempty"` // Regexes matched against discovered URLs
}

// WantsEverything reports whether both HTML and non-HTML resources are downloaded,
// in which case no type sniffing is needed before fetching
func (c CrawlConfig) WantsEverything() bool {
	return c.DownloadHTML && c.DownloadNonHTML
}

// RetriesExhausted reports whether a resource that has failed transiently `retries` times
// should be given up on
func (c CrawlConfig) RetriesExhausted(retries int) bool {
	if c.MaxRetries < 0 {
		return false
	}
	return retries > c.MaxRetries
}

// DepthExceeded reports whether a link at the given depth is beyond the configured limit
func (c CrawlConfig) DepthExceeded(depth int) bool {
	return c.MaxDepth > 0 && depth > c.MaxDepth
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`
}

// HistoryConfig controls the Badger-backed crawl history
type HistoryConfig struct {
	Enabled    bool          `yaml:"enabled"`
	GCInterval time.Duration `yaml:"gc_interval,omitempty"`
}

// AppConfig holds the whole application configuration
type AppConfig struct {
	OutputDir          string           `yaml:"output_dir"`
	StateDir           string           `yaml:"state_dir"`
	Seeds              []string         `yaml:"seeds,omitempty"`
	Crawl              CrawlConfig      `yaml:"crawl"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	History            HistoryConfig    `yaml:"history"`
}

// Default returns the configuration used for keys missing from the YAML file
func Default() AppConfig {
	return AppConfig{
		OutputDir: "./mirror",
		Crawl: CrawlConfig{
			UserAgent:             "site-mirror/1.0",
			MaxConnections:        8,
			MaxConnectionsPerHost: 2,
			MaxRetries:            3,
			MaxQueryVariants:      50,
			TransferTimeout:       60 * time.Second,
			DomainNavigation:      SameHostName,
			DirectoryNavigation:   DirectoryDown,
			StripWWW:              true,
			DownloadHTML:          true,
			DownloadNonHTML:       true,
			DownloadNearFiles:     true,
			RewriteLinks:          true,
			NormalizeQuery:        true,
			UseCookies:            true,
			LinkScanner:           ScannerPattern,
			WriteMappingFile:      true,
			MappingFilename:       "url_to_file_map.tsv",
		},
		History: HistoryConfig{Enabled: true, GCInterval: 10 * time.Minute},
	}
}

// Load reads a YAML config file on top of Default and validates it
func Load(path string) (*AppConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config file '%s': %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: parse config file '%s': %w", utils.ErrConfigValidation, path, err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return &cfg, warnings, nil
}
