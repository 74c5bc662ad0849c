package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

func TestAppConfig_Validate_Defaults(t *testing.T) {
	cfg := AppConfig{} // Zero value
	warnings, err := cfg.Validate()

	require.NoError(t, err)

	assert.Equal(t, "./mirror", cfg.OutputDir)
	assert.NotEmpty(t, cfg.StateDir)
	assert.Equal(t, 8, cfg.Crawl.MaxConnections)
	assert.Equal(t, 2, cfg.Crawl.MaxConnectionsPerHost)
	assert.Equal(t, 60*time.Second, cfg.Crawl.TransferTimeout)
	assert.Equal(t, ScannerPattern, cfg.Crawl.LinkScanner)
	assert.Equal(t, 10*time.Minute, cfg.History.GCInterval)

	// Check HTTP client defaults
	assert.Equal(t, 120*time.Second, cfg.HTTPClientSettings.Timeout)
	assert.Equal(t, 100, cfg.HTTPClientSettings.MaxIdleConns)
	assert.Equal(t, 2, cfg.HTTPClientSettings.MaxIdleConnsPerHost)
	assert.Equal(t, 90*time.Second, cfg.HTTPClientSettings.IdleConnTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPClientSettings.TLSHandshakeTimeout)
	assert.Equal(t, 1*time.Second, cfg.HTTPClientSettings.ExpectContinueTimeout)
	assert.Equal(t, 15*time.Second, cfg.HTTPClientSettings.DialerTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTPClientSettings.DialerKeepAlive)
	assert.Equal(t, 10, cfg.HTTPClientSettings.MaxRedirects)

	// Check warnings generated
	assert.True(t, containsWarning(warnings, "output_dir is empty"))
	assert.True(t, containsWarning(warnings, "max_connections should be > 0"))
	assert.True(t, containsWarning(warnings, "max_connections_per_host should be > 0"))
	assert.True(t, containsWarning(warnings, "nothing will be saved"))
}

func TestAppConfig_Validate_ValidConfig(t *testing.T) {
	cfg := Default()
	cfg.OutputDir = "/output"
	cfg.StateDir = "/state"

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "/output", cfg.OutputDir)
	assert.Equal(t, "/state", cfg.StateDir)
	assert.Equal(t, 8, cfg.Crawl.MaxConnections)
}

func TestCrawlConfig_Validate_Clamps(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CrawlConfig)
		check   func(t *testing.T, c CrawlConfig)
		warning string
	}{
		{
			name:    "PerHostAboveGlobal",
			mutate:  func(c *CrawlConfig) { c.MaxConnections = 2; c.MaxConnectionsPerHost = 5 },
			check:   func(t *testing.T, c CrawlConfig) { assert.Equal(t, 2, c.MaxConnectionsPerHost) },
			warning: "capping",
		},
		{
			name:    "NegativeDepth",
			mutate:  func(c *CrawlConfig) { c.MaxDepth = -3 },
			check:   func(t *testing.T, c CrawlConfig) { assert.Equal(t, 0, c.MaxDepth) },
			warning: "max_depth cannot be negative",
		},
		{
			name:    "RetriesBelowUnlimited",
			mutate:  func(c *CrawlConfig) { c.MaxRetries = -7 },
			check:   func(t *testing.T, c CrawlConfig) { assert.Equal(t, Unlimited, c.MaxRetries) },
			warning: "max_retries below -1",
		},
		{
			name:    "NegativeVariants",
			mutate:  func(c *CrawlConfig) { c.MaxQueryVariants = -1 },
			check:   func(t *testing.T, c CrawlConfig) { assert.Equal(t, 0, c.MaxQueryVariants) },
			warning: "max_query_variants cannot be negative",
		},
		{
			name:    "EmptyMappingFilename",
			mutate:  func(c *CrawlConfig) { c.WriteMappingFile = true; c.MappingFilename = "" },
			check:   func(t *testing.T, c CrawlConfig) { assert.Equal(t, "url_to_file_map.tsv", c.MappingFilename) },
			warning: "mapping_filename",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default().Crawl
			tt.mutate(&cfg)
			warnings, err := cfg.Validate()
			require.NoError(t, err)
			tt.check(t, cfg)
			assert.True(t, containsWarning(warnings, tt.warning), "warnings: %v", warnings)
		})
	}
}

func TestCrawlConfig_Validate_Fatal(t *testing.T) {
	cfg := Default().Crawl
	cfg.LinkScanner = "telepathy"
	_, err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	cfg = Default().Crawl
	cfg.ExcludePatterns = []string{"[broken"}
	_, err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)

	cfg = Default().Crawl
	cfg.LinkScanner = "DOM"
	_, err = cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, ScannerDOM, cfg.LinkScanner)
}

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
