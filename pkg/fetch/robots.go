package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// maxRobotsSize caps how much of a robots.txt file is read
const maxRobotsSize = 512 << 10

// RobotsHandler manages fetching, parsing, caching, and checking robots.txt data
type RobotsHandler struct {
	client        *http.Client
	rateLimiter   *RateLimiter
	robotsCache   map[string]*robotstxt.RobotsData // scheme://host -> parsed data (or nil)
	robotsCacheMu sync.Mutex
	inflight      singleflight.Group // Collapses concurrent fetches for one host
	log           *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(client *http.Client, rateLimiter *RateLimiter, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		client:      client,
		rateLimiter: rateLimiter,
		robotsCache: make(map[string]*robotstxt.RobotsData),
		log:         log,
	}
}

// GetRobotsData retrieves robots.txt data for the targetURL's host, using cache or fetching.
// Returns nil when the file could not be obtained, which callers treat as "allow all".
func (rh *RobotsHandler) GetRobotsData(ctx context.Context, targetURL *url.URL, userAgent string) *robotstxt.RobotsData {
	key := strings.ToLower(targetURL.Scheme + "://" + targetURL.Host)

	// 1. Check Cache
	rh.robotsCacheMu.Lock()
	robotsData, found := rh.robotsCache[key]
	rh.robotsCacheMu.Unlock()
	if found {
		return robotsData // Return cached data (could be nil)
	}

	// 2. Fetch once per host even with many concurrent callers
	v, _, _ := rh.inflight.Do(key, func() (interface{}, error) {
		data, cacheable := rh.fetch(ctx, targetURL, userAgent)
		if cacheable {
			rh.robotsCacheMu.Lock()
			rh.robotsCache[key] = data
			rh.robotsCacheMu.Unlock()
		}
		return data, nil
	})
	data, _ := v.(*robotstxt.RobotsData)
	return data
}

// fetch downloads and parses robots.txt. cacheable is false when the failure was caused by
// the caller's context so that the next caller retries.
func (rh *RobotsHandler) fetch(ctx context.Context, targetURL *url.URL, userAgent string) (data *robotstxt.RobotsData, cacheable bool) {
	robotsURL := &url.URL{Scheme: targetURL.Scheme, Host: targetURL.Host, Path: "/robots.txt"}
	robotsLog := rh.log.WithField("robots_url", robotsURL.String())
	robotsLog.Info("Fetching robots.txt...") // Log only on cache miss

	if rh.rateLimiter != nil {
		if err := rh.rateLimiter.Wait(ctx, targetURL.Host); err != nil {
			return nil, false
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil, true
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := rh.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		robotsLog.Warnf("Fetching robots.txt failed: %v", err)
		return nil, true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		robotsLog.Warnf("Error reading body: %v", err)
		return nil, ctx.Err() == nil
	}

	// 4xx means allow all, 5xx means disallow all
	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		robotsLog.Warnf("Error parsing content: %v", err)
		return nil, true
	}
	robotsLog.WithField("status_code", resp.StatusCode).Info("Fetched and parsed robots.txt")
	return data, true
}

// TestAgent checks if the user agent is allowed access based on cached/fetched rules.
// Non-HTTP URLs are always allowed.
func (rh *RobotsHandler) TestAgent(ctx context.Context, targetURL *url.URL, userAgent string) bool {
	if targetURL.Scheme != "http" && targetURL.Scheme != "https" {
		return true
	}
	if targetURL.Path == "/robots.txt" {
		return true
	}
	robotsData := rh.GetRobotsData(ctx, targetURL, userAgent)
	if robotsData == nil {
		return true
	}
	return robotsData.TestAgent(targetURL.RequestURI(), userAgent)
}

// Reset drops every cached robots.txt
func (rh *RobotsHandler) Reset() {
	rh.robotsCacheMu.Lock()
	rh.robotsCache = make(map[string]*robotstxt.RobotsData)
	rh.robotsCacheMu.Unlock()
}
