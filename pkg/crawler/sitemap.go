package crawler

import (
	"context"
	"errors"
	"net/url"

	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/sitemap"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// SeedFromSitemaps queues the pages listed in the sitemaps of the seed's site at depth 1.
// Sitemap locations come from the Sitemap lines of the site's robots.txt, falling back to
// /sitemap.xml. Entries are subject to the same scope rules as discovered links.
// Returns the number of entries accepted.
func (c *Crawler) SeedFromSitemaps(ctx context.Context, rawSeed string) (int, error) {
	if !c.isInitialized() {
		return 0, utils.ErrNotInitialized
	}
	seed, err := parse.ParseAndNormalize(rawSeed, c.parseOptions())
	if err != nil {
		return 0, err
	}
	cfg := c.config()
	smLog := c.log.WithField("seed", seed.String())

	var locations []*url.URL
	if data := c.robots.GetRobotsData(ctx, seed, cfg.UserAgent); data != nil {
		for _, raw := range data.Sitemaps {
			if u, err := url.Parse(raw); err == nil && u.IsAbs() {
				locations = append(locations, u)
			}
		}
	}
	if len(locations) == 0 {
		locations = append(locations, sitemap.DefaultLocation(seed))
	}

	expander := sitemap.NewExpander(c.fetcher, cfg.UserAgent, 0, c.log)
	accepted := 0
	for _, loc := range locations {
		_, err := expander.Expand(ctx, loc, func(page sitemap.Entry, from *url.URL) {
			u, err := parse.ParseAndNormalize(page.Loc, c.parseOptions())
			if err != nil || c.excluded(u.String()) {
				return
			}
			if _, _, err := c.route(u, from, 1, models.LinkPage, false); err != nil {
				smLog.WithField("url", u.String()).Debugf("Sitemap entry not queued: %v", err)
				return
			}
			accepted++
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return accepted, err
			}
			smLog.WithField("sitemap_url", loc.String()).Infof("No usable sitemap: %v", err)
		}
	}
	smLog.Infof("Queued %d URL(s) from sitemaps", accepted)
	return accepted, nil
}
