package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

func sitemapSite(t *testing.T, robotsListsSitemap bool) *httptest.Server {
	t.Helper()
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		if !robotsListsSitemap {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "User-agent: *\nSitemap: %s/maps/site.xml\n", base)
	})
	listing := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<urlset>
  <url><loc>%[1]s/docs/a.html</loc></url>
  <url><loc>%[1]s/docs/b.html</loc></url>
  <url><loc>%[1]s/other/c.html</loc></url>
</urlset>`, base)
	}
	mux.HandleFunc("/maps/site.xml", listing)
	mux.HandleFunc("/sitemap.xml", listing)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body>%s</body></html>", r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	base = srv.URL
	return srv
}

func TestCrawler_SeedFromSitemaps(t *testing.T) {
	for _, fromRobots := range []bool{true, false} {
		t.Run(fmt.Sprintf("robots=%t", fromRobots), func(t *testing.T) {
			srv := sitemapSite(t, fromRobots)
			c := newTestCrawler(t, testAppConfig(nil), nil)
			rec := record(c)

			require.NoError(t, c.EnqueueSeed(srv.URL+"/docs/"))
			n, err := c.SeedFromSitemaps(context.Background(), srv.URL+"/docs/")
			require.NoError(t, err)
			assert.Equal(t, 2, n, "/other/ is outside the seed directory")
			assert.Equal(t, 3, c.Stats().Queued)

			require.NoError(t, c.Start())
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			require.NoError(t, c.WaitIdle(ctx))

			saved := rec.saved()
			assert.Contains(t, saved, srv.URL+"/docs/a.html")
			assert.Contains(t, saved, srv.URL+"/docs/b.html")
			assert.NotContains(t, saved, srv.URL+"/other/c.html")
		})
	}
}

func TestCrawler_SeedFromSitemapsMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	c := newTestCrawler(t, testAppConfig(nil), nil)

	n, err := c.SeedFromSitemaps(context.Background(), srv.URL+"/")
	require.NoError(t, err, "a site without sitemaps is not an error")
	assert.Zero(t, n)
}

func TestCrawler_SeedFromSitemapsNotInitialized(t *testing.T) {
	c, err := NewCrawler(testAppConfig(nil), testLogger(), nil)
	require.NoError(t, err)

	_, err = c.SeedFromSitemaps(context.Background(), "http://a.com/")
	assert.ErrorIs(t, err, utils.ErrNotInitialized)
}
