// Package sitemap expands XML sitemaps (and sitemap indexes) into page URLs for seeding.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/fetch"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

const (
	// DefaultMaxDocuments bounds how many sitemap documents one expansion fetches
	DefaultMaxDocuments = 100
	// maxDocumentSize is the protocol's uncompressed size ceiling
	maxDocumentSize = 50 << 20
)

// URLSet is a <urlset> document
type URLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []Entry  `xml:"url"`
}

// Index is a <sitemapindex> document
type Index struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []Entry  `xml:"sitemap"`
}

// Entry is one <url> or <sitemap> element
type Entry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// Fetcher is the transfer surface the expander needs; *fetch.Fetcher satisfies it
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Expander walks a sitemap tree breadth first
type Expander struct {
	fetcher      Fetcher
	userAgent    string
	maxDocuments int
	log          *logrus.Entry
}

// NewExpander creates an Expander. maxDocuments <= 0 uses DefaultMaxDocuments.
func NewExpander(fetcher Fetcher, userAgent string, maxDocuments int, log *logrus.Entry) *Expander {
	if maxDocuments <= 0 {
		maxDocuments = DefaultMaxDocuments
	}
	return &Expander{
		fetcher:      fetcher,
		userAgent:    userAgent,
		maxDocuments: maxDocuments,
		log:          log.WithField("component", "sitemap"),
	}
}

// DefaultLocation returns /sitemap.xml on the seed's host
func DefaultLocation(seed *url.URL) *url.URL {
	return &url.URL{Scheme: seed.Scheme, Host: seed.Host, Path: "/sitemap.xml"}
}

// Expand fetches root and every sitemap it references, calling emit once per page entry.
// Documents that fail to download or parse are logged and skipped; only a canceled ctx or
// a failing root document is returned as an error. The count of emitted entries is returned.
func (e *Expander) Expand(ctx context.Context, root *url.URL, emit func(page Entry, from *url.URL)) (int, error) {
	seen := map[string]bool{root.String(): true}
	pending := []*url.URL{root}
	emitted := 0
	fetched := 0

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		if fetched >= e.maxDocuments {
			e.log.Warnf("Sitemap document limit (%d) reached, %d not fetched", e.maxDocuments, len(pending))
			break
		}
		current := pending[0]
		pending = pending[1:]
		fetched++

		docLog := e.log.WithField("sitemap_url", current.String())
		urls, nested, err := e.document(ctx, current)
		if err != nil {
			if current == root || errors.Is(err, context.Canceled) {
				return emitted, err
			}
			docLog.Warnf("Skipping sitemap: %v", err)
			continue
		}

		for _, entry := range nested {
			ref, err := current.Parse(strings.TrimSpace(entry.Loc))
			if err != nil {
				docLog.Warnf("Invalid nested sitemap URL '%s': %v", entry.Loc, err)
				continue
			}
			if !seen[ref.String()] {
				seen[ref.String()] = true
				pending = append(pending, ref)
			}
		}
		for _, entry := range urls {
			entry.Loc = strings.TrimSpace(entry.Loc)
			if entry.Loc == "" {
				continue
			}
			e.emitSafely(emit, entry, current, docLog)
			emitted++
		}
		docLog.Debugf("Parsed sitemap: %d URLs, %d nested sitemaps", len(urls), len(nested))
	}
	return emitted, nil
}

func (e *Expander) emitSafely(emit func(Entry, *url.URL), entry Entry, from *url.URL, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"page_url":    entry.Loc,
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC Recovered in sitemap callback")
		}
	}()
	emit(entry, from)
}

// document downloads and parses one sitemap, returning either its page entries or its
// nested sitemap references
func (e *Expander) document(ctx context.Context, u *url.URL) (urls, nested []Entry, err error) {
	resp, err := e.fetcher.Fetch(ctx, fetch.Request{URL: u, UserAgent: e.userAgent, MaxSize: maxDocumentSize})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read sitemap: %w", utils.ErrTransient, err)
	}
	data, err = gunzipIfNeeded(data)
	if err != nil {
		return nil, nil, err
	}
	return Parse(data)
}

// Parse decodes a sitemap index or URL set
func Parse(data []byte) (urls, nested []Entry, err error) {
	var index Index
	errIndex := xml.Unmarshal(data, &index)
	if errIndex == nil {
		return nil, index.Sitemaps, nil
	}
	var set URLSet
	errSet := xml.Unmarshal(data, &set)
	if errSet == nil {
		return set.URLs, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: not a sitemap (index: %v; urlset: %v)", utils.ErrParsing, errIndex, errSet)
}

// gunzipIfNeeded unpacks .xml.gz documents served without a Content-Encoding header
func gunzipIfNeeded(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip sitemap: %w", utils.ErrParsing, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip sitemap: %w", utils.ErrParsing, err)
	}
	return out, nil
}
