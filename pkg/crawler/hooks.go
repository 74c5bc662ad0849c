package crawler

import (
	"fmt"
	"net/url"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/models"
)

// URIFilter sees every discovered link before the scope check. Returning nil vetoes the
// link; returning another URL replaces it.
type URIFilter func(u *url.URL, referrer *models.Resource) *url.URL

// ContentFilter runs after a file was written and may rewrite it in place
type ContentFilter interface {
	Filter(info models.ContentInfo) error
}

// ContentFilterFunc adapts a function to ContentFilter
type ContentFilterFunc func(info models.ContentInfo) error

// Filter implements ContentFilter
func (f ContentFilterFunc) Filter(info models.ContentInfo) error { return f(info) }

// ProgressHook receives Resource transitions selected by its mask
type ProgressHook func(ev models.ProgressEvent)

type progressSub struct {
	mask models.EventMask
	fn   ProgressHook
}

// OnProgress registers a progress hook for the transitions in mask
func (c *Crawler) OnProgress(mask models.EventMask, fn ProgressHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.progress = append(c.progress, progressSub{mask: mask, fn: fn})
}

// SetURIFilter replaces the URI filter hook; nil removes it. Exclude patterns apply either way.
func (c *Crawler) SetURIFilter(f URIFilter) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.uriFilter = f
}

// SetContentFilter replaces the content filter; nil restores the default, which writes
// markdown sidecars when crawl.markdown_sidecar is set
func (c *Crawler) SetContentFilter(f ContentFilter) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.contentFilter = f
}

// emit records a transition on res and delivers it to observers and hooks
func (c *Crawler) emit(res *models.Resource, status models.ProgressStatus, msg string, err error) {
	c.emitEvent(res, status, msg, err, false)
}

func (c *Crawler) emitEvent(res *models.Resource, status models.ProgressStatus, msg string, err error, skipped bool) {
	res.Status = status
	ev := models.ProgressEvent{
		Status:   status,
		Resource: res.Clone(),
		Message:  msg,
		Err:      err,
		Skipped:  skipped,
	}

	c.stats.observe(ev)
	if c.output != nil {
		c.safeCall("output", func() { c.output.Observe(ev) })
	}

	c.hooksMu.RLock()
	subs := make([]progressSub, len(c.progress))
	copy(subs, c.progress)
	c.hooksMu.RUnlock()

	for _, sub := range subs {
		if !sub.mask.Has(status) {
			continue
		}
		c.safeCall("progress", func() { sub.fn(ev) })
	}
}

// filterURI applies the exclude patterns, then the URI filter hook
func (c *Crawler) filterURI(u *url.URL, referrer *models.Resource) (out *url.URL) {
	c.hooksMu.RLock()
	f := c.uriFilter
	c.hooksMu.RUnlock()

	if c.excluded(u.String()) {
		return nil
	}
	if f == nil {
		return u
	}

	out = nil
	c.safeCall("uri_filter", func() { out = f(u, referrer) })
	return out
}

// runContentFilter calls the content filter hook, or the markdown sidecar writer
func (c *Crawler) runContentFilter(info models.ContentInfo, log *logrus.Entry) {
	c.hooksMu.RLock()
	f := c.contentFilter
	c.hooksMu.RUnlock()

	if f == nil {
		if !c.config().MarkdownSidecar {
			return
		}
		f = c.markdown
	}

	var err error
	c.safeCall("content_filter", func() { err = f.Filter(info) })
	if err != nil {
		log.Warnf("Content filter failed: %v", err)
	}
}

// safeCall runs fn and swallows a panic, so a faulty hook cannot break a Worker
func (c *Crawler) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"hook":        name,
				"panic_info":  fmt.Sprint(r),
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in hook")
		}
	}()
	fn()
}
