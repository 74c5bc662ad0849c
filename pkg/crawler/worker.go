package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/fetch"
	"github.com/Sriram-PR/site-mirror/pkg/mimetype"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/process"
	"github.com/Sriram-PR/site-mirror/pkg/scope"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// WorkerState is the lifecycle state of a Worker
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerStarting
	WorkerRunning
	WorkerDraining
	WorkerTerminating
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerDraining:
		return "draining"
	case WorkerTerminating:
		return "terminating"
	case WorkerTerminated:
		return "terminated"
	}
	return "unknown"
}

// binding hands a Service to an idle Worker. ready is closed once the Worker has tried
// to dequeue once or was told to stop.
type binding struct {
	svc   *Service
	ready chan struct{}
}

// Worker is a long-lived goroutine that drains the Service it is bound to
type Worker struct {
	id  int
	c   *Crawler
	log *logrus.Entry

	assign chan binding
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context // Canceled to abort an in-flight transfer
	cancel context.CancelFunc

	state         atomic.Int32
	stopRequested atomic.Bool
	rate          atomic.Uint64 // float64 bits, bytes/second of the last transfer

	mu      sync.Mutex
	service *Service
	current *models.Resource
}

func newWorker(c *Crawler, id int) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:     id,
		c:      c,
		log:    c.log.WithField("worker_id", id),
		assign: make(chan binding),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	w.state.Store(int32(WorkerStarting))
	return w
}

// State returns the current lifecycle state
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// BytesPerSecond returns the throughput of the last completed transfer
func (w *Worker) BytesPerSecond() float64 { return math.Float64frombits(w.rate.Load()) }

// Current returns a copy of the resource being processed, if any
func (w *Worker) Current() (models.Resource, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return models.Resource{}, false
	}
	return w.current.Clone(), true
}

func (w *Worker) setCurrent(svc *Service, res *models.Resource) {
	w.mu.Lock()
	w.service = svc
	w.current = res
	w.mu.Unlock()
}

// run waits for bindings until told to quit
func (w *Worker) run() {
	defer close(w.done)
	defer w.setState(WorkerTerminated)
	w.log.Debug("Worker starting")

	for {
		select {
		case b := <-w.assign:
			w.serve(b)
		case <-w.quit:
			w.log.Debug("Worker finished")
			return
		case <-w.ctx.Done():
			return
		}
	}
}

// serve drains b.svc, then asks the Crawler where to go next until there is nowhere
func (w *Worker) serve(b binding) {
	var once sync.Once
	signal := func() { once.Do(func() { close(b.ready) }) }
	defer signal()

	svc := b.svc
	w.setState(WorkerRunning)
	for svc != nil {
		w.setCurrent(svc, nil)
		w.drain(svc, signal)
		w.setCurrent(nil, nil)
		w.c.releaseSlot(svc)
		signal()
		svc = w.c.onWorkerIdle(w, svc)
	}

	select {
	case <-w.quit:
		w.setState(WorkerTerminating)
	default:
		w.setState(WorkerIdle)
	}
	w.c.pulse()
}

// drain processes resources from svc until it is empty, over its cap, or a stop was requested
func (w *Worker) drain(svc *Service, signal func()) {
	for {
		if w.stopRequested.Load() || w.ctx.Err() != nil {
			w.setState(WorkerDraining)
			return
		}
		if svc.Active() > w.c.config().MaxConnectionsPerHost {
			return
		}
		res, ok := svc.TryDequeue()
		signal()
		if !ok {
			return
		}
		w.process(svc, res)
	}
}

// outcome of one resource that did not fail
type outcome int

const (
	outcomeSaved     outcome = iota
	outcomeSkipped           // Started, then deliberately not kept
	outcomeAbandoned         // Dropped before starting, no events
)

// process runs one resource through the pipeline and settles its fate
func (w *Worker) process(svc *Service, res *models.Resource) {
	taskLog := w.log.WithFields(logrus.Fields{"service": svc.Key(), "url": res.URLString(), "depth": res.Depth})
	startTime := time.Now()
	w.setCurrent(svc, res)
	defer w.setCurrent(svc, nil)

	var (
		out     outcome
		taskErr error
		msg     string
	)
	defer func() {
		if r := recover(); r != nil {
			taskErr = fmt.Errorf("panic: %v", r)
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"duration":    time.Since(startTime).String(),
				"stage":       "PanicRecovery",
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while processing resource")
		}
		w.c.settle(svc, res, out, msg, taskErr, taskLog.WithField("duration", time.Since(startTime).String()))
	}()

	out, msg, taskErr = w.transfer(svc, res, taskLog)
}

// abandon drops res before its transfer starts. A file allocated for it while its
// referrer was rewritten is released so no empty placeholder stays behind.
func (w *Worker) abandon(svc *Service, res *models.Resource, err error, taskLog *logrus.Entry) (outcome, string, error) {
	if freed, ok := svc.alloc.Release(res.URL); ok {
		taskLog.WithField("path", freed).Debug("Released unused allocation")
	}
	return outcomeAbandoned, "", err
}

// transfer performs steps sniff, probe, allocate, fetch, store, filter and link handling
func (w *Worker) transfer(svc *Service, res *models.Resource, taskLog *logrus.Entry) (outcome, string, error) {
	c := w.c
	cfg := c.config()
	u := res.URL

	// Type sniffing
	dataType := models.DataUnknown
	if !cfg.WantsEverything() {
		dataType = c.types.GuessDataType(u)
		if dataType == models.DataNonHTML && !cfg.DownloadNonHTML {
			return w.abandon(svc, res, fmt.Errorf("%w: non-HTML downloads disabled", utils.ErrScopeRejected), taskLog)
		}
		if dataType == models.DataUnknown && isHTTP(u) {
			dataType = w.probe(res, cfg, taskLog)
			if dataType == models.DataNonHTML && !cfg.DownloadNonHTML {
				return w.abandon(svc, res, fmt.Errorf("%w: probe found non-HTML content", utils.ErrScopeRejected), taskLog)
			}
		}
	}

	if cfg.RespectRobotsTxt && !c.robots.TestAgent(w.ctx, u, cfg.UserAgent) {
		return w.abandon(svc, res, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, u.RequestURI()), taskLog)
	}

	localPath, err := svc.alloc.Allocate(u, res.Kind)
	if err != nil {
		return outcomeAbandoned, "", err
	}
	res.LocalPath = localPath
	c.emit(res, models.StatusStarted, "", nil)

	ctx, cancel := context.WithTimeout(w.ctx, cfg.TransferTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx, u.Hostname()); err != nil {
		return outcomeSaved, "", w.abortErr(err)
	}
	req := fetch.Request{
		URL:       u,
		UserAgent: cfg.UserAgent,
		Referrer:  res.Referrer,
		MaxSize:   cfg.MaxFileSize,
	}
	if cfg.UseCookies {
		req.Jar = svc.Jar()
	}
	resp, err := c.fetcher.Fetch(ctx, req)
	if resp != nil {
		res.StatusCode = resp.StatusCode
		res.StatusText = resp.Status
		if resp.ContentType != "" {
			res.ContentType = resp.ContentType
		}
	}
	if err != nil {
		return outcomeSaved, "", w.abortErr(err)
	}
	defer resp.Body.Close()

	// Reconcile guessed and reported type
	if reported := mimetype.ClassifyMIME(resp.ContentType); reported != models.DataUnknown {
		dataType = reported
	} else if dataType == models.DataUnknown {
		dataType = c.types.GuessDataType(resp.FinalURL)
		if dataType == models.DataUnknown {
			dataType = models.DataNonHTML
		}
	}

	final := u
	if resp.FinalURL != nil {
		final = parse.NormalizeURL(resp.FinalURL, c.parseOptions())
	}
	if final.String() != u.String() {
		redirected, msg, err := w.rescope(svc, res, final, taskLog)
		if err != nil || redirected == "" {
			return outcomeSkipped, msg, err
		}
		localPath = redirected
		res.LocalPath = localPath
	}

	if dataType == models.DataNonHTML && !cfg.DownloadNonHTML {
		removePlaceholder(localPath, taskLog)
		res.LocalPath = ""
		return outcomeSkipped, "non-HTML content not wanted", nil
	}

	// Stream to disk
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return outcomeSaved, "", fmt.Errorf("%w: open '%s': %w", utils.ErrFilesystem, localPath, err)
	}
	transferStart := time.Now()
	written, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		if w.ctx.Err() != nil {
			return outcomeSaved, "", w.abortErr(copyErr)
		}
		return outcomeSaved, "", fmt.Errorf("%w: streaming body: %w", utils.ErrTransient, copyErr)
	}
	if closeErr != nil {
		return outcomeSaved, "", fmt.Errorf("%w: close '%s': %w", utils.ErrFilesystem, localPath, closeErr)
	}
	if elapsed := time.Since(transferStart).Seconds(); elapsed > 0 {
		w.rate.Store(math.Float64bits(float64(written) / elapsed))
	}
	c.stats.bytes.Add(written)
	taskLog.WithField("bytes", written).Debug("Saved response body")

	c.runContentFilter(models.ContentInfo{
		URL:       final,
		MIMEType:  mimetype.BaseType(res.ContentType),
		DataType:  dataType,
		Encoding:  mimetype.CharsetParam(res.ContentType),
		LocalPath: localPath,
	}, taskLog)

	if dataType == models.DataHTML {
		if err := w.handleHTML(res, final, localPath, cfg, taskLog); err != nil {
			taskLog.Warnf("Link processing failed, file kept as downloaded: %v", err)
		}
		if !cfg.DownloadHTML {
			removePlaceholder(localPath, taskLog)
			res.LocalPath = ""
			return outcomeSkipped, "scanned for links, HTML downloads disabled", nil
		}
	}
	return outcomeSaved, "", nil
}

// probe issues a HEAD request to learn the content type. Failures leave the type unknown.
func (w *Worker) probe(res *models.Resource, cfg config.CrawlConfig, taskLog *logrus.Entry) models.DataType {
	ctx, cancel := context.WithTimeout(w.ctx, cfg.TransferTimeout)
	defer cancel()
	if err := w.c.limiter.Wait(ctx, res.URL.Hostname()); err != nil {
		return models.DataUnknown
	}
	resp, err := w.c.fetcher.Fetch(ctx, fetch.Request{
		URL:       res.URL,
		Method:    http.MethodHead,
		UserAgent: cfg.UserAgent,
		Referrer:  res.Referrer,
	})
	if err != nil {
		taskLog.Debugf("HEAD probe failed, falling back to GET: %v", err)
		return models.DataUnknown
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	return mimetype.ClassifyMIME(resp.ContentType)
}

// rescope re-runs the scope policy on a redirect target and moves the allocation there.
// Returns the new local path, or "" when the response must be discarded.
func (w *Worker) rescope(svc *Service, res *models.Resource, final *url.URL, taskLog *logrus.Entry) (string, string, error) {
	c := w.c
	taskLog = taskLog.WithField("final_url", final.String())
	taskLog.Info("URL redirected.")

	removePlaceholder(res.LocalPath, taskLog)
	res.LocalPath = ""

	seeds := c.seedURLs()
	decision := scope.IsAllowed(final, res.Kind.IsEmbedded(), seeds, c.rules(), c.types)
	if !decision.Allowed {
		taskLog.Debug("Redirect target out of scope, discarding response")
		return "", "redirected out of scope", nil
	}

	target := c.serviceFor(final, decision.External)
	if target != svc || parse.DedupKey(final, c.parseOptions()) != parse.DedupKey(res.URL, c.parseOptions()) {
		if !target.markSeen(final) {
			return "", "redirect target already known", nil
		}
	}
	kind := res.Kind
	if decision.External && kind.IsEmbedded() {
		kind = models.LinkExternalEmbedded
	}
	newPath, err := target.alloc.Allocate(final, kind)
	if err != nil {
		if utils.Classify(err) == utils.KindAllocationDenied {
			return "", "redirect target denied a local path", nil
		}
		return "", "", err
	}
	return newPath, "", nil
}

// handleHTML decodes the saved page, feeds its links to the Crawler and, when rewriting,
// writes it back with local links made relative
func (w *Worker) handleHTML(res *models.Resource, final *url.URL, localPath string, cfg config.CrawlConfig, taskLog *logrus.Entry) error {
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: read back '%s': %w", utils.ErrFilesystem, localPath, err)
	}
	text, cs, err := process.DecodeHTML(raw, res.ContentType)
	if err != nil {
		return err
	}
	if cs.Corrected {
		taskLog.Debugf("Meta charset overrides declared encoding, using %s", cs.Name)
	}

	scanner := process.NewLinkScanner(cfg.LinkScanner)
	links, err := scanner.Scan([]byte(text))
	if err != nil {
		return err
	}
	base := documentBase(links, final)

	rewrite := cfg.RewriteLinks && cfg.DownloadHTML
	if !rewrite {
		for _, l := range links {
			w.c.discover(res, base, l, false)
		}
		return nil
	}

	out, _, err := scanner.Rewrite([]byte(text), func(l process.Link) (string, bool) {
		if l.Base {
			return ".", true
		}
		target, abs := w.c.discover(res, base, l, true)
		if abs == nil {
			return "", false
		}
		fragment := linkFragment(l.Value)
		if target != "" {
			rel, err := process.RelativeLink(localPath, target, fragment)
			if err == nil {
				return rel, true
			}
		}
		absolute := *abs
		absolute.Fragment = fragment
		return absolute.String(), true
	})
	if err != nil {
		return err
	}

	encoded, err := process.EncodeHTML(string(out), cs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localPath, encoded, 0644); err != nil {
		return fmt.Errorf("%w: write rewritten '%s': %w", utils.ErrFilesystem, localPath, err)
	}
	return nil
}

// abortErr turns an error seen after Terminate canceled the Worker into a cancellation
func (w *Worker) abortErr(err error) error {
	if w.ctx.Err() != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("transfer aborted: %w: %w", w.ctx.Err(), err)
	}
	return err
}

// documentBase resolves the document's <base href> against the response URL
func documentBase(links []process.Link, final *url.URL) *url.URL {
	for _, l := range links {
		if !l.Base {
			continue
		}
		if ref, err := url.Parse(strings.TrimSpace(l.Value)); err == nil {
			return final.ResolveReference(ref)
		}
		break
	}
	return final
}

func linkFragment(value string) string {
	if i := strings.IndexByte(value, '#'); i >= 0 {
		return value[i+1:]
	}
	return ""
}

func isHTTP(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, "http") || strings.EqualFold(u.Scheme, "https")
}

// removePlaceholder deletes a claimed or partial file, ignoring failures
func removePlaceholder(p string, taskLog *logrus.Entry) {
	if p == "" {
		return
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		taskLog.Debugf("Could not remove '%s': %v", p, err)
	}
}
