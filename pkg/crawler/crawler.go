package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/fetch"
	"github.com/Sriram-PR/site-mirror/pkg/mimetype"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/process"
	"github.com/Sriram-PR/site-mirror/pkg/scope"
	"github.com/Sriram-PR/site-mirror/pkg/storage"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// DefaultTerminateWait is the join budget Deinitialize gives running Workers
const DefaultTerminateWait = 10 * time.Second

// Fetcher performs one transfer. *fetch.Fetcher is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Options contains optional collaborators for NewCrawler
type Options struct {
	HTTPClient *http.Client         // Shared by the default fetcher and robots.txt handling
	Fetcher    Fetcher              // Overrides the HTTP/FTP fetcher
	History    storage.HistoryStore // Receives the outcome of every resource
	Resume     bool                 // Append to existing output files instead of truncating them
}

// Crawler orchestrates Services and the Worker pool
type Crawler struct {
	log     *logrus.Entry // Logger contextualized with the session id
	session string

	cfgMu    sync.RWMutex
	updateMu sync.Mutex
	cfg      config.CrawlConfig
	exclude  []*regexp.Regexp

	// Core components
	types    *mimetype.Table
	fetcher  Fetcher
	robots   *fetch.RobotsHandler
	limiter  *fetch.RateLimiter
	markdown *process.MarkdownFilter
	history  storage.HistoryStore
	output   *OutputManager
	resume   bool

	stateMu     sync.RWMutex
	initialized bool
	outputDir   string
	seeds       []*url.URL

	running atomic.Bool

	registryMu sync.RWMutex
	services   map[string]*Service
	order      []*Service // Creation order, scanned when rebalancing

	workersMu    sync.Mutex
	workers      []*Worker
	nextWorkerID int
	active       atomic.Int32 // Workers holding a global slot

	pulseMu sync.Mutex
	pulseCh chan struct{} // Closed and replaced whenever activity may have stopped

	hooksMu       sync.RWMutex
	progress      []progressSub
	uriFilter     URIFilter
	contentFilter ContentFilter

	stats crawlStats
}

// NewCrawler creates a Crawler from the application configuration. appCfg is expected
// to be validated already.
func NewCrawler(appCfg *config.AppConfig, baseLogger *logrus.Entry, opts *Options) (*Crawler, error) {
	if opts == nil {
		opts = &Options{}
	}
	session := uuid.NewString()
	logger := baseLogger.WithField("session", session)

	client := opts.HTTPClient
	if client == nil {
		client = fetch.NewClient(appCfg.HTTPClientSettings, logger)
	}
	limiter := fetch.NewRateLimiter(appCfg.Crawl.DelayPerHost, logger.WithField("component", "ratelimit"))

	c := &Crawler{
		log:      logger,
		session:  session,
		types:    mimetype.NewTable(appCfg.Crawl.MimeOverrides),
		fetcher:  opts.Fetcher,
		robots:   fetch.NewRobotsHandler(client, limiter, logger.WithField("component", "robots")),
		limiter:  limiter,
		markdown: process.NewMarkdownFilter(logger.WithField("component", "markdown")),
		history:  opts.History,
		resume:   opts.Resume,
		services: make(map[string]*Service),
		pulseCh:  make(chan struct{}),
	}
	if c.fetcher == nil {
		ftp := fetch.NewFTPFetcher(appCfg.HTTPClientSettings.DialerTimeout, logger.WithField("component", "ftp"))
		c.fetcher = fetch.NewFetcher(client, ftp, logger.WithField("component", "fetch"))
	}
	if err := c.setConfig(appCfg.Crawl); err != nil {
		return nil, err
	}
	return c, nil
}

// Session returns the crawl session id
func (c *Crawler) Session() string { return c.session }

// Initialize prepares the output root. Seeds can only be added once initialized.
func (c *Crawler) Initialize(outputDir string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.initializeLocked(outputDir)
}

func (c *Crawler) initializeLocked(outputDir string) error {
	if c.initialized {
		if outputDir == c.outputDir {
			return nil
		}
		return fmt.Errorf("%w: already initialized with output dir '%s'", utils.ErrConfigValidation, c.outputDir)
	}
	if outputDir == "" {
		return fmt.Errorf("%w: empty output dir", utils.ErrConfigValidation)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("%w: creating output dir '%s': %w", utils.ErrFilesystem, outputDir, err)
	}
	c.outputDir = outputDir
	c.output = NewOutputManager(c.log.WithField("component", "output"), outputDir, c.session, c.history)
	c.output.OpenFiles(c.config(), c.resume)
	c.initialized = true
	c.log.WithField("output_dir", outputDir).Info("Crawler initialized")
	return nil
}

// Deinitialize terminates the Workers, writes the crawl summary and forgets every Service
func (c *Crawler) Deinitialize() error {
	if !c.isInitialized() {
		return nil
	}
	termErr := c.Terminate(DefaultTerminateWait)

	stats := c.Stats()
	meta := models.CrawlMetadata{
		Seeds:          c.seedStrings(),
		Services:       stats.Services,
		Downloaded:     stats.Downloaded,
		Failed:         stats.Failed,
		StillQueued:    int64(stats.Queued),
		BytesPerSecond: stats.BytesPerSecond,
	}
	closeErr := c.output.Close(meta, c.config())

	pruned := 0
	for _, svc := range c.serviceList() {
		pruned += svc.alloc.Prune()
	}
	if pruned > 0 {
		c.log.Debugf("Removed %d unused placeholder(s)", pruned)
	}

	c.registryMu.Lock()
	c.services = make(map[string]*Service)
	c.order = nil
	c.registryMu.Unlock()

	c.stateMu.Lock()
	c.initialized = false
	c.seeds = nil
	c.stateMu.Unlock()

	return errors.Join(termErr, closeErr)
}

// Reset clears every Service, the seeds and the counters, keeping the Crawler initialized
func (c *Crawler) Reset() error {
	if n := c.ActiveWorkers(); n > 0 {
		return fmt.Errorf("%w: %d active", utils.ErrWorkersActive, n)
	}
	for _, svc := range c.serviceList() {
		svc.Clear()
	}
	c.stateMu.Lock()
	c.seeds = nil
	c.stateMu.Unlock()
	c.robots.Reset()
	c.stats.reset()
	c.pulse()
	c.log.Info("Crawler reset")
	return nil
}

// Start lets Workers run and provisions them for every Service with queued work
func (c *Crawler) Start() error {
	if !c.isInitialized() {
		return utils.ErrNotInitialized
	}
	c.running.Store(true)
	c.workersMu.Lock()
	for _, w := range c.workers {
		w.stopRequested.Store(false)
	}
	c.workersMu.Unlock()

	c.log.Info("Crawl starting")
	for _, svc := range c.serviceList() {
		c.crawlService(svc)
	}
	return nil
}

// Stop asks every Worker to go idle after its current resource
func (c *Crawler) Stop() {
	c.running.Store(false)
	c.workersMu.Lock()
	for _, w := range c.workers {
		w.stopRequested.Store(true)
	}
	c.workersMu.Unlock()
	c.pulse()
	c.log.Info("Crawl stop requested")
}

// Running reports whether the Crawler is started
func (c *Crawler) Running() bool { return c.running.Load() }

// Terminate stops the crawl and joins every Worker within maxWait. Workers still busy
// when the budget runs out have their transfer canceled; their resource is requeued.
func (c *Crawler) Terminate(maxWait time.Duration) error {
	c.Stop()

	c.workersMu.Lock()
	workers := c.workers
	c.workers = nil
	c.workersMu.Unlock()

	for _, w := range workers {
		close(w.quit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()

	var forced atomic.Int32
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			select {
			case <-w.done:
			case <-ctx.Done():
				forced.Add(1)
				w.cancel()
				<-w.done
			}
			w.cancel()
			return nil
		})
	}
	err := g.Wait()

	if n := forced.Load(); n > 0 {
		c.log.Warnf("Terminate: canceled %d worker(s) after %v", n, maxWait)
	}
	c.log.WithField("workers", len(workers)).Info("Workers terminated")
	c.pulse()
	return err
}

// EnqueueSeed adds a seed URI, which also widens the crawl scope, and queues it
func (c *Crawler) EnqueueSeed(raw string) error {
	if !c.isInitialized() {
		return utils.ErrNotInitialized
	}
	u, err := parse.ParseAndNormalize(raw, c.parseOptions())
	if err != nil {
		return err
	}
	c.addSeed(u)
	_, _, err = c.route(u, nil, 0, models.LinkPage, false)
	return err
}

// Requeue queues raw again even if it was queued before, e.g. to retry failed resources
func (c *Crawler) Requeue(raw string, depth int) error {
	if !c.isInitialized() {
		return utils.ErrNotInitialized
	}
	u, err := parse.ParseAndNormalize(raw, c.parseOptions())
	if err != nil {
		return err
	}
	_, _, err = c.route(u, nil, depth, models.LinkPage, true)
	return err
}

// discover handles one link found in a page. When allocate is set and the link was
// accepted, the local file it will be saved to is returned too. abs is the resolved
// target, nil when the link cannot be fetched at all.
func (c *Crawler) discover(parent *models.Resource, base *url.URL, l process.Link, allocate bool) (local string, abs *url.URL) {
	if l.Base {
		return "", nil
	}
	abs, err := parse.ResolveLink(base, l.Value)
	if err != nil {
		return "", nil
	}

	kind := models.LinkPage
	depth := parent.Depth + 1
	if l.Embedded {
		kind = models.LinkInternalEmbedded
		depth = parent.Depth // Embedded resources belong to their page
	}

	u := c.filterURI(abs, parent)
	if u == nil {
		return "", abs
	}
	u = parse.NormalizeURL(u, c.parseOptions())

	svc, kind, err := c.route(u, parent.URL, depth, kind, false)
	if err != nil {
		c.log.WithFields(logrus.Fields{"link": u.String(), "referrer": parent.URLString()}).Tracef("Link not queued: %v", err)
		if allocate {
			// Already mirrored through another path, e.g. at a lower depth
			if known := c.existingService(u); known != nil {
				if local, ok := known.alloc.Lookup(u); ok {
					return local, abs
				}
			}
		}
		return "", abs
	}
	if !allocate {
		return "", abs
	}
	local, err = svc.alloc.Allocate(u, kind)
	if err != nil {
		return "", abs
	}
	return local, abs
}

// route applies the depth limit, the queued-link cap and the scope policy, then hands
// the resource to its Service
func (c *Crawler) route(u *url.URL, referrer *url.URL, depth int, kind models.LinkKind, force bool) (*Service, models.LinkKind, error) {
	cfg := c.config()
	if cfg.DepthExceeded(depth) {
		return nil, kind, fmt.Errorf("%w: depth %d > %d", utils.ErrScopeRejected, depth, cfg.MaxDepth)
	}
	if cfg.MaxQueuedLinks > 0 && c.totalQueued() >= cfg.MaxQueuedLinks {
		return nil, kind, fmt.Errorf("%w: %d links already queued", utils.ErrScopeRejected, cfg.MaxQueuedLinks)
	}
	decision := scope.IsAllowed(u, kind.IsEmbedded(), c.seedURLs(), c.rules(), c.types)
	if !decision.Allowed {
		return nil, kind, fmt.Errorf("%w: out of scope", utils.ErrScopeRejected)
	}
	if decision.External && kind.IsEmbedded() {
		kind = models.LinkExternalEmbedded
	}

	svc := c.serviceFor(u, decision.External)
	res := &models.Resource{
		URL:      u,
		Referrer: referrer,
		Depth:    depth,
		Kind:     kind,
		External: decision.External,
	}
	if svc.Enqueue(res, force) && c.running.Load() {
		c.crawlService(svc)
	}
	return svc, kind, nil
}

// existingService returns the Service owning u, or nil if there is none yet
func (c *Crawler) existingService(u *url.URL) *Service {
	key := parse.ServiceKey(u, c.config().StripWWW)
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	return c.services[key]
}

// serviceFor returns the Service owning u, creating it on first use
func (c *Crawler) serviceFor(u *url.URL, external bool) *Service {
	stripWWW := c.config().StripWWW
	key := parse.ServiceKey(u, stripWWW)

	c.registryMu.RLock()
	svc, ok := c.services[key]
	c.registryMu.RUnlock()
	if ok {
		return svc
	}

	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	if svc, ok := c.services[key]; ok {
		return svc
	}
	scheme := strings.ToLower(u.Scheme)
	base := &url.URL{Scheme: scheme, Host: parse.NormalizeHost(scheme, u.Host, stripWWW)}
	svc = newService(c, key, base, external)
	c.services[key] = svc
	c.order = append(c.order, svc)
	c.log.WithFields(logrus.Fields{"service": key, "external": external}).Debug("Service created")
	return svc
}

func (c *Crawler) registerService(svc *Service) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	c.services[svc.key] = svc
	c.order = append(c.order, svc)
}

// serviceList returns the Services in creation order
func (c *Crawler) serviceList() []*Service {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	out := make([]*Service, len(c.order))
	copy(out, c.order)
	return out
}

// crawlService binds Workers to svc while it has backlog and both caps allow it
func (c *Crawler) crawlService(svc *Service) {
	for c.running.Load() && svc.QueueLen() > 0 {
		cfg := c.config()
		if !svc.tryReserve(cfg.MaxConnectionsPerHost) {
			return
		}
		if !c.tryReserveGlobal(cfg.MaxConnections) {
			svc.release()
			return
		}
		w := c.idleWorkerOrNew(cfg.MaxConnections)
		if w == nil {
			c.releaseSlot(svc)
			return
		}
		c.bind(w, svc)
	}
}

// idleWorkerOrNew claims the first idle Worker or creates one if the pool is below limit
func (c *Crawler) idleWorkerOrNew(limit int) *Worker {
	c.workersMu.Lock()
	defer c.workersMu.Unlock()

	for _, w := range c.workers {
		if w.state.CompareAndSwap(int32(WorkerIdle), int32(WorkerStarting)) {
			w.stopRequested.Store(false)
			return w
		}
	}
	if len(c.workers) >= limit {
		return nil
	}
	c.nextWorkerID++
	w := newWorker(c, c.nextWorkerID)
	c.workers = append(c.workers, w)
	go w.run()
	return w
}

// bind hands svc to w and blocks until w has tried its first dequeue
func (c *Crawler) bind(w *Worker, svc *Service) {
	ready := make(chan struct{})
	select {
	case w.assign <- binding{svc: svc, ready: ready}:
	case <-w.done:
		c.releaseSlot(svc)
		return
	}
	w.log.WithField("service", svc.Key()).Debug("Worker bound")
	select {
	case <-ready:
	case <-w.done:
	}
}

// onWorkerIdle is called by a Worker that left prev. It returns the next Service to
// work on, with both slots already reserved, or nil to go idle.
func (c *Crawler) onWorkerIdle(w *Worker, prev *Service) *Service {
	if !c.running.Load() || w.stopRequested.Load() || w.ctx.Err() != nil {
		return nil
	}
	cfg := c.config()
	if int(c.active.Load()) >= cfg.MaxConnections {
		return nil
	}

	take := func(svc *Service) bool {
		if svc.QueueLen() == 0 || !svc.tryReserve(cfg.MaxConnectionsPerHost) {
			return false
		}
		if !c.tryReserveGlobal(cfg.MaxConnections) {
			svc.release()
			return false
		}
		return true
	}
	for _, svc := range c.serviceList() {
		if svc != prev && take(svc) {
			return svc
		}
	}
	// Work requeued or queued while leaving would otherwise wait for the next enqueue
	if prev != nil && take(prev) {
		return prev
	}
	return nil
}

func (c *Crawler) tryReserveGlobal(limit int) bool {
	for {
		cur := c.active.Load()
		if int(cur) >= limit {
			return false
		}
		if c.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// releaseSlot gives back the per-Service and global slots of one Worker
func (c *Crawler) releaseSlot(svc *Service) {
	svc.release()
	c.active.Add(-1)
	c.pulse()
}

func (c *Crawler) pulse() {
	c.pulseMu.Lock()
	close(c.pulseCh)
	c.pulseCh = make(chan struct{})
	c.pulseMu.Unlock()
}

func (c *Crawler) activity() <-chan struct{} {
	c.pulseMu.Lock()
	defer c.pulseMu.Unlock()
	return c.pulseCh
}

// WaitIdle blocks until no Worker is active and nothing is queued, or the Crawler is
// stopped with no Worker active
func (c *Crawler) WaitIdle(ctx context.Context) error {
	for {
		ch := c.activity()
		if c.active.Load() == 0 && (!c.running.Load() || c.totalQueued() == 0) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// settle reports the fate of one processed resource: finished, requeued or failed
func (c *Crawler) settle(svc *Service, res *models.Resource, out outcome, msg string, err error, taskLog *logrus.Entry) {
	kind := utils.Classify(err)
	switch kind {
	case utils.KindNone:
		switch out {
		case outcomeSaved:
			c.emit(res, models.StatusFinished, msg, nil)
			taskLog.WithField("saved_path", res.LocalPath).Info("Resource saved")
		case outcomeSkipped:
			c.emitEvent(res, models.StatusFinished, msg, nil, true)
			taskLog.Infof("Resource skipped: %s", msg)
		default:
			c.stats.abandoned.Add(1)
		}
		return

	case utils.KindScopeRejected, utils.KindAllocationDenied:
		if res.Status == models.StatusStarted {
			c.emitEvent(res, models.StatusFinished, err.Error(), nil, true)
		} else {
			c.stats.abandoned.Add(1)
		}
		taskLog.Debugf("Resource abandoned: %v", err)
		return

	case utils.KindCanceled:
		taskLog.Info("Transfer canceled, requeueing without counting a retry")
		svc.Enqueue(res, true)
		return

	case utils.KindTransient:
		res.Retries++
		if !c.config().RetriesExhausted(res.Retries) {
			taskLog.WithFields(logrus.Fields{"retries": res.Retries, "category": utils.CategorizeError(err)}).Warnf("Transient failure, requeueing: %v", err)
			svc.Enqueue(res, true)
			return
		}
		err = fmt.Errorf("retries exhausted after %d attempt(s): %w", res.Retries, err)
	}

	removePlaceholder(res.LocalPath, taskLog)
	c.emit(res, models.StatusError, err.Error(), err)
	taskLog.WithFields(logrus.Fields{"category": utils.CategorizeError(err), "kind": kind.String()}).Errorf("Resource failed: %v", err)
}

// UpdateConfig applies fn to a copy of the crawl configuration, validates it and makes
// it current. Raised limits provision Workers immediately.
func (c *Crawler) UpdateConfig(fn func(*config.CrawlConfig)) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	next := c.config()
	next.MimeOverrides = copyMap(next.MimeOverrides)
	next.ExcludePatterns = append([]string(nil), next.ExcludePatterns...)
	fn(&next)

	warnings, err := next.Validate()
	for _, w := range warnings {
		c.log.Warn(w)
	}
	if err != nil {
		return err
	}
	if err := c.setConfig(next); err != nil {
		return err
	}
	if c.running.Load() {
		for _, svc := range c.serviceList() {
			c.crawlService(svc)
		}
	}
	return nil
}

func (c *Crawler) setConfig(cfg config.CrawlConfig) error {
	exclude, err := utils.CompileRegexPatterns(cfg.ExcludePatterns)
	if err != nil {
		return err
	}
	c.cfgMu.Lock()
	c.cfg = cfg
	c.exclude = exclude
	c.cfgMu.Unlock()

	c.limiter.SetDelay(cfg.DelayPerHost)
	c.types.Replace(cfg.MimeOverrides)
	return nil
}

// config returns a copy of the current crawl configuration
func (c *Crawler) config() config.CrawlConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Config returns the current crawl configuration
func (c *Crawler) Config() config.CrawlConfig {
	cfg := c.config()
	cfg.MimeOverrides = copyMap(cfg.MimeOverrides)
	return cfg
}

func (c *Crawler) excluded(s string) bool {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return utils.MatchesAny(c.exclude, s)
}

func (c *Crawler) parseOptions() parse.Options {
	cfg := c.config()
	return parse.Options{
		StripWWW:             cfg.StripWWW,
		CaseInsensitivePaths: cfg.CaseInsensitivePaths,
		NormalizeQuery:       cfg.NormalizeQuery,
	}
}

func (c *Crawler) rules() scope.Rules {
	return scope.RulesFromConfig(c.config())
}

// RemoveQueued drops queued resources matching pattern from every Service
func (c *Crawler) RemoveQueued(pattern string, allowRequeue bool) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}
	total := 0
	for _, svc := range c.serviceList() {
		total += svc.Remove(re, allowRequeue)
	}
	if total > 0 {
		c.log.WithField("pattern", pattern).Infof("Removed %d queued resource(s)", total)
	}
	c.pulse()
	return total, nil
}

func (c *Crawler) totalQueued() int {
	total := 0
	for _, svc := range c.serviceList() {
		total += svc.QueueLen()
	}
	return total
}

// ActiveWorkers returns the number of Workers currently bound to a Service
func (c *Crawler) ActiveWorkers() int { return int(c.active.Load()) }

func (c *Crawler) isInitialized() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.initialized
}

func (c *Crawler) root() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.outputDir
}

func (c *Crawler) addSeed(u *url.URL) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, s := range c.seeds {
		if s.String() == u.String() {
			return
		}
	}
	c.seeds = append(c.seeds, u)
}

func (c *Crawler) seedURLs() []*url.URL {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make([]*url.URL, len(c.seeds))
	copy(out, c.seeds)
	return out
}

func (c *Crawler) seedStrings() []string {
	seeds := c.seedURLs()
	out := make([]string, len(seeds))
	for i, s := range seeds {
		out[i] = s.String()
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
