package crawler

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/queue"
	"github.com/Sriram-PR/site-mirror/pkg/state"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Service owns everything about one scheme://authority: its queue, the set of dedup
// keys ever queued, the path allocator and the cookie jar. Each of these has its own
// lock; nothing here takes a Crawler lock.
type Service struct {
	key      string
	base     *url.URL
	external atomic.Bool
	log      *logrus.Entry

	queue *queue.FIFO
	alloc *PathAllocator

	seenMu sync.Mutex
	seen   map[string]struct{}

	jarMu sync.Mutex
	jar   *cookiejar.Jar

	active atomic.Int32 // Workers bound to this Service

	c *Crawler
}

func newService(c *Crawler, key string, base *url.URL, external bool) *Service {
	svcLog := c.log.WithField("service", key)
	s := &Service{
		key:   key,
		base:  base,
		log:   svcLog,
		queue: queue.NewFIFO(svcLog),
		alloc: NewPathAllocator(c.root(), utils.SanitizePathSegment(base.Host), c.config),
		seen:  make(map[string]struct{}),
		c:     c,
	}
	s.external.Store(external)
	s.jar = newJar()
	return s
}

func newJar() *cookiejar.Jar {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List}) // Only fails on a nil list
	return jar
}

// Key returns the scheme://authority identifying the Service
func (s *Service) Key() string { return s.key }

// External reports whether the Service only exists for near files
func (s *Service) External() bool { return s.external.Load() }

// Enqueue appends res to the queue unless its dedup key was already queued once.
// forceRequeue skips the dedup check, for retries and re-crawls.
// Returns whether res was queued.
func (s *Service) Enqueue(res *models.Resource, forceRequeue bool) bool {
	key := parse.DedupKey(res.URL, s.c.parseOptions())

	s.seenMu.Lock()
	if !forceRequeue {
		if _, dup := s.seen[key]; dup {
			s.seenMu.Unlock()
			return false
		}
	}
	s.seen[key] = struct{}{}
	s.seenMu.Unlock()

	if !res.External {
		s.external.Store(false)
	}
	if s.queue.Closed() {
		return false
	}
	// A Worker may own res as soon as it is pushed; the queued event goes first.
	s.c.emit(res, models.StatusQueued, "", nil)
	return s.queue.Push(res)
}

// TryDequeue pops the head of the queue without blocking
func (s *Service) TryDequeue() (*models.Resource, bool) {
	return s.queue.TryPop()
}

// Remove drops queued resources whose URL matches pattern. With allowRequeue their
// dedup keys are forgotten so they can be queued again later.
func (s *Service) Remove(pattern *regexp.Regexp, allowRequeue bool) int {
	removed := s.queue.RemoveIf(func(r *models.Resource) bool {
		return pattern.MatchString(r.URLString())
	})
	if allowRequeue && len(removed) > 0 {
		opts := s.c.parseOptions()
		s.seenMu.Lock()
		for _, r := range removed {
			delete(s.seen, parse.DedupKey(r.URL, opts))
		}
		s.seenMu.Unlock()
	}
	return len(removed)
}

// markSeen records u as known. Returns false if it already was.
func (s *Service) markSeen(u *url.URL) bool {
	key := parse.DedupKey(u, s.c.parseOptions())
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Clear empties the queue, the dedup set, the path table and the cookie jar
func (s *Service) Clear() {
	s.queue.Clear()
	s.seenMu.Lock()
	s.seen = make(map[string]struct{})
	s.seenMu.Unlock()
	s.alloc.Reset()
	s.jarMu.Lock()
	s.jar = newJar()
	s.jarMu.Unlock()
}

// Jar returns the Service's cookie jar
func (s *Service) Jar() http.CookieJar {
	s.jarMu.Lock()
	defer s.jarMu.Unlock()
	return s.jar
}

// QueueLen returns the number of queued resources
func (s *Service) QueueLen() int { return s.queue.Len() }

// Active returns the number of Workers bound to the Service
func (s *Service) Active() int { return int(s.active.Load()) }

// tryReserve takes a worker slot if fewer than limit are taken
func (s *Service) tryReserve(limit int) bool {
	for {
		cur := s.active.Load()
		if int(cur) >= limit {
			return false
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Service) release() {
	s.active.Add(-1)
}

// snapshot captures the persisted part of the Service
func (s *Service) snapshot() state.ServiceState {
	st := state.ServiceState{
		BaseURI:  s.key,
		External: s.External(),
		Queue:    s.queue.Snapshot(),
		Paths:    s.alloc.Snapshot(),
	}
	s.seenMu.Lock()
	st.Seen = make([]string, 0, len(s.seen))
	for k := range s.seen {
		st.Seen = append(st.Seen, k)
	}
	s.seenMu.Unlock()
	sort.Strings(st.Seen)
	return st
}

// restore loads a saved Service. Queued resources are pushed without events.
func (s *Service) restore(st state.ServiceState) {
	s.external.Store(st.External)
	s.queue.Clear()
	for i := range st.Queue {
		res := st.Queue[i]
		res.Status = models.StatusQueued
		s.queue.Push(&res)
	}
	s.alloc.Restore(st.Paths)
	s.seenMu.Lock()
	s.seen = make(map[string]struct{}, len(st.Seen))
	for _, k := range st.Seen {
		s.seen[k] = struct{}{}
	}
	s.seenMu.Unlock()
}
