package crawler

import (
	"sync/atomic"

	"github.com/Sriram-PR/site-mirror/pkg/models"
)

// Stats is a point-in-time view of the crawl
type Stats struct {
	Session        string
	Running        bool
	Services       int
	Queued         int
	Workers        int
	ActiveWorkers  int
	Downloaded     int64
	Skipped        int64
	Failed         int64
	Abandoned      int64
	Bytes          int64
	BytesPerSecond float64 // Sum over the Workers' last transfers
}

type crawlStats struct {
	downloaded atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	abandoned  atomic.Int64
	bytes      atomic.Int64
}

func (s *crawlStats) observe(ev models.ProgressEvent) {
	switch ev.Status {
	case models.StatusFinished:
		if ev.Skipped {
			s.skipped.Add(1)
		} else {
			s.downloaded.Add(1)
		}
	case models.StatusError:
		s.failed.Add(1)
	}
}

func (s *crawlStats) reset() {
	s.downloaded.Store(0)
	s.skipped.Store(0)
	s.failed.Store(0)
	s.abandoned.Store(0)
	s.bytes.Store(0)
}

// Stats returns the current counters
func (c *Crawler) Stats() Stats {
	services := c.serviceList()
	st := Stats{
		Session:       c.session,
		Running:       c.running.Load(),
		Services:      len(services),
		ActiveWorkers: c.ActiveWorkers(),
		Downloaded:    c.stats.downloaded.Load(),
		Skipped:       c.stats.skipped.Load(),
		Failed:        c.stats.failed.Load(),
		Abandoned:     c.stats.abandoned.Load(),
		Bytes:         c.stats.bytes.Load(),
	}
	for _, svc := range services {
		st.Queued += svc.QueueLen()
	}

	c.workersMu.Lock()
	st.Workers = len(c.workers)
	for _, w := range c.workers {
		st.BytesPerSecond += w.BytesPerSecond()
	}
	c.workersMu.Unlock()
	return st
}
