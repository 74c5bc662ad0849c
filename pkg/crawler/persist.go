package crawler

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/state"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Save writes the crawl configuration, the MIME table, the seeds and every Service's
// queue, dedup set and path table. It refuses while the crawl is running or
// Workers are still active.
func (c *Crawler) Save(w io.Writer) error {
	if c.running.Load() {
		return fmt.Errorf("%w: crawl running, stop before saving", utils.ErrWorkersActive)
	}
	if n := c.ActiveWorkers(); n > 0 {
		return fmt.Errorf("%w: %d active, stop and terminate before saving", utils.ErrWorkersActive, n)
	}
	snap := &state.Snapshot{
		Crawl:     c.config(),
		OutputDir: c.root(),
		MimeTable: c.types.Snapshot(),
		Seeds:     c.seedStrings(),
	}
	for _, svc := range c.serviceList() {
		snap.Services = append(snap.Services, svc.snapshot())
	}
	if err := state.Encode(w, snap); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"services": len(snap.Services), "seeds": len(snap.Seeds)}).Info("Crawl state saved")
	return nil
}

// SaveFile writes the state to path through a temporary file
func (c *Crawler) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating state dir: %w", utils.ErrFilesystem, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	if err := c.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// Load replaces the Crawler's configuration, seeds and Services with a saved state.
// An uninitialized Crawler is initialized with the saved output directory.
func (c *Crawler) Load(r io.Reader) error {
	if c.running.Load() {
		return fmt.Errorf("%w: crawl running, stop before loading", utils.ErrWorkersActive)
	}
	if n := c.ActiveWorkers(); n > 0 {
		return fmt.Errorf("%w: %d active, stop and terminate before loading", utils.ErrWorkersActive, n)
	}
	snap, err := state.Decode(r)
	if err != nil {
		return err
	}

	cfg := snap.Crawl
	cfg.MimeOverrides = make(map[string]string, len(snap.MimeTable))
	for _, e := range snap.MimeTable {
		cfg.MimeOverrides[e.Ext] = e.MIMEType
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		c.log.Warn(w)
	}
	if err != nil {
		return fmt.Errorf("saved configuration: %w", err)
	}
	if err := c.setConfig(cfg); err != nil {
		return err
	}

	c.stateMu.Lock()
	if !c.initialized {
		err = c.initializeLocked(snap.OutputDir)
	} else if c.outputDir != snap.OutputDir {
		c.log.Warnf("Saved output dir '%s' differs from '%s'; path tables are applied to the current one", snap.OutputDir, c.outputDir)
	}
	if err != nil {
		c.stateMu.Unlock()
		return err
	}
	opts := c.parseOptions()
	c.seeds = c.seeds[:0]
	for _, raw := range snap.Seeds {
		u, perr := parse.ParseAndNormalize(raw, opts)
		if perr != nil {
			c.log.Warnf("Dropping unparsable saved seed '%s': %v", raw, perr)
			continue
		}
		c.seeds = append(c.seeds, u)
	}
	c.stateMu.Unlock()

	c.registryMu.Lock()
	c.services = make(map[string]*Service)
	c.order = nil
	c.registryMu.Unlock()

	queued := 0
	for _, st := range snap.Services {
		base, perr := url.Parse(st.BaseURI)
		if perr != nil || base.Host == "" {
			return fmt.Errorf("%w: bad service uri '%s'", utils.ErrParsing, st.BaseURI)
		}
		svc := newService(c, st.BaseURI, base, st.External)
		svc.restore(st)
		c.registerService(svc)
		queued += svc.QueueLen()
	}
	c.log.WithFields(logrus.Fields{"services": len(snap.Services), "queued": queued}).Info("Crawl state loaded")
	return nil
}

// LoadFile loads the state saved at path
func (c *Crawler) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()
	return c.Load(f)
}
