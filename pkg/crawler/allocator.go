package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/state"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

const (
	indexFile     = "index.html"
	pageExtension = ".html"
	maxSuffix     = 10000 // name2 ... name10000, then give up
	maxProbes     = 1 << 16
)

// pathEntry is the allocation state of one normalized URL path
type pathEntry struct {
	baseFile string            // Relative to the output root, slash separated
	baseUsed bool              // baseFile was handed out, not only reserved for query variants
	queries  map[string]string // canonical query -> token
	tokens   map[string]bool
}

// PathAllocator assigns collision-free local files to the URLs of one Service.
// All allocation goes through a single mutex, and every new file name is claimed on disk
// with an exclusively created placeholder, so two allocators sharing a directory (http
// and https of one host) cannot hand out the same file either.
type PathAllocator struct {
	mu      sync.Mutex
	root    string // Output root
	dir     string // Service directory, relative to root
	paths   map[string]*pathEntry
	dirs    map[string]string // URL directory -> local directory, both relative to root
	claimed map[string]bool   // Local files handed out by this allocator
	dropped map[string]bool   // Released path+query keys, never allocated again
	cfg     func() config.CrawlConfig
}

// NewPathAllocator creates an allocator writing below root/dir. cfg is consulted on every
// call so configuration changes apply to the next allocation.
func NewPathAllocator(root, dir string, cfg func() config.CrawlConfig) *PathAllocator {
	return &PathAllocator{
		root:    root,
		dir:     filepath.ToSlash(dir),
		paths:   make(map[string]*pathEntry),
		dirs:    make(map[string]string),
		claimed: make(map[string]bool),
		dropped: make(map[string]bool),
		cfg:     cfg,
	}
}

// allocationKey returns the path part and the canonical query of u
func allocationKey(u *url.URL, c config.CrawlConfig) (string, string) {
	p := parse.CollapseSlashes(u.EscapedPath())
	if p == "" {
		p = "/"
	}
	if c.CaseInsensitivePaths {
		p = strings.ToLower(p)
	}
	q := u.RawQuery
	if c.NormalizeQuery {
		q = parse.CanonicalQuery(q)
	}
	return p, q
}

// Allocate returns the absolute local file for u, claiming a new one if needed.
// Returns ErrAllocationDenied when the query-variant cap is reached.
func (a *PathAllocator) Allocate(u *url.URL, kind models.LinkKind) (string, error) {
	if u == nil {
		return "", fmt.Errorf("%w: nil URL", utils.ErrAllocationDenied)
	}
	c := a.cfg()
	p, q := allocationKey(u, c)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dropped[p+"?"+q] {
		return "", fmt.Errorf("%w: '%s' was released", utils.ErrAllocationDenied, u.String())
	}
	entry, ok := a.paths[p]
	if !ok {
		baseFile, err := a.claimBase(p, kind)
		if err != nil {
			return "", err
		}
		entry = &pathEntry{baseFile: baseFile, queries: make(map[string]string), tokens: make(map[string]bool)}
		a.paths[p] = entry
	}

	if q == "" {
		entry.baseUsed = true
		return a.abs(entry.baseFile), nil
	}
	if token, ok := entry.queries[q]; ok {
		return a.abs(withToken(entry.baseFile, token)), nil
	}
	if c.MaxQueryVariants > 0 && len(entry.queries) >= c.MaxQueryVariants {
		return "", fmt.Errorf("%w: %d query variants of '%s'", utils.ErrAllocationDenied, len(entry.queries), p)
	}

	for probe := uint32(0); probe < maxProbes; probe++ {
		token := utils.QueryToken(q, probe)
		if entry.tokens[token] {
			continue
		}
		rel := withToken(entry.baseFile, token)
		created, err := a.claim(rel)
		if err != nil {
			return "", err
		}
		if !created {
			continue
		}
		entry.queries[q] = token
		entry.tokens[token] = true
		return a.abs(rel), nil
	}
	return "", fmt.Errorf("%w: no free query token for '%s'", utils.ErrAllocationDenied, p)
}

// Lookup returns the file already allocated for u without creating one
func (a *PathAllocator) Lookup(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	p, q := allocationKey(u, a.cfg())

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.paths[p]
	if !ok || a.dropped[p+"?"+q] {
		return "", false
	}
	if q == "" {
		return a.abs(entry.baseFile), true
	}
	token, ok := entry.queries[q]
	if !ok {
		return "", false
	}
	return a.abs(withToken(entry.baseFile, token)), true
}

// Release forgets the file allocated for u and removes its placeholder, for resources
// dropped before their transfer started. u is never allocated again, so links found
// afterwards stay absolute. A file that already has content is kept.
// Returns the released path, if there was one.
func (a *PathAllocator) Release(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	p, q := allocationKey(u, a.cfg())

	a.mu.Lock()
	defer a.mu.Unlock()

	a.dropped[p+"?"+q] = true
	entry, ok := a.paths[p]
	if !ok {
		return "", false
	}
	var rel string
	if q == "" {
		if !entry.baseUsed {
			return "", false
		}
		rel = entry.baseFile
		entry.baseUsed = false
	} else {
		token, ok := entry.queries[q]
		if !ok {
			return "", false
		}
		rel = withToken(entry.baseFile, token)
		delete(entry.queries, q)
		delete(entry.tokens, token)
		a.unclaim(rel)
	}
	if !entry.baseUsed && len(entry.queries) == 0 {
		a.unclaim(entry.baseFile)
		delete(a.paths, p)
	} else if q == "" {
		a.removeEmpty(entry.baseFile)
	}
	return a.abs(rel), true
}

// Prune removes the placeholders of base files that were only reserved for query
// variants and never handed out themselves. Returns how many were removed.
func (a *PathAllocator) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, entry := range a.paths {
		if !entry.baseUsed && a.removeEmpty(entry.baseFile) {
			n++
		}
	}
	return n
}

// unclaim drops rel from the claimed set and removes its placeholder. Caller holds mu.
func (a *PathAllocator) unclaim(rel string) {
	delete(a.claimed, rel)
	a.removeEmpty(rel)
}

// removeEmpty deletes rel if it is still an empty placeholder. Caller holds mu.
func (a *PathAllocator) removeEmpty(rel string) bool {
	abs := a.abs(rel)
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() || info.Size() > 0 {
		return false
	}
	return os.Remove(abs) == nil
}

// claimBase picks and claims the query-less file for a normalized path. Caller holds mu.
func (a *PathAllocator) claimBase(p string, kind models.LinkKind) (string, error) {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	name := segments[len(segments)-1]
	dirSegments := segments[:len(segments)-1]

	dir, err := a.resolveDir(dirSegments)
	if err != nil {
		return "", err
	}

	if name == "" {
		name = indexFile
	} else {
		name = utils.SanitizePathSegment(decodeSegment(name))
		if kind == models.LinkPage && !strings.Contains(name, ".") {
			name += pageExtension
		}
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n <= maxSuffix; n++ {
		candidate := stem + ext
		if n > 1 {
			candidate = stem + strconv.Itoa(n) + ext
		}
		rel := path.Join(dir, candidate)
		created, err := a.claim(rel)
		if err != nil {
			return "", err
		}
		if created {
			return rel, nil
		}
	}
	return "", fmt.Errorf("%w: no free file name for '%s'", utils.ErrAllocationDenied, p)
}

// resolveDir maps URL directory segments to a local directory, creating it. A segment
// blocked by an existing file gets a numeric suffix. Caller holds mu.
func (a *PathAllocator) resolveDir(segments []string) (string, error) {
	local := a.dir
	urlDir := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		urlDir += "/" + seg
		if known, ok := a.dirs[urlDir]; ok {
			local = known
			continue
		}

		name := utils.SanitizePathSegment(decodeSegment(seg))
		chosen := ""
		for n := 1; n <= maxSuffix; n++ {
			candidate := name
			if n > 1 {
				candidate = name + strconv.Itoa(n)
			}
			rel := path.Join(local, candidate)
			if a.claimed[rel] {
				continue
			}
			info, err := os.Stat(a.abs(rel))
			if err == nil && info.IsDir() {
				chosen = rel
				break
			}
			if err == nil {
				continue // a file is in the way
			}
			if !errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: stat '%s': %w", utils.ErrFilesystem, rel, err)
			}
			if err := os.MkdirAll(a.abs(rel), 0755); err != nil {
				return "", fmt.Errorf("%w: create directory '%s': %w", utils.ErrFilesystem, rel, err)
			}
			chosen = rel
			break
		}
		if chosen == "" {
			return "", fmt.Errorf("%w: no free directory name for '%s'", utils.ErrAllocationDenied, urlDir)
		}
		a.dirs[urlDir] = chosen
		local = chosen
	}

	if err := os.MkdirAll(a.abs(local), 0755); err != nil {
		return "", fmt.Errorf("%w: create directory '%s': %w", utils.ErrFilesystem, local, err)
	}
	return local, nil
}

// claim creates an empty placeholder for rel. Returns false if the name is taken,
// either by this allocator or on disk. Caller holds mu.
func (a *PathAllocator) claim(rel string) (bool, error) {
	if a.claimed[rel] {
		return false, nil
	}
	f, err := os.OpenFile(a.abs(rel), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: claim '%s': %w", utils.ErrFilesystem, rel, err)
	}
	f.Close()
	a.claimed[rel] = true
	return true, nil
}

func (a *PathAllocator) abs(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

// Snapshot returns the path table sorted by path, for the state codec
func (a *PathAllocator) Snapshot() []state.PathEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]state.PathEntry, 0, len(a.paths))
	for p, entry := range a.paths {
		pe := state.PathEntry{Path: p, BaseFile: entry.baseFile}
		for q, token := range entry.queries {
			pe.Queries = append(pe.Queries, state.QueryToken{Query: q, Token: token})
		}
		sort.Slice(pe.Queries, func(i, j int) bool { return pe.Queries[i].Query < pe.Queries[j].Query })
		out = append(out, pe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Restore replaces the path table. Restored files count as claimed even if they are
// no longer on disk.
func (a *PathAllocator) Restore(entries []state.PathEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.paths = make(map[string]*pathEntry, len(entries))
	a.dirs = make(map[string]string)
	a.claimed = make(map[string]bool, len(entries))
	a.dropped = make(map[string]bool)
	for _, pe := range entries {
		entry := &pathEntry{
			baseFile: pe.BaseFile,
			baseUsed: true, // not recorded in saved state; keep the file
			queries:  make(map[string]string, len(pe.Queries)),
			tokens:   make(map[string]bool, len(pe.Queries)),
		}
		a.claimed[pe.BaseFile] = true
		for _, qt := range pe.Queries {
			entry.queries[qt.Query] = qt.Token
			entry.tokens[qt.Token] = true
			a.claimed[withToken(pe.BaseFile, qt.Token)] = true
		}
		a.paths[pe.Path] = entry
	}
}

// Reset forgets every allocation. Files on disk are left alone.
func (a *PathAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = make(map[string]*pathEntry)
	a.dirs = make(map[string]string)
	a.claimed = make(map[string]bool)
	a.dropped = make(map[string]bool)
}

// withToken splices a query token before the extension: page.html -> page_0a1b2c3d.html
func withToken(rel, token string) string {
	dir, name := path.Split(rel)
	ext := path.Ext(name)
	return dir + strings.TrimSuffix(name, ext) + "_" + token + ext
}

// decodeSegment percent-decodes one escaped path segment, keeping it as is if malformed
func decodeSegment(seg string) string {
	if decoded, err := url.PathUnescape(seg); err == nil {
		return decoded
	}
	return seg
}
