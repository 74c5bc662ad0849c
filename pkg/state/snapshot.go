package state

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/mimetype"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Magic identifies a saved crawl state
const Magic = "SMST"

// Version is the current format version. Fields are only ever appended, and a reader
// accepts any version up to its own.
const Version int32 = 1

// QueryToken maps one canonical query to the token spliced into its file name
type QueryToken struct {
	Query string
	Token string
}

// PathEntry is one row of a Service's path table
type PathEntry struct {
	Path     string // Normalized URL path
	BaseFile string // Local file for the query-less URL, relative to the output root
	Queries  []QueryToken
}

// ServiceState is the persisted part of one Service
type ServiceState struct {
	BaseURI  string
	External bool
	Queue    []models.Resource
	Paths    []PathEntry
	Seen     []string // Dedup keys
}

// Snapshot is everything needed to resume a crawl
type Snapshot struct {
	Crawl     config.CrawlConfig
	OutputDir string
	MimeTable []mimetype.Entry
	Services  []ServiceState
	Seeds     []string
}

// Encode writes s in the binary state format
func Encode(w io.Writer, s *Snapshot) error {
	sw := NewWriter(w)
	sw.Bytes([]byte(Magic))
	sw.Int32(Version)

	writeCrawlConfig(sw, &s.Crawl)
	sw.String(s.OutputDir)

	sw.Int(len(s.MimeTable))
	for _, e := range s.MimeTable {
		sw.String(e.Ext)
		sw.String(e.MIMEType)
	}

	sw.Int(len(s.Services))
	for i := range s.Services {
		writeService(sw, &s.Services[i])
	}

	sw.Int(len(s.Seeds))
	for _, seed := range s.Seeds {
		sw.String(seed)
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("%w: writing state: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// Decode reads a Snapshot. Files written by a newer version are refused.
func Decode(r io.Reader) (*Snapshot, error) {
	sr := NewReader(r)
	magic := sr.Bytes(len(Magic))
	if sr.Err() != nil {
		return nil, sr.Err()
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%w: not a crawl state file (magic %q)", utils.ErrParsing, magic)
	}
	version := sr.Int32()
	if sr.Err() != nil {
		return nil, sr.Err()
	}
	if version > Version || version < 1 {
		return nil, fmt.Errorf("%w: state version %d, supported up to %d", utils.ErrUnsupportedVersion, version, Version)
	}

	s := &Snapshot{}
	readCrawlConfig(sr, &s.Crawl)
	s.OutputDir = sr.String()

	for n := sr.Count(); n > 0 && sr.Err() == nil; n-- {
		s.MimeTable = append(s.MimeTable, mimetype.Entry{Ext: sr.String(), MIMEType: sr.String()})
	}

	for n := sr.Count(); n > 0 && sr.Err() == nil; n-- {
		svc, err := readService(sr)
		if err != nil {
			return nil, err
		}
		s.Services = append(s.Services, svc)
	}

	for n := sr.Count(); n > 0 && sr.Err() == nil; n-- {
		s.Seeds = append(s.Seeds, sr.String())
	}

	if err := sr.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func writeCrawlConfig(w *Writer, c *config.CrawlConfig) {
	w.String(c.UserAgent)
	w.Int(c.MaxConnections)
	w.Int(c.MaxConnectionsPerHost)
	w.Int(c.MaxDepth)
	w.Int(c.MaxRetries)
	w.Int64(c.MaxFileSize)
	w.Int(c.MaxQueuedLinks)
	w.Int(c.MaxQueryVariants)
	w.Int64(int64(c.TransferTimeout))
	w.Int(int(c.DomainNavigation))
	w.Int(int(c.DirectoryNavigation))
	for _, flag := range []bool{
		c.StripWWW, c.DownloadHTML, c.DownloadNonHTML, c.DownloadNearFiles,
		c.RewriteLinks, c.NormalizeQuery, c.CaseInsensitivePaths, c.UseCookies,
		c.RespectRobotsTxt, c.MarkdownSidecar, c.WriteMappingFile,
	} {
		w.Bool(flag)
	}
	w.Int64(int64(c.DelayPerHost))
	w.String(c.LinkScanner)
	w.String(c.MappingFilename)
	w.Int(len(c.ExcludePatterns))
	for _, p := range c.ExcludePatterns {
		w.String(p)
	}
}

func readCrawlConfig(r *Reader, c *config.CrawlConfig) {
	c.UserAgent = r.String()
	c.MaxConnections = r.Int()
	c.MaxConnectionsPerHost = r.Int()
	c.MaxDepth = r.Int()
	c.MaxRetries = r.Int()
	c.MaxFileSize = r.Int64()
	c.MaxQueuedLinks = r.Int()
	c.MaxQueryVariants = r.Int()
	c.TransferTimeout = time.Duration(r.Int64())
	c.DomainNavigation = config.DomainNavigation(r.Int())
	c.DirectoryNavigation = config.DirectoryNavigation(r.Int())
	for _, flag := range []*bool{
		&c.StripWWW, &c.DownloadHTML, &c.DownloadNonHTML, &c.DownloadNearFiles,
		&c.RewriteLinks, &c.NormalizeQuery, &c.CaseInsensitivePaths, &c.UseCookies,
		&c.RespectRobotsTxt, &c.MarkdownSidecar, &c.WriteMappingFile,
	} {
		*flag = r.Bool()
	}
	c.DelayPerHost = time.Duration(r.Int64())
	c.LinkScanner = r.String()
	c.MappingFilename = r.String()
	c.ExcludePatterns = nil
	for n := r.Count(); n > 0 && r.Err() == nil; n-- {
		c.ExcludePatterns = append(c.ExcludePatterns, r.String())
	}
}

func writeService(w *Writer, s *ServiceState) {
	w.String(s.BaseURI)
	w.Bool(s.External)

	w.Int(len(s.Queue))
	for i := range s.Queue {
		writeResource(w, &s.Queue[i])
	}

	w.Int(len(s.Paths))
	for _, p := range s.Paths {
		w.String(p.Path)
		w.String(p.BaseFile)
		w.Int(len(p.Queries))
		for _, q := range p.Queries {
			w.String(q.Query)
			w.String(q.Token)
		}
	}

	w.Int(len(s.Seen))
	for _, key := range s.Seen {
		w.String(key)
	}
}

func readService(r *Reader) (ServiceState, error) {
	s := ServiceState{
		BaseURI:  r.String(),
		External: r.Bool(),
	}

	for n := r.Count(); n > 0 && r.Err() == nil; n-- {
		res, err := readResource(r)
		if err != nil {
			return s, err
		}
		s.Queue = append(s.Queue, res)
	}

	for n := r.Count(); n > 0 && r.Err() == nil; n-- {
		p := PathEntry{Path: r.String(), BaseFile: r.String()}
		for q := r.Count(); q > 0 && r.Err() == nil; q-- {
			p.Queries = append(p.Queries, QueryToken{Query: r.String(), Token: r.String()})
		}
		s.Paths = append(s.Paths, p)
	}

	for n := r.Count(); n > 0 && r.Err() == nil; n-- {
		s.Seen = append(s.Seen, r.String())
	}
	return s, r.Err()
}

func writeResource(w *Writer, res *models.Resource) {
	w.String(res.URLString())
	var ref *string
	if res.Referrer != nil {
		s := res.Referrer.String()
		ref = &s
	}
	w.NullableString(ref)
	w.Int(res.Depth)
	w.Int(int(res.Kind))
	w.Bool(res.External)
	w.Int(res.StatusCode)
	w.String(res.StatusText)
	w.String(res.ContentType)
	w.String(res.LocalPath)
	w.Int(res.Retries)
	w.String(string(res.Status))
}

func readResource(r *Reader) (models.Resource, error) {
	var res models.Resource
	rawURL := r.String()
	ref := r.NullableString()
	res.Depth = r.Int()
	res.Kind = models.LinkKind(r.Int())
	res.External = r.Bool()
	res.StatusCode = r.Int()
	res.StatusText = r.String()
	res.ContentType = r.String()
	res.LocalPath = r.String()
	res.Retries = r.Int()
	res.Status = models.ProgressStatus(r.String())
	if err := r.Err(); err != nil {
		return res, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return res, fmt.Errorf("%w: queued URL '%s': %w", utils.ErrParsing, rawURL, err)
	}
	res.URL = u
	if ref != nil {
		if res.Referrer, err = url.Parse(*ref); err != nil {
			return res, fmt.Errorf("%w: referrer '%s': %w", utils.ErrParsing, *ref, err)
		}
	}
	return res, nil
}
