package models

import (
	"net/url"
	"time"
)

// LinkKind tells how a resource was referenced by its parent document
type LinkKind int

const (
	LinkPage             LinkKind = iota // Navigational link (a, area, frame, iframe) or seed
	LinkInternalEmbedded                 // Embedded resource (img, script, css...) in scope
	LinkExternalEmbedded                 // Embedded resource fetched only as a "near file"
)

// String implements fmt.Stringer for logging
func (k LinkKind) String() string {
	switch k {
	case LinkPage:
		return "page"
	case LinkInternalEmbedded:
		return "embedded"
	case LinkExternalEmbedded:
		return "external_embedded"
	}
	return "unknown"
}

// IsEmbedded reports whether the link is an embedded resource rather than navigation
func (k LinkKind) IsEmbedded() bool {
	return k == LinkInternalEmbedded || k == LinkExternalEmbedded
}

// DataType is the coarse content classification used by download filters
type DataType int

const (
	DataUnknown DataType = iota
	DataHTML
	DataNonHTML
)

// String implements fmt.Stringer for logging
func (d DataType) String() string {
	switch d {
	case DataHTML:
		return "html"
	case DataNonHTML:
		return "non_html"
	}
	return "unknown"
}

// Resource is one URI to fetch, owned by exactly one Service queue or Worker at a time
type Resource struct {
	URL         *url.URL
	Referrer    *url.URL // nil for seeds
	Depth       int      // Seeds are depth 0
	Kind        LinkKind
	External    bool
	StatusCode  int
	StatusText  string
	ContentType string
	LocalPath   string // Set only once the path allocator reserved it
	Retries     int    // Transient failures so far
	Status      ProgressStatus
}

// Clone returns a deep copy, safe to hand to observers
func (r *Resource) Clone() Resource {
	c := *r
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	if r.Referrer != nil {
		ref := *r.Referrer
		c.Referrer = &ref
	}
	return c
}

// URLString returns the absolute URI, or "" when unset
func (r *Resource) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// HistoryEntry stores the outcome of the last attempt at a URL in the crawl history database
type HistoryEntry struct {
	Status      HistoryStatus `json:"status"`                 // "success", "failure" or "skipped"
	LocalPath   string        `json:"local_path,omitempty"`   // Relative to the output dir (on success)
	ContentType string        `json:"content_type,omitempty"` // Negotiated MIME type
	ContentHash string        `json:"content_hash,omitempty"` // SHA-256 of the saved file
	StatusCode  int           `json:"status_code,omitempty"`  // Last response status
	ErrorType   string        `json:"error_type,omitempty"`   // Error category (on failure)
	Depth       int           `json:"depth"`                  // Depth at which this URL was attempted
	Session     string        `json:"session,omitempty"`      // Crawl session that wrote the entry
	LastAttempt time.Time     `json:"last_attempt"`           // Timestamp of the last attempt
}

// CrawlMetadata holds the summary written at the end of a crawl session.
type CrawlMetadata struct {
	Session         string                 `yaml:"session"`
	Seeds           []string               `yaml:"seeds"`
	OutputDir       string                 `yaml:"output_dir"`
	CrawlStartTime  time.Time              `yaml:"crawl_start_time"`
	CrawlEndTime    time.Time              `yaml:"crawl_end_time"`
	Services        int                    `yaml:"services"`
	Downloaded      int64                  `yaml:"downloaded"`
	Failed          int64                  `yaml:"failed"`
	StillQueued     int64                  `yaml:"still_queued"`
	Unchanged       int64                  `yaml:"unchanged,omitempty"` // Same content as the history store recorded
	BytesPerSecond  float64                `yaml:"bytes_per_second,omitempty"`
	CrawlSettings   map[string]interface{} `yaml:"crawl_settings,omitempty"` // Flexible dump of CrawlConfig
	ErrorCategories map[string]int         `yaml:"error_categories,omitempty"`
}

// ContentInfo describes a freshly written file, handed to the content filter hook
type ContentInfo struct {
	URL       *url.URL
	MIMEType  string
	DataType  DataType
	Encoding  string // Declared charset, "" when unknown or binary
	LocalPath string // Absolute path of the written file
}
