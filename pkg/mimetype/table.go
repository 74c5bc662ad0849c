package mimetype

import (
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/Sriram-PR/site-mirror/pkg/models"
)

// builtinOverrides covers server-side script extensions that almost always render HTML
var builtinOverrides = map[string]string{
	"php":   "text/html",
	"php3":  "text/html",
	"php4":  "text/html",
	"php5":  "text/html",
	"phtml": "text/html",
	"asp":   "text/html",
	"aspx":  "text/html",
	"jsp":   "text/html",
	"jspx":  "text/html",
	"cfm":   "text/html",
	"cgi":   "text/html",
	"pl":    "text/html",
	"shtml": "text/html",
	"htm":   "text/html",
	"html":  "text/html",
	"xhtml": "application/xhtml+xml",
}

// Table maps file extensions to MIME types. User overrides win over the built-in list,
// which wins over the system MIME database. Safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	overrides map[string]string // extension (lowercase, no dot) -> MIME type
}

// NewTable creates a Table seeded with the given user overrides
func NewTable(overrides map[string]string) *Table {
	t := &Table{overrides: make(map[string]string, len(overrides))}
	for ext, m := range overrides {
		t.overrides[normalizeExt(ext)] = m
	}
	return t
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}

// Set adds or replaces one override
func (t *Table) Set(ext, mimeType string) {
	t.mu.Lock()
	t.overrides[normalizeExt(ext)] = mimeType
	t.mu.Unlock()
}

// Remove deletes one override
func (t *Table) Remove(ext string) {
	t.mu.Lock()
	delete(t.overrides, normalizeExt(ext))
	t.mu.Unlock()
}

// Replace swaps the whole user override set
func (t *Table) Replace(overrides map[string]string) {
	fresh := make(map[string]string, len(overrides))
	for ext, m := range overrides {
		fresh[normalizeExt(ext)] = m
	}
	t.mu.Lock()
	t.overrides = fresh
	t.mu.Unlock()
}

// Entry is one extension/MIME pair
type Entry struct {
	Ext      string
	MIMEType string
}

// Snapshot returns the user overrides sorted by extension
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.overrides))
	for ext, m := range t.overrides {
		entries = append(entries, Entry{Ext: ext, MIMEType: m})
	}
	t.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ext < entries[j].Ext })
	return entries
}

// Lookup returns the MIME type for an extension, or "" when unknown
func (t *Table) Lookup(ext string) string {
	ext = normalizeExt(ext)
	if ext == "" {
		return ""
	}
	t.mu.RLock()
	m, ok := t.overrides[ext]
	t.mu.RUnlock()
	if ok {
		return m
	}
	if m, ok := builtinOverrides[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension("." + ext); m != "" {
		return BaseType(m)
	}
	return ""
}

// GuessFromPath guesses the MIME type from the extension of the last path segment.
// Directory-like paths and extension-less names return "".
func (t *Table) GuessFromPath(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return ""
	}
	ext := path.Ext(path.Base(p))
	if ext == "" || ext == "." {
		return ""
	}
	return t.Lookup(ext)
}

// GuessDataType classifies a URL before fetching. HTTP directory-like and extension-less
// URLs are DataUnknown (the server decides); FTP has no such convention, so an unknown
// FTP extension means non-HTML.
func (t *Table) GuessDataType(u *url.URL) models.DataType {
	if u == nil {
		return models.DataUnknown
	}
	guessed := ClassifyMIME(t.GuessFromPath(u.Path))
	if guessed == models.DataUnknown && strings.EqualFold(u.Scheme, "ftp") {
		if strings.HasSuffix(u.Path, "/") || u.Path == "" {
			return models.DataUnknown // directory listing
		}
		return models.DataNonHTML
	}
	return guessed
}

// ClassifyMIME maps a MIME type (parameters allowed) to a DataType
func ClassifyMIME(mimeType string) models.DataType {
	base := BaseType(mimeType)
	switch base {
	case "":
		return models.DataUnknown
	case "text/html", "application/xhtml+xml":
		return models.DataHTML
	}
	return models.DataNonHTML
}

// BaseType strips parameters and lowercases a Content-Type value
func BaseType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// CharsetParam returns the charset parameter of a Content-Type value, lowercased
func CharsetParam(contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		return strings.ToLower(strings.Trim(params["charset"], `"' `))
	}
	return ""
}
