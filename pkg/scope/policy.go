// Package scope decides whether a discovered URL is inside the crawl's boundaries.
// Everything here is pure: no I/O, no locks.
package scope

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
)

// Rules is the subset of the crawl configuration the policy depends on
type Rules struct {
	Domain               config.DomainNavigation
	Directory            config.DirectoryNavigation
	StripWWW             bool
	CaseInsensitivePaths bool
	DownloadNonHTML      bool
	DownloadNearFiles    bool
}

// RulesFromConfig extracts Rules from a crawl configuration
func RulesFromConfig(c config.CrawlConfig) Rules {
	return Rules{
		Domain:               c.DomainNavigation,
		Directory:            c.DirectoryNavigation,
		StripWWW:             c.StripWWW,
		CaseInsensitivePaths: c.CaseInsensitivePaths,
		DownloadNonHTML:      c.DownloadNonHTML,
		DownloadNearFiles:    c.DownloadNearFiles,
	}
}

// TypeGuesser guesses a URL's data type before it is fetched
type TypeGuesser interface {
	GuessDataType(u *url.URL) models.DataType
}

// Decision is the outcome of IsAllowed
type Decision struct {
	Allowed  bool
	External bool // Outside every seed's scope; only embedded near files get through
}

// IsAllowed decides whether u may be crawled given the seeds and rules.
// guess may be nil, in which case no type-based rejection happens.
func IsAllowed(u *url.URL, embedded bool, seeds []*url.URL, rules Rules, guess TypeGuesser) Decision {
	if u == nil || !parse.SupportedScheme(u.Scheme) {
		return Decision{}
	}

	if !rules.DownloadNonHTML && guess != nil && guess.GuessDataType(u) == models.DataNonHTML {
		return Decision{}
	}

	if rules.Domain == config.Everywhere && rules.Directory == config.DirectoryAny {
		return Decision{Allowed: true}
	}

	targetHost := parse.NormalizeHost(u.Scheme, u.Host, rules.StripWWW)
	for _, seed := range seeds {
		if seed == nil {
			continue
		}
		seedHost := parse.NormalizeHost(seed.Scheme, seed.Host, rules.StripWWW)
		sameHost := seedHost == targetHost

		if rules.Directory.Restricted() && sameHost {
			rel := Relate(seed.Path, u.Path, rules.CaseInsensitivePaths)
			if !relationAllowed(rel, rules.Directory) {
				continue
			}
		}
		if !sameHost && rules.Domain == config.SameHostName {
			continue
		}
		if domainMatches(seedHost, targetHost, sameHost, rules.Domain) {
			return Decision{Allowed: true}
		}
	}

	return Decision{Allowed: embedded && rules.DownloadNearFiles, External: true}
}

// Relation is how a target's directory relates to a seed's directory
type Relation int

const (
	RelationSame  Relation = iota // Same directory
	RelationUp                    // Target is an ancestor of the seed directory
	RelationDown                  // Target is a descendant of the seed directory
	RelationMixed                 // Sibling or unrelated branch
)

func (r Relation) String() string {
	switch r {
	case RelationSame:
		return "same"
	case RelationUp:
		return "up"
	case RelationDown:
		return "down"
	}
	return "mixed"
}

// Relate compares the directory parts of two URL paths segment by segment
func Relate(seedPath, targetPath string, foldCase bool) Relation {
	seedDirs := directorySegments(seedPath, foldCase)
	targetDirs := directorySegments(targetPath, foldCase)

	common := 0
	for common < len(seedDirs) && common < len(targetDirs) && seedDirs[common] == targetDirs[common] {
		common++
	}

	switch {
	case common == len(seedDirs) && common == len(targetDirs):
		return RelationSame
	case common == len(seedDirs):
		return RelationDown
	case common == len(targetDirs):
		return RelationUp
	}
	return RelationMixed
}

// directorySegments splits a path into directory names. The last segment is treated
// as a file name (and dropped) when it contains a '.'; "/docs/intro" is the directory
// docs/intro, "/docs/intro.html" is the file intro.html inside docs.
func directorySegments(p string, foldCase bool) []string {
	p = parse.CollapseSlashes(p)
	if foldCase {
		p = strings.ToLower(p)
	}
	trailingSlash := strings.HasSuffix(p, "/")
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	if !trailingSlash && strings.Contains(parts[len(parts)-1], ".") {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func relationAllowed(rel Relation, nav config.DirectoryNavigation) bool {
	switch rel {
	case RelationSame:
		return true
	case RelationUp:
		return nav.AllowsUp()
	case RelationDown:
		return nav.AllowsDown()
	}
	return nav == config.DirectoryAny
}

func domainMatches(seedHost, targetHost string, sameHost bool, nav config.DomainNavigation) bool {
	switch nav {
	case config.Everywhere:
		return true
	case config.SameHostName:
		return sameHost
	}
	if sameHost {
		return true
	}

	seedName, targetName := hostname(seedHost), hostname(targetHost)
	if net.ParseIP(seedName) != nil || net.ParseIP(targetName) != nil {
		return seedName == targetName
	}

	switch nav {
	case config.SameDomain:
		a, errA := publicsuffix.EffectiveTLDPlusOne(seedName)
		b, errB := publicsuffix.EffectiveTLDPlusOne(targetName)
		return errA == nil && errB == nil && a == b
	case config.SameTopLevelDomain:
		a, _ := publicsuffix.PublicSuffix(seedName)
		b, _ := publicsuffix.PublicSuffix(targetName)
		return a != "" && a == b
	}
	return false
}

// hostname drops the port and IPv6 brackets
func hostname(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}
