package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/site-mirror/pkg/models"
)

// HistoryStore records the outcome of every attempted URL across crawl sessions
type HistoryStore interface {
	// Record stores entry as the latest outcome for rawURL, replacing any previous one
	Record(rawURL string, entry *models.HistoryEntry) error

	// Lookup returns the stored status and entry for rawURL.
	// Status is HistoryNotFound (with a nil entry) when nothing was recorded.
	Lookup(rawURL string) (models.HistoryStatus, *models.HistoryEntry, error)

	// Scan calls fn for every recorded URL until fn returns an error or ctx is done
	Scan(ctx context.Context, fn func(rawURL string, entry models.HistoryEntry) error) (int, error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Count returns the number of recorded URLs
	Count() (int, error)

	// WriteVisitedLog writes "URL<TAB>status" lines for every recorded URL
	WriteVisitedLog(ctx context.Context, filePath string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// VisitedStore combines all store interfaces for components that need full access
type VisitedStore interface {
	HistoryStore
	StoreAdmin
}
