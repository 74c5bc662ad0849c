package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/log"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

const (
	urlKeyPrefix = "url:"       // Prefix for URL keys in DB
	historyDBDir = "history_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements the VisitedStore interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count for O(1) Count
}

// NewBadgerStore opens (or, unless resume is set, recreates) the history database for
// the crawl named name under stateDir
func NewBadgerStore(stateDir, name string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	// One database per crawl name, so unrelated mirrors never share history
	dbDirName := utils.SanitizePathSegment(name) + "_" + historyDBDir
	dbPath := filepath.Join(stateDir, dbDirName)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing history directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			// Log error but attempt to continue; Badger might recover or create new files
			logger.Errorf("Failed to remove existing history directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing crawl history database at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create history directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1) // Only the latest outcome matters

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	if resume {
		count, err := store.countKeys()
		if err != nil {
			logger.Warnf("Failed to count existing keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing history count on resume: %d", count)
		}
	}

	logger.Info("Crawl history database initialized successfully.")
	return store, nil
}

// countKeys performs a one-time full key scan (used only during initialization on resume).
func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(urlKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent workers recording the same URL can return badger.ErrConflict.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Record implements HistoryStore
func (s *BadgerStore) Record(rawURL string, entry *models.HistoryEntry) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("%w: history database not open", utils.ErrDatabase)
	}
	key := []byte(urlKeyPrefix + rawURL)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal HistoryEntry for key '%s': %w", utils.ErrParsing, string(key), errJson)
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		isNew = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		} else if errGet != nil {
			return errGet
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in Record: %v", err)
		return fmt.Errorf("%w: failed recording '%s': %w", utils.ErrDatabase, rawURL, err)
	}
	if isNew {
		s.keyCount.Add(1)
	}

	s.log.Debugf("Recorded '%s' as '%s'", rawURL, entry.Status)
	return nil
}

// Lookup implements HistoryStore
func (s *BadgerStore) Lookup(rawURL string) (models.HistoryStatus, *models.HistoryEntry, error) {
	status := models.HistoryNotFound
	var entry *models.HistoryEntry
	key := []byte(urlKeyPrefix + rawURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil // Not found is a status, not an error
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}

		return item.Value(func(val []byte) error {
			var decoded models.HistoryEntry
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				s.log.Warnf("Failed to unmarshal HistoryEntry for key '%s': %v. Treating as 'not_found'.", string(key), errJson)
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in Lookup for key '%s': %v", string(key), errView)
		return models.HistoryDBError, nil, errView
	}
	return status, entry, nil
}

// Scan implements HistoryStore
func (s *BadgerStore) Scan(ctx context.Context, fn func(rawURL string, entry models.HistoryEntry) error) (int, error) {
	scanned := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(urlKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			rawURL := string(item.Key()[len(prefix):])

			var entry models.HistoryEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				s.log.Warnf("Scan: skipping undecodable entry for '%s': %v", rawURL, err)
				continue
			}
			scanned++
			if err := fn(rawURL, entry); err != nil {
				return err
			}
		}
		return nil
	})
	return scanned, err
}

// Count implements StoreAdmin. Returns the cached key count maintained on writes.
func (s *BadgerStore) Count() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			s.log.Debug("Running BadgerDB value log garbage collection...")
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// WriteVisitedLog implements StoreAdmin.
func (s *BadgerStore) WriteVisitedLog(ctx context.Context, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var writeErr error
	written, iterErr := s.Scan(ctx, func(rawURL string, entry models.HistoryEntry) error {
		if _, err := fmt.Fprintf(writer, "%s\t%s\n", rawURL, entry.Status); err != nil && writeErr == nil {
			writeErr = err
		}
		return nil
	})

	if err := writer.Flush(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := file.Sync(); err != nil && writeErr == nil {
		writeErr = err
	}

	if iterErr != nil {
		s.log.Warnf("Visited log iteration stopped after %d URLs: %v", written, iterErr)
		return iterErr
	}
	if writeErr != nil {
		return fmt.Errorf("%w: writing visited log '%s': %w", utils.ErrFilesystem, filePath, writeErr)
	}
	s.log.Infof("Finished writing %d URLs to visited log: %s", written, filePath)
	return nil
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing history DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing history DB: %v", err)
			return err
		}
		return nil
	}
	return nil
}
