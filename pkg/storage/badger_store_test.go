package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir(), "example.com", false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func successEntry(path string) *models.HistoryEntry {
	return &models.HistoryEntry{
		Status:      models.HistorySuccess,
		LocalPath:   path,
		ContentType: "text/html",
		StatusCode:  200,
		Depth:       1,
		LastAttempt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewBadgerStore(t *testing.T) {
	t.Run("fresh start has zero count", func(t *testing.T) {
		store := newTestStore(t)
		count, err := store.Count()
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("resume preserves data", func(t *testing.T) {
		dir := t.TempDir()
		logger := testLogger()

		store1, err := NewBadgerStore(dir, "example.com", false, logger)
		require.NoError(t, err)
		require.NoError(t, store1.Record("https://example.com/page1", successEntry("example.com/page1.html")))
		require.NoError(t, store1.Close())

		store2, err := NewBadgerStore(dir, "example.com", true, logger)
		require.NoError(t, err)
		t.Cleanup(func() { store2.Close() })

		count, err := store2.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		status, entry, err := store2.Lookup("https://example.com/page1")
		require.NoError(t, err)
		assert.Equal(t, models.HistorySuccess, status)
		require.NotNil(t, entry)
		assert.Equal(t, "example.com/page1.html", entry.LocalPath)
	})

	t.Run("no resume wipes data", func(t *testing.T) {
		dir := t.TempDir()
		logger := testLogger()

		store1, err := NewBadgerStore(dir, "example.com", false, logger)
		require.NoError(t, err)
		require.NoError(t, store1.Record("https://example.com/page1", successEntry("p.html")))
		require.NoError(t, store1.Close())

		store2, err := NewBadgerStore(dir, "example.com", false, logger)
		require.NoError(t, err)
		t.Cleanup(func() { store2.Close() })

		status, entry, err := store2.Lookup("https://example.com/page1")
		require.NoError(t, err)
		assert.Equal(t, models.HistoryNotFound, status)
		assert.Nil(t, entry)
	})

	t.Run("crawl names get separate databases", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewBadgerStore(dir, "a:b/c", false, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a_b_c_history_db", entries[0].Name())
	})
}

func TestRecordAndLookup(t *testing.T) {
	store := newTestStore(t)
	const u = "https://example.com/docs/"

	status, entry, err := store.Lookup(u)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryNotFound, status)
	assert.Nil(t, entry)

	require.NoError(t, store.Record(u, &models.HistoryEntry{
		Status:    models.HistoryFailure,
		ErrorType: "HTTP_5xx",
		Depth:     2,
	}))
	status, entry, err = store.Lookup(u)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryFailure, status)
	assert.Equal(t, "HTTP_5xx", entry.ErrorType)

	// Overwrite keeps a single key
	require.NoError(t, store.Record(u, successEntry("example.com/docs/index.html")))
	status, entry, err = store.Lookup(u)
	require.NoError(t, err)
	assert.Equal(t, models.HistorySuccess, status)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), entry.LastAttempt.UTC())

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecord_Concurrent(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				u := fmt.Sprintf("https://example.com/p%d", j)
				assert.NoError(t, store.Record(u, successEntry(fmt.Sprintf("w%d", worker))))
			}
		}(i)
	}
	wg.Wait()

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 25, count)
}

func TestRecord_ClosedStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), "x", false, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "double close is a no-op")

	err = store.Record("https://example.com/", successEntry("a"))
	assert.ErrorIs(t, err, utils.ErrDatabase)
}

func TestScan(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Record("https://example.com/a", successEntry("a.html")))
	require.NoError(t, store.Record("https://example.com/b", &models.HistoryEntry{Status: models.HistoryFailure}))
	require.NoError(t, store.Record("https://example.com/c", &models.HistoryEntry{Status: models.HistorySkipped}))

	var failed []string
	n, err := store.Scan(context.Background(), func(u string, e models.HistoryEntry) error {
		if e.Status == models.HistoryFailure {
			failed = append(failed, u)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"https://example.com/b"}, failed)

	stop := errors.New("stop")
	_, err = store.Scan(context.Background(), func(string, models.HistoryEntry) error { return stop })
	assert.ErrorIs(t, err, stop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Scan(ctx, func(string, models.HistoryEntry) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteVisitedLog(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Record("https://example.com/a", successEntry("a.html")))
	require.NoError(t, store.Record("https://example.com/b", &models.HistoryEntry{Status: models.HistoryFailure}))

	logPath := filepath.Join(t.TempDir(), "visited.tsv")
	require.NoError(t, store.WriteVisitedLog(context.Background(), logPath))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	sort.Strings(lines)
	assert.Equal(t, []string{
		"https://example.com/a\tsuccess",
		"https://example.com/b\tfailure",
	}, lines)
}

func TestRunGC_StopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		store.RunGC(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunGC did not return after cancel")
	}
}
