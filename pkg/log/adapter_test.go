package log

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newDiscardEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newBufferedEntry(level logrus.Level) (*logrus.Entry, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return logrus.NewEntry(logger), buf
}

func TestBadgerLogrusAdapter_Methods(t *testing.T) {
	adapter := NewBadgerLogrusAdapter(newDiscardEntry())

	assert.NotPanics(t, func() { adapter.Errorf("error %s", "test") })
	assert.NotPanics(t, func() { adapter.Warningf("warning %d", 42) })
	assert.NotPanics(t, func() { adapter.Infof("info %v", true) })
	assert.NotPanics(t, func() { adapter.Debugf("debug") })
}

func TestBadgerLogrusAdapter_Levels(t *testing.T) {
	entry, buf := newBufferedEntry(logrus.InfoLevel)
	adapter := NewBadgerLogrusAdapter(entry)

	adapter.Infof("compaction %d done", 3)
	assert.Empty(t, buf.String(), "badger info is demoted below the info level")

	adapter.Warningf("slow %s", "write")
	assert.Contains(t, buf.String(), "level=warning")
	assert.Contains(t, buf.String(), "slow write")
	assert.Contains(t, buf.String(), "component=badgerdb")

	buf.Reset()
	entry, buf = newBufferedEntry(logrus.DebugLevel)
	NewBadgerLogrusAdapter(entry).Infof("flushed")
	assert.Contains(t, buf.String(), "level=debug")
}
