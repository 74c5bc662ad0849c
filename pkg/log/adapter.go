package log

import (
	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var _ badger.Logger = (*BadgerLogrusAdapter)(nil)

// BadgerLogrusAdapter implements badger.Logger interface using logrus.
// Badger reports every compaction and flush at info level, so those are logged as debug.
type BadgerLogrusAdapter struct {
	*logrus.Entry // Embed logrus Entry
}

// NewBadgerLogrusAdapter creates a new adapter tagged with component=badgerdb
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry.WithField("component", "badgerdb")}
}

// Errorf logs an error message
func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{}) { l.Entry.Errorf(f, v...) }

// Warningf logs a warning message
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warnf(f, v...) }

// Infof logs badger's info chatter at debug level
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{}) { l.Entry.Debugf(f, v...) }

// Debugf logs a debug message
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{}) { l.Entry.Tracef(f, v...) }
