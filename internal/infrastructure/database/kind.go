package database

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ConnKind is the role a connection plays for its manager.
type ConnKind int

const (
	// ReadOnly connections never write and never run schema initialisation.
	// Any number may be open at once.
	ReadOnly ConnKind = iota

	// ReadWrite is the single application writer of a manager.
	ReadWrite

	// Sync is the single connection used by sync engines.
	Sync
)

// String returns the lower-case name of the kind.
func (k ConnKind) String() string {
	switch k {
	case ReadOnly:
		return "read_only"
	case ReadWrite:
		return "read_write"
	case Sync:
		return "sync"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// writable reports whether connections of this kind may write.
func (k ConnKind) writable() bool {
	return k == ReadWrite || k == Sync
}

// buildDSN returns the go-sqlite3 connection string for a file or shared-memory database.
// See: https://github.com/mattn/go-sqlite3#connection-string
func buildDSN(path string, memory bool, kind ConnKind, busyTimeout time.Duration) string {
	q := url.Values{}
	switch {
	case memory:
		q.Set("mode", "memory")
		q.Set("cache", "shared")
	case kind == ReadOnly:
		q.Set("mode", "ro")
	default:
		q.Set("mode", "rwc")
	}
	if kind.writable() {
		q.Set("_txlock", "immediate")
	}
	q.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))

	u := url.URL{Path: path}
	return fmt.Sprintf("file:%s?%s", u.EscapedPath(), q.Encode())
}
