// Package journal records where each installed package came from.
//
// The journal is a bbolt database inside the cache root. It is opened only
// for the duration of a single call so that every process sharing the root
// can use it; bbolt's own file lock arbitrates between processes and a
// per-path mutex serializes callers within one process.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	packagecache "github.com/wolfeidau/package-cache"
	"go.etcd.io/bbolt"
)

// FileName is the journal file name inside a cache root.
const FileName = "journal.db"

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("journal record not found")

var bucketInstalls = []byte("installs")

// Record describes one installed entry.
type Record struct {
	// Key is the entry directory name, "name#version".
	Key     string `json:"key"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Registry is the base URL of the registry that supplied the archive.
	// Empty for out-of-band adds.
	Registry string `json:"registry,omitempty"`
	// SourceURL is diagnostic only.
	SourceURL   string            `json:"source_url,omitempty"`
	Digest      packagecache.Hash `json:"digest"`
	ArchiveSize int64             `json:"archive_size"`
	Files       int               `json:"files"`
	InstalledAt time.Time         `json:"installed_at"`
}

// Journal is a handle on one journal file.
type Journal struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	mu      *sync.Mutex
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger for the journal.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithTimeout bounds how long an open waits for another process's lock.
func WithTimeout(timeout time.Duration) Option {
	return func(j *Journal) {
		j.timeout = timeout
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

var (
	pathLocksMu sync.Mutex
	pathLocks   = map[string]*sync.Mutex{}
)

func pathLock(path string) *sync.Mutex {
	pathLocksMu.Lock()
	defer pathLocksMu.Unlock()
	mu, ok := pathLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		pathLocks[path] = mu
	}
	return mu
}

// New returns a journal stored at path. Nothing is opened until first use.
func New(path string, opts ...Option) *Journal {
	j := &Journal{
		path:    path,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
		mu:      pathLock(path),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Put stores rec, replacing any record with the same key. A zero
// InstalledAt is set to the current time.
func (j *Journal) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return errors.New("journal record has no key")
	}
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = j.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	return j.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketInstalls)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketInstalls, err)
		}
		return b.Put([]byte(rec.Key), data)
	})
}

// Get returns the record for key.
func (j *Journal) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := j.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstalls)
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if errors.Is(err, errNoFile) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns every record ordered by key.
func (j *Journal) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := j.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstalls)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				j.logger.Warn("skipping unreadable journal record", "key", string(k), "error", err)
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if errors.Is(err, errNoFile) {
		return nil, nil
	}
	return recs, err
}

// Delete removes the record for key. A missing record is not an error.
func (j *Journal) Delete(ctx context.Context, key string) error {
	err := j.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstalls)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	return err
}

// Reset removes every record.
func (j *Journal) Reset(ctx context.Context) error {
	return j.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketInstalls) == nil {
			return nil
		}
		return tx.DeleteBucket(bucketInstalls)
	})
}

var errNoFile = errors.New("journal file does not exist")

func (j *Journal) update(ctx context.Context, fn func(*bbolt.Tx) error) error {
	return j.withDB(ctx, false, func(db *bbolt.DB) error {
		return db.Update(fn)
	})
}

func (j *Journal) view(ctx context.Context, fn func(*bbolt.Tx) error) error {
	return j.withDB(ctx, true, func(db *bbolt.DB) error {
		return db.View(fn)
	})
}

func (j *Journal) withDB(ctx context.Context, readOnly bool, fn func(*bbolt.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if readOnly {
		if _, err := os.Stat(j.path); errors.Is(err, fs.ErrNotExist) {
			return errNoFile
		}
	}

	db, err := bbolt.Open(j.path, 0o600, &bbolt.Options{
		Timeout:  j.timeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			j.logger.Debug("closing journal", "path", j.path, "error", err)
		}
	}()

	return fn(db)
}
