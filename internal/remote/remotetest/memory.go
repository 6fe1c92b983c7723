// Package remotetest provides in-memory stand-ins for the remote service.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cesargomez89/hymnsync/internal/remote"
)

// Operation names used by Calls and FailOn.
const (
	OpBlobExists   = "blob_exists"
	OpBlobUpload   = "blob_upload"
	OpFind         = "find"
	OpCreate       = "create"
	OpPatch        = "patch"
	OpBucketExists = "bucket_exists"
	OpCreateBucket = "create_bucket"
	OpCount        = "count"
)

var (
	_ remote.Store         = (*Memory)(nil)
	_ remote.BucketManager = (*Memory)(nil)
	_ remote.Counter       = (*Memory)(nil)
)

type fault struct {
	collection string
	remaining  int
	err        error
}

// Memory keeps blobs and rows in maps. It is safe for concurrent use.
type Memory struct {
	BaseURL string

	mu      sync.Mutex
	buckets map[string]bool
	blobs   map[string][]byte
	tables  map[string][]remote.Record
	calls   map[string]int
	faults  map[string][]*fault
}

func NewMemory() *Memory {
	return &Memory{
		BaseURL: "http://remote.test",
		buckets: make(map[string]bool),
		blobs:   make(map[string][]byte),
		tables:  make(map[string][]remote.Record),
		calls:   make(map[string]int),
		faults:  make(map[string][]*fault),
	}
}

// FailOn makes the next times calls of op fail with err, or with a
// *remote.TransientError (status 500) when err is nil.
func (m *Memory) FailOn(op string, times int, err error) {
	m.FailOnCollection(op, "", times, err)
}

// FailOnCollection is FailOn limited to one collection.
func (m *Memory) FailOnCollection(op, collection string, times int, err error) {
	if err == nil {
		err = &remote.TransientError{Op: op, StatusCode: 500, Body: "injected failure"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], &fault{collection: collection, remaining: times, err: err})
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Rows returns a copy of every row in collection.
func (m *Memory) Rows(collection string) []remote.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]remote.Record, 0, len(m.tables[collection]))
	for _, r := range m.tables[collection] {
		out = append(out, clone(r))
	}
	return out
}

// Blobs returns the stored object keys, sorted.
func (m *Memory) Blobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Seed inserts a row as is, assigning an id when missing.
func (m *Memory) Seed(collection string, rec remote.Record) remote.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := clone(rec)
	if row.ID() == "" {
		row["id"] = uuid.NewString()
	}
	m.tables[collection] = append(m.tables[collection], row)
	return clone(row)
}

// enter counts the call and returns the injected error, if any. m.mu must be held.
func (m *Memory) enter(op, collection string) error {
	m.calls[op]++
	for _, f := range m.faults[op] {
		if f.remaining <= 0 {
			continue
		}
		if f.collection != "" && f.collection != collection {
			continue
		}
		f.remaining--
		return f.err
	}
	return nil
}

func (m *Memory) BlobExists(ctx context.Context, bucket, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpBlobExists, ""); err != nil {
		return false, err
	}
	_, ok := m.blobs[bucket+"/"+path]
	return ok, nil
}

func (m *Memory) hasBlob(bucket, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[bucket+"/"+path]
	return ok
}

func (m *Memory) BlobUpload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpBlobUpload, ""); err != nil {
		return "", err
	}
	key := bucket + "/" + path
	if _, ok := m.blobs[key]; !ok {
		m.blobs[key] = append([]byte(nil), data...)
	}
	return m.PublicURL(bucket, path), nil
}

func (m *Memory) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", m.BaseURL, bucket, path)
}

func (m *Memory) FindOne(ctx context.Context, collection string, filter remote.Filter) (remote.Record, error) {
	rows, err := m.FindAll(ctx, collection, filter)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (m *Memory) FindAll(ctx context.Context, collection string, filter remote.Filter) ([]remote.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpFind, collection); err != nil {
		return nil, err
	}
	var out []remote.Record
	for _, r := range m.tables[collection] {
		if filter.Matches(r) {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, collection string, fields remote.Record) (remote.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreate, collection); err != nil {
		return nil, err
	}
	row := clone(fields)
	if row.ID() == "" {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	m.tables[collection] = append(m.tables[collection], row)
	return clone(row), nil
}

func (m *Memory) Patch(ctx context.Context, collection, id string, fields remote.Record) (remote.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpPatch, collection); err != nil {
		return nil, err
	}
	for _, r := range m.tables[collection] {
		if r.ID() != id {
			continue
		}
		for k, v := range fields {
			r[k] = v
		}
		return clone(r), nil
	}
	return nil, nil
}

func (m *Memory) BucketExists(ctx context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpBucketExists, ""); err != nil {
		return false, err
	}
	return m.buckets[bucket], nil
}

func (m *Memory) CreateBucket(ctx context.Context, bucket string, public bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateBucket, ""); err != nil {
		return err
	}
	m.buckets[bucket] = true
	return nil
}

func (m *Memory) Count(ctx context.Context, collection string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCount, collection); err != nil {
		return 0, err
	}
	return len(m.tables[collection]), nil
}

func clone(r remote.Record) remote.Record {
	out := make(remote.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
