// Package remote defines the blob and record capabilities the ingestion core
// needs from the backing service, and a Supabase implementation of them.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrTransient is matched by every retryable remote failure.
var ErrTransient = errors.New("transient remote error")

// TransientError is a network failure or a non-2xx response.
type TransientError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransientError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
}

func (e *TransientError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Err}
}

// Record is one row as the remote service represents it.
type Record map[string]any

// ID returns the row identifier as a string whatever its JSON type.
func (r Record) ID() string {
	return r.String("id")
}

// String returns the field formatted as a string, or "" when absent.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the field as an int, or 0 when absent or not numeric.
func (r Record) Int(key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// Filter is a set of field equality conditions.
type Filter map[string]string

// Eq builds a filter from alternating field, value pairs.
func Eq(pairs ...string) Filter {
	f := Filter{}
	for i := 0; i+1 < len(pairs); i += 2 {
		f[pairs[i]] = pairs[i+1]
	}
	return f
}

// Fields returns the filter's field names in a stable order.
func (f Filter) Fields() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether rec satisfies every condition.
func (f Filter) Matches(rec Record) bool {
	for field, want := range f {
		if rec.String(field) != want {
			return false
		}
	}
	return true
}

// Store is what the reconciliation engine needs. Lookups return a nil record,
// not an error, when nothing matches.
type Store interface {
	BlobExists(ctx context.Context, bucket, path string) (bool, error)
	BlobUpload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	PublicURL(bucket, path string) string
	FindOne(ctx context.Context, collection string, filter Filter) (Record, error)
	FindAll(ctx context.Context, collection string, filter Filter) ([]Record, error)
	Create(ctx context.Context, collection string, fields Record) (Record, error)
	Patch(ctx context.Context, collection, id string, fields Record) (Record, error)
}

// BucketManager checks and bootstraps the blob bucket.
type BucketManager interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket string, public bool) error
}

// Counter reports row counts per collection.
type Counter interface {
	Count(ctx context.Context, collection string) (int, error)
}
