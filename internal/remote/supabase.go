package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/httpclient"
)

const maxErrorBody = 512

// TokenSource hands out a currently valid bearer token.
// *auth.Manager satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

var (
	_ Store         = (*Supabase)(nil)
	_ BucketManager = (*Supabase)(nil)
	_ Counter       = (*Supabase)(nil)
)

// Supabase talks to Supabase Storage and PostgREST.
type Supabase struct {
	client  *httpclient.Client
	creds   TokenSource
	baseURL string
	apiKey  string
}

func NewSupabase(baseURL, apiKey string, creds TokenSource, client *httpclient.Client) *Supabase {
	if client == nil {
		client = httpclient.NewClient(nil, 0, httpclient.WithRateLimitAttempts(1))
	}
	return &Supabase{
		client:  client,
		creds:   creds,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (s *Supabase) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, url.PathEscape(bucket), escapePath(path))
}

func (s *Supabase) BlobExists(ctx context.Context, bucket, path string) (bool, error) {
	u := fmt.Sprintf("%s/storage/v1/object/info/public/%s/%s", s.baseURL, url.PathEscape(bucket), escapePath(path))
	status, body, err := s.do(ctx, "blob exists", http.MethodHead, u, nil, "", nil)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusOK:
		return true, nil
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return false, nil
	default:
		return false, &TransientError{Op: "blob exists", StatusCode: status, Body: truncate(body)}
	}
}

func (s *Supabase) BlobUpload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, lastSegment(path)))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	u := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, url.PathEscape(bucket), escapePath(path))
	status, body, err := s.do(ctx, "blob upload", http.MethodPost, u, buf.Bytes(), mw.FormDataContentType(), nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusOK || status == http.StatusCreated || isDuplicate(status, body) {
		return s.PublicURL(bucket, path), nil
	}
	return "", &TransientError{Op: "blob upload", StatusCode: status, Body: truncate(body)}
}

func (s *Supabase) FindAll(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	return s.find(ctx, collection, filter, 0)
}

func (s *Supabase) FindOne(ctx context.Context, collection string, filter Filter) (Record, error) {
	rows, err := s.find(ctx, collection, filter, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (s *Supabase) find(ctx context.Context, collection string, filter Filter, limit int) ([]Record, error) {
	q := url.Values{}
	for _, field := range filter.Fields() {
		q.Set(field, "eq."+filter[field])
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := s.restURL(collection, q)

	op := "find " + collection
	status, body, err := s.do(ctx, op, http.MethodGet, u, nil, "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TransientError{Op: op, StatusCode: status, Body: truncate(body)}
	}
	return decodeRows(op, body)
}

func (s *Supabase) Create(ctx context.Context, collection string, fields Record) (Record, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", collection, err)
	}

	op := "create " + collection
	status, body, err := s.do(ctx, op, http.MethodPost, s.restURL(collection, nil), payload, constants.MimeTypeJSON,
		map[string]string{"Prefer": "return=representation"})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, &TransientError{Op: op, StatusCode: status, Body: truncate(body)}
	}
	rows, err := decodeRows(op, body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &TransientError{Op: op, StatusCode: status, Body: "no row returned"}
	}
	return rows[0], nil
}

func (s *Supabase) Patch(ctx context.Context, collection, id string, fields Record) (Record, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", collection, err)
	}

	q := url.Values{}
	q.Set("id", "eq."+id)

	op := "patch " + collection
	status, body, err := s.do(ctx, op, http.MethodPatch, s.restURL(collection, q), payload, constants.MimeTypeJSON,
		map[string]string{"Prefer": "return=representation"})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return nil, &TransientError{Op: op, StatusCode: status, Body: truncate(body)}
	}
	rows, err := decodeRows(op, body)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (s *Supabase) BucketExists(ctx context.Context, bucket string) (bool, error) {
	u := fmt.Sprintf("%s/storage/v1/bucket/%s", s.baseURL, url.PathEscape(bucket))
	status, body, err := s.do(ctx, "bucket exists", http.MethodGet, u, nil, "", nil)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusOK:
		return true, nil
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return false, nil
	default:
		return false, &TransientError{Op: "bucket exists", StatusCode: status, Body: truncate(body)}
	}
}

func (s *Supabase) CreateBucket(ctx context.Context, bucket string, public bool) error {
	payload, err := json.Marshal(map[string]any{"id": bucket, "name": bucket, "public": public})
	if err != nil {
		return err
	}
	status, body, err := s.do(ctx, "create bucket", http.MethodPost, s.baseURL+"/storage/v1/bucket", payload, constants.MimeTypeJSON, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK || status == http.StatusCreated || isDuplicate(status, body) {
		return nil
	}
	return &TransientError{Op: "create bucket", StatusCode: status, Body: truncate(body)}
}

func (s *Supabase) Count(ctx context.Context, collection string) (int, error) {
	q := url.Values{}
	q.Set("select", "*")

	op := "count " + collection
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.restURL(collection, q), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if err := s.authorize(ctx, req); err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "count=exact")

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return 0, &TransientError{Op: op, Err: err}
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, &TransientError{Op: op, StatusCode: resp.StatusCode}
	}
	return parseContentRange(resp.Header.Get("Content-Range"))
}

func (s *Supabase) restURL(collection string, q url.Values) string {
	u := fmt.Sprintf("%s/rest/v1/%s", s.baseURL, url.PathEscape(collection))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (s *Supabase) authorize(ctx context.Context, req *http.Request) error {
	token, err := s.creds.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-Id", uuid.NewString())
	return nil
}

// do sends one authorized request and returns status and body. Transport
// failures come back as *TransientError; credential failures are returned as is.
func (s *Supabase) do(ctx context.Context, op, method, u string, payload []byte, contentType string, headers map[string]string) (int, string, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	if err := s.authorize(ctx, req); err != nil {
		return 0, "", err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		return 0, "", &TransientError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", &TransientError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, string(data), nil
}

func decodeRows(op, body string) ([]Record, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var rows []Record
	if err := dec.Decode(&rows); err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return rows, nil
}

func parseContentRange(v string) (int, error) {
	i := strings.LastIndex(v, "/")
	if i < 0 {
		return 0, fmt.Errorf("missing total in content range %q", v)
	}
	total := v[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("server did not count rows: %q", v)
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("invalid content range %q: %w", v, err)
	}
	return n, nil
}

func isDuplicate(status int, body string) bool {
	if status == http.StatusConflict {
		return true
	}
	lower := strings.ToLower(body)
	return status == http.StatusBadRequest && (strings.Contains(lower, "duplicate") || strings.Contains(lower, "already exists"))
}

func escapePath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// truncate shortens a response body for error messages.
func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}
