package remotetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/remote"
)

// Server serves the subset of the Supabase HTTP API the adapter uses, backed
// by a Memory.
type Server struct {
	*httptest.Server

	Memory   *Memory
	APIKey   string
	Email    string
	Password string

	mu       sync.Mutex
	tokens   map[string]bool
	signIns  int
	failAuth bool
	requests []*http.Request
}

// NewServer starts a server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		Memory:   NewMemory(),
		APIKey:   "anon-key",
		Email:    "admin@example.com",
		Password: "secret",
		tokens:   make(map[string]bool),
	}
	s.Server = httptest.NewServer(s.routes())
	s.Memory.BaseURL = s.URL
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Post("/auth/v1/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Head("/storage/v1/object/info/public/{bucket}/*", s.handleBlobExists)
		r.Post("/storage/v1/object/{bucket}/*", s.handleBlobUpload)
		r.Get("/storage/v1/bucket/{bucket}", s.handleBucketExists)
		r.Post("/storage/v1/bucket", s.handleCreateBucket)

		r.Get("/rest/v1/{table}", s.handleFind)
		r.Head("/rest/v1/{table}", s.handleCount)
		r.Post("/rest/v1/{table}", s.handleCreate)
		r.Patch("/rest/v1/{table}", s.handlePatch)
	})
	return r
}

// FailAuth makes every sign-in fail with 400 until called with false.
func (s *Server) FailAuth(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAuth = fail
}

// RevokeTokens forgets every issued access token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// SignIns returns how many tokens were issued.
func (s *Server) SignIns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signIns
}

// Requests returns the requests seen so far. Bodies are not retained.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(r.Context()))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != s.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid JWT")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAuth || r.Header.Get("apikey") != s.APIKey {
		writeError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	switch r.URL.Query().Get("grant_type") {
	case "password":
		if body["email"] != s.Email || body["password"] != s.Password {
			writeError(w, http.StatusBadRequest, "invalid login credentials")
			return
		}
	case "refresh_token":
		if body["refresh_token"] == "" {
			writeError(w, http.StatusBadRequest, "missing refresh token")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unsupported grant type")
		return
	}

	access := uuid.NewString()
	s.tokens[access] = true
	s.signIns++

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": uuid.NewString(),
		"expires_in":    3600,
		"user":          map[string]string{"id": "user-1", "email": s.Email},
	})
}

func (s *Server) handleBlobExists(w http.ResponseWriter, r *http.Request) {
	ok, err := s.Memory.BlobExists(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "*"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	path := chi.URLParam(r, "*")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() {
		_ = file.Close()
	}()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.Memory.hasBlob(bucket, path) {
		writeError(w, http.StatusConflict, "Duplicate: The resource already exists")
		return
	}
	if _, err := s.Memory.BlobUpload(r.Context(), bucket, path, data, header.Header.Get("Content-Type")); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"Key": bucket + "/" + path})
}

func (s *Server) handleBucketExists(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	ok, err := s.Memory.BucketExists(r.Context(), bucket)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Bucket not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": bucket, "name": bucket, "public": true})
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		Public bool   `json:"public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.Memory.CreateBucket(r.Context(), body.Name, body.Public); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": body.Name})
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	filter, limit, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.Memory.FindAll(r.Context(), table, filter)
	if err != nil {
		writeFault(w, err)
		return
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []remote.Record{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	n, err := s.Memory.Count(r.Context(), table)
	if err != nil {
		writeFault(w, err)
		return
	}
	if r.Header.Get("Prefer") == "count=exact" {
		end := n - 1
		if end < 0 {
			w.Header().Set("Content-Range", "*/"+strconv.Itoa(n))
		} else {
			w.Header().Set("Content-Range", fmt.Sprintf("0-%d/%d", end, n))
		}
	} else {
		w.Header().Set("Content-Range", "0-0/*")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	fields, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, err := s.Memory.Create(r.Context(), table, fields)
	if err != nil {
		writeFault(w, err)
		return
	}
	if r.Header.Get("Prefer") != "return=representation" {
		w.WriteHeader(http.StatusCreated)
		return
	}
	writeJSON(w, http.StatusCreated, []remote.Record{row})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, ok := strings.CutPrefix(r.URL.Query().Get("id"), "eq.")
	if !ok {
		writeError(w, http.StatusBadRequest, "patch requires an id filter")
		return
	}
	fields, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, err := s.Memory.Patch(r.Context(), table, id, fields)
	if err != nil {
		writeFault(w, err)
		return
	}
	rows := []remote.Record{}
	if row != nil {
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

func parseQuery(r *http.Request) (remote.Filter, int, error) {
	filter := remote.Filter{}
	limit := 0
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "select":
			continue
		case "limit":
			n, err := strconv.Atoi(values[0])
			if err != nil {
				return nil, 0, fmt.Errorf("invalid limit %q", values[0])
			}
			limit = n
		default:
			v, ok := strings.CutPrefix(values[0], "eq.")
			if !ok {
				return nil, 0, fmt.Errorf("unsupported operator in %s=%s", key, values[0])
			}
			filter[key] = v
		}
	}
	return filter, limit, nil
}

func decodeRecord(r *http.Request) (remote.Record, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var rec remote.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	return rec, nil
}

func writeFault(w http.ResponseWriter, err error) {
	var te *remote.TransientError
	if errors.As(err, &te) && te.StatusCode != 0 {
		writeError(w, te.StatusCode, te.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg, "error": http.StatusText(status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", constants.MimeTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
