// Package oracletest provides an in-process oracle for tests.
package oracletest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	PathPrefix = "/ex4"
	// Difficulty is low enough for tests to mint tokens in a few dozen hashes.
	Difficulty = "f"
)

// Server serves get-pow, get-hash and get-data over the authoritative content.
type Server struct {
	*httptest.Server

	content    []byte
	chunkSize  int
	difficulty string

	mu         sync.Mutex
	challenges map[string]bool

	// Fault injection. Each hook returns true to fail the matching request.
	// Drop* hooks close the connection without answering; Fail* hooks answer
	// with FailStatus.
	DropHash   func(offset, size int64) bool
	FailHash   func(offset, size int64) bool
	DropData   func(offset int64) bool
	FailData   func(offset int64) bool
	FailStatus int

	PoWCalls  atomic.Int64
	HashCalls atomic.Int64
	DataCalls atomic.Int64
	Rejected  atomic.Int64
}

// NewServer starts an oracle over content.
func NewServer(content []byte, chunkSize int, difficulty string) *Server {
	s := &Server{
		content:    append([]byte(nil), content...),
		chunkSize:  chunkSize,
		difficulty: strings.ToLower(difficulty),
		challenges: make(map[string]bool),
		FailStatus: http.StatusInternalServerError,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(PathPrefix+"/get-pow", s.handlePoW)
	mux.HandleFunc(PathPrefix+"/get-hash", s.handleHash)
	mux.HandleFunc(PathPrefix+"/get-data", s.handleData)
	s.Server = httptest.NewServer(mux)
	return s
}

// BaseURL is the URL an oracle client should be configured with.
func (s *Server) BaseURL() string {
	return s.URL + PathPrefix
}

// RevokeTokens forgets every issued challenge, so existing tokens are rejected.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges = make(map[string]bool)
}

// RangeHash is the digest the server reports for [offset, offset+size).
func RangeHash(content []byte, offset, size int64) string {
	sum := sha256.Sum256(padded(content, offset, size))
	return hex.EncodeToString(sum[:])
}

func padded(content []byte, offset, size int64) []byte {
	out := make([]byte, size)
	if offset < int64(len(content)) {
		end := offset + size
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		copy(out, content[offset:end])
	}
	return out
}

func (s *Server) handlePoW(w http.ResponseWriter, r *http.Request) {
	s.PoWCalls.Add(1)

	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	encoded := hex.EncodeToString(challenge)

	s.mu.Lock()
	s.challenges[encoded] = true
	s.mu.Unlock()

	writeJSON(w, map[string]string{"challenge": encoded})
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	s.HashCalls.Add(1)

	offset, err1 := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	size, err2 := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err1 != nil || err2 != nil || offset < 0 || size <= 0 {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}
	if !s.authorized(r) {
		s.Rejected.Add(1)
		http.Error(w, "invalid pow", http.StatusForbidden)
		return
	}
	if s.DropHash != nil && s.DropHash(offset, size) {
		drop(w)
		return
	}
	if s.FailHash != nil && s.FailHash(offset, size) {
		http.Error(w, "hash unavailable", s.FailStatus)
		return
	}

	writeJSON(w, map[string]string{"hash": RangeHash(s.content, offset, size)})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	s.DataCalls.Add(1)

	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "bad offset", http.StatusBadRequest)
		return
	}
	if !s.authorized(r) {
		s.Rejected.Add(1)
		http.Error(w, "invalid pow", http.StatusForbidden)
		return
	}
	if s.DropData != nil && s.DropData(offset) {
		drop(w)
		return
	}
	if s.FailData != nil && s.FailData(offset) {
		http.Error(w, "data unavailable", s.FailStatus)
		return
	}

	block := padded(s.content, offset, int64(s.chunkSize))
	writeJSON(w, map[string]string{"data": hex.EncodeToString(block)})
}

func (s *Server) authorized(r *http.Request) bool {
	raw, err := hex.DecodeString(r.URL.Query().Get("pow"))
	if err != nil || len(raw) <= 8 {
		return false
	}

	s.mu.Lock()
	issued := s.challenges[hex.EncodeToString(raw[:len(raw)-8])]
	s.mu.Unlock()
	if !issued {
		return false
	}

	sum := sha256.Sum256(raw)
	return strings.HasPrefix(hex.EncodeToString(sum[:]), s.difficulty)
}

func drop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "cannot drop connection", http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
