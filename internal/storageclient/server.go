package storageclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/appservices/internal/auth"
	"github.com/nerrad567/appservices/internal/syncengine"
)

// Server limits.
const (
	defaultMaxRecordBytes = 256 * 1024
	defaultMaxBatch       = 1000
	maxRequestBytes       = 16 << 20

	// gracefulShutdownTimeout is the maximum time to wait for in-flight
	// requests during Close.
	gracefulShutdownTimeout = 10 * time.Second
)

// ServerConfig configures the development storage server.
type ServerConfig struct {
	// Secret signs and verifies access tokens. Required.
	Secret string

	// TokenTTL is the lifetime of tokens from IssueToken.
	TokenTTL time.Duration

	// MaxRecordBytes bounds a single payload. MaxBatch bounds records per upload.
	MaxRecordBytes int
	MaxBatch       int

	Logger ServerLogger
}

// ServerLogger defines the logging interface used by the server.
type ServerLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopServerLogger struct{}

func (noopServerLogger) Debug(string, ...any) {}
func (noopServerLogger) Info(string, ...any)  {}
func (noopServerLogger) Warn(string, ...any)  {}
func (noopServerLogger) Error(string, ...any) {}

// Server is an in-memory storage service.
//
// Accounts are keyed by the X-Key-ID header, which must match the subject of
// the caller's token. Data does not survive a restart.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg    ServerConfig
	logger ServerLogger

	mu       sync.Mutex
	accounts map[string]map[string]*collection
	last     int64
	now      func() time.Time

	srvMu  sync.Mutex
	server *http.Server
}

type collection struct {
	info    syncengine.CollectionInfo
	records map[string]wireRecord
}

// NewServer creates a storage server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Secret == "" {
		return nil, auth.ErrSecretMissing
	}
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = defaultMaxRecordBytes
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopServerLogger{}
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		accounts: make(map[string]map[string]*collection),
		now:      time.Now,
	}, nil
}

// IssueToken creates an access token for keyID.
func (s *Server) IssueToken(keyID string) (string, error) {
	return auth.GenerateAccessToken(keyID, auth.RoleSyncClient, s.cfg.Secret, s.cfg.TokenTTL)
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/info/collections", s.handleCollections)
	r.Route("/storage/{collection}", func(r chi.Router) {
		r.Put("/meta", s.handleInitCollection)
		r.Get("/", s.handleFetch)
		r.Post("/", s.handleUpload)
	})
	return r
}

// Start listens on addr in a background goroutine.
func (s *Server) Start(addr string) error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()

	if s.server != nil {
		return errors.New("storage server already started")
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.server
	go func() {
		s.logger.Info("storage server starting", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("storage server error", "error", err)
		}
	}()
	return nil
}

// Close gracefully shuts down a started server.
func (s *Server) Close() error {
	s.srvMu.Lock()
	srv := s.server
	s.server = nil
	s.srvMu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("storage server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down storage server: %w", err)
	}
	return nil
}

type ctxKey struct{}

// authMiddleware requires a sync-client token whose subject is the X-Key-ID.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorised", "missing bearer token")
			return
		}

		claims, err := auth.ParseToken(token, s.cfg.Secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorised", "invalid token")
			return
		}

		keyID := r.Header.Get(headerKeyID)
		if keyID == "" || keyID != claims.Subject {
			writeError(w, http.StatusForbidden, "forbidden", "token does not match key ID")
			return
		}

		perm := auth.PermStorageWrite
		if r.Method == http.MethodGet {
			perm = auth.PermStorageRead
		}
		if !auth.HasPermission(claims.Role, perm) {
			writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, keyID)))
	})
}

func accountID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string) //nolint:errcheck // Set by authMiddleware
	return id
}

// tick returns a new server timestamp in milliseconds, strictly increasing.
// Caller must hold s.mu.
func (s *Server) tick() int64 {
	ts := s.now().UnixMilli()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	return ts
}

// account returns the collections of keyID, creating the account.
// Caller must hold s.mu.
func (s *Server) account(keyID string) map[string]*collection {
	acct, ok := s.accounts[keyID]
	if !ok {
		acct = make(map[string]*collection)
		s.accounts[keyID] = acct
	}
	return acct
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	acct := s.account(accountID(r))
	resp := collectionsResponse{Collections: make(map[string]syncengine.CollectionInfo, len(acct))}
	for name, c := range acct {
		resp.Collections[name] = c.info
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInitCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")

	var req metaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.SyncID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "sync_id is required")
		return
	}

	s.mu.Lock()
	acct := s.account(accountID(r))
	c, ok := acct[name]
	if !ok {
		c = &collection{
			info:    syncengine.CollectionInfo{SyncID: req.SyncID, Modified: s.tick()},
			records: make(map[string]wireRecord),
		}
		acct[name] = c
		s.logger.Info("collection created", "collection", name, "sync_id", req.SyncID)
	}
	info := c.info
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")

	var since int64
	if v := r.URL.Query().Get("newer"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "newer must be a non-negative integer")
			return
		}
		since = n
	}

	s.mu.Lock()
	resp := fetchResponse{Records: []wireRecord{}, Timestamp: s.last}
	if c, ok := s.account(accountID(r))[name]; ok {
		for _, rec := range c.records {
			if rec.Modified > since {
				resp.Records = append(resp.Records, rec)
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(resp.Records, func(i, j int) bool {
		if resp.Records[i].Modified != resp.Records[j].Modified {
			return resp.Records[i].Modified < resp.Records[j].Modified
		}
		return resp.Records[i].ID < resp.Records[j].ID
	})

	w.Header().Set(headerModTime, strconv.FormatInt(resp.Timestamp, 10))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")

	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Records) > s.cfg.MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("at most %d records per upload", s.cfg.MaxBatch))
		return
	}
	for _, rec := range req.Records {
		if rec.ID == "" || rec.HMAC == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "records need an id and an hmac")
			return
		}
		if len(rec.Payload) > s.cfg.MaxRecordBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "record "+rec.ID+" is too large")
			return
		}
	}

	s.mu.Lock()
	c, ok := s.account(accountID(r))[name]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "collection "+name+" does not exist")
		return
	}
	modified := s.tick()
	for _, rec := range req.Records {
		rec.Modified = modified
		c.records[rec.ID] = rec
	}
	c.info.Modified = modified
	s.mu.Unlock()

	s.logger.Debug("records stored", "collection", name, "count", len(req.Records), "modified", modified)
	writeJSON(w, http.StatusOK, uploadResponse{Modified: modified})
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
