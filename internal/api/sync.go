package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/nerrad567/appservices/internal/syncmanager"
)

// syncResult is the body of a failed synchronous sync.
type syncResult struct {
	*syncmanager.Response
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Status())
}

func (s *Server) handleSyncEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engines": s.sync.Engines(),
	})
}

// handleLastSync returns the telemetry of the last run, or 204 if nothing
// has run since startup or the last disconnect.
func (s *Server) handleLastSync(w http.ResponseWriter, _ *http.Request) {
	last := s.sync.LastResponse()
	if last == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// handleSync triggers a run.
//
// The body is an optional syncmanager.Request. By default the run is queued
// and 202 returned; with ?wait=true the run happens within the request and
// its telemetry is returned.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncmanager.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = syncmanager.ReasonUser
	}
	if err := s.validateEngines(req); err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")) //nolint:errcheck // absent or malformed means queue
	if !wait {
		if err := s.sync.Enqueue(req); err != nil {
			writeProblem(w, http.StatusConflict, "a sync is already queued")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	resp, err := s.sync.Sync(r.Context(), req)
	switch {
	case errors.Is(err, syncmanager.ErrSyncInProgress):
		writeProblem(w, http.StatusConflict, "a sync is already in progress")
	case errors.Is(err, syncmanager.ErrUnknownEngine):
		writeProblem(w, http.StatusBadRequest, err.Error())
	case err != nil && resp != nil:
		writeJSON(w, http.StatusBadGateway, syncResult{Response: resp, Code: ErrCodeSyncFailed, Error: err.Error()})
	case err != nil:
		s.logger.Error("sync failed to start", "error", err)
		writeProblem(w, http.StatusServiceUnavailable, "sync could not start")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// validateEngines rejects requests naming engines the daemon does not run.
func (s *Server) validateEngines(req syncmanager.Request) error {
	known := s.sync.Status().Engines
	for _, list := range [][]string{req.Engines, req.EnginesToWipe, req.EnginesToReset} {
		for _, name := range list {
			if !slices.Contains(known, name) {
				return fmt.Errorf("unknown engine %q", name)
			}
		}
	}
	if req.PrimaryEngine != "" && !slices.Contains(known, req.PrimaryEngine) {
		return fmt.Errorf("unknown engine %q", req.PrimaryEngine)
	}
	return nil
}

func (s *Server) handleSyncInterrupt(w http.ResponseWriter, r *http.Request) {
	s.sync.Interrupt()
	s.logger.Info("sync interrupt requested", "subject", claimsFromContext(r.Context()).Subject)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

// handleSyncDisconnect resets every engine to the disconnected state.
// Local data is kept.
func (s *Server) handleSyncDisconnect(w http.ResponseWriter, r *http.Request) {
	err := s.sync.Disconnect(r.Context())
	switch {
	case errors.Is(err, syncmanager.ErrSyncInProgress):
		writeProblem(w, http.StatusConflict, "a sync is in progress; interrupt it first")
	case err != nil:
		s.logger.Error("sync disconnect failed", "error", err)
		writeProblem(w, http.StatusInternalServerError, "disconnect failed")
	default:
		s.logger.Info("sync disconnected", "subject", claimsFromContext(r.Context()).Subject)
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	}
}
