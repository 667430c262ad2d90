package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/labrun/internal/artifact"
	"github.com/michaelbrown/labrun/internal/execution"
	"github.com/michaelbrown/labrun/internal/storage"
)

// StatusClientClosedRequest is the non-standard code for cancelled executions.
const StatusClientClosedRequest = 499

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// HTTPStatus maps an execution status to the response code of /execute.
func HTTPStatus(status storage.Status) int {
	switch status {
	case storage.StatusSuccess, storage.StatusRuntimeError:
		return http.StatusOK
	case storage.StatusValidationRejected:
		return http.StatusBadRequest
	case storage.StatusTimeout:
		return http.StatusRequestTimeout
	case storage.StatusPoolExhausted:
		return http.StatusServiceUnavailable
	case storage.StatusCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Execution handlers ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req execution.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SubmissionID == "" {
		req.SubmissionID = uuid.NewString()
	}

	res, err := s.exec.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, execution.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// The caller went away before a duplicate submission finished.
		writeError(w, StatusClientClosedRequest, err.Error())
		return
	}

	if res.Status == storage.StatusPoolExhausted {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, HTTPStatus(res.Status), res)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Stats())
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	executions, err := s.store.ListExecutions(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("listing executions")
		writeError(w, http.StatusInternalServerError, "listing executions failed")
		return
	}

	if executions == nil {
		executions = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	submissionID := chi.URLParam(r, "submissionId")

	res, err := s.exec.Result(r.Context(), id, submissionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
		} else {
			s.log.WithError(err).Error("reading execution")
			writeError(w, http.StatusInternalServerError, "reading execution failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	submissionID := chi.URLParam(r, "submissionId")

	if !s.exec.Cancel(id, submissionID) {
		writeError(w, http.StatusNotFound, "no running execution")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	submissionID := chi.URLParam(r, "submissionId")
	filename := chi.URLParam(r, "filename")

	rc, err := s.exec.OpenArtifact(r.Context(), id, submissionID, filename)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "artifact not found", http.StatusNotFound)
		} else {
			s.log.WithError(err).Error("opening artifact")
			http.Error(w, "reading artifact failed", http.StatusInternalServerError)
		}
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(path.Ext(filename))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	if _, err := io.Copy(w, rc); err != nil {
		s.log.WithError(err).Warn("streaming artifact")
	}
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.SessionListOptions{UserID: r.URL.Query().Get("userId")}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), opts)
	if err != nil {
		s.log.WithError(err).Error("listing sessions")
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}

	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	// Stop live streams first
	s.sessions.Remove(sess.ID)

	if err := s.exec.DeleteSession(r.Context(), sess.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
