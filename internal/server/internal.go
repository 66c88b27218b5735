package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// Daemon job protocol handlers. Every response is JSON; failures carry
// {"error": msg}.

type claimRequest struct {
	DaemonID string `json:"daemonId"`
}

type progressRequest struct {
	Logs string `json:"logs"`
}

type completeRequest struct {
	Result json.RawMessage `json:"result"`
}

type failRequest struct {
	ErrorSummary string `json:"errorSummary"`
	Logs         string `json:"logs"`
}

type worktreeRequest struct {
	TaskID     string `json:"taskId"`
	RepoName   string `json:"repoName"`
	Path       string `json:"path"`
	BranchName string `json:"branchName"`
}

type heartbeatRequest struct {
	DaemonID string `json:"daemonId"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Poll(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if req.DaemonID == "" {
		badRequest(w, "daemonId is required")
		return
	}

	if _, err := s.svc.Claim(r.Context(), mux.Vars(r)["id"], req.DaemonID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, successBody)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeBody(r, &req, true); err != nil {
		badRequest(w, "%v", err)
		return
	}

	if err := s.svc.ReportProgress(r.Context(), mux.Vars(r)["id"], req.Logs); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, successBody)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req, true); err != nil {
		badRequest(w, "%v", err)
		return
	}

	if _, err := s.svc.Complete(r.Context(), mux.Vars(r)["id"], req.Result); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, successBody)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if req.ErrorSummary == "" {
		badRequest(w, "errorSummary is required")
		return
	}

	if _, err := s.svc.Fail(r.Context(), mux.Vars(r)["id"], req.ErrorSummary, req.Logs); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, successBody)
}

func (s *Server) handleRegisterWorktree(w http.ResponseWriter, r *http.Request) {
	var req worktreeRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "%v", err)
		return
	}

	wt, err := s.svc.RegisterWorktree(r.Context(), req.TaskID, req.RepoName, req.Path, req.BranchName)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"worktree": wt})
}

func (s *Server) handleDeleteWorktree(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteWorktree(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, successBody)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if req.DaemonID == "" {
		badRequest(w, "daemonId is required")
		return
	}

	if err := s.svc.Heartbeat(r.Context(), req.DaemonID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, successBody)
}
