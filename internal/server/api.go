package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

type feedbackRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.ListTasks(r.Context(), s.opts.OwnerID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.ListPlans(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.ListRuns(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListMergeRequests(w http.ResponseWriter, r *http.Request) {
	mrs, err := s.svc.ListMergeRequests(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mergeRequests": mrs})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.svc.TaskEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleGeneratePlan(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.RequestPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runId": run.ID})
}

func (s *Server) handleImplement(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.TriggerImplementation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runId": run.ID})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "%v", err)
		return
	}

	run, err := s.svc.SubmitFeedback(r.Context(), mux.Vars(r)["id"], req.Content)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "runId": run.ID})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.ApprovePlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "plan": plan})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	wts, err := s.svc.ListWorktrees(r.Context(), r.URL.Query().Get("taskId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"worktrees": wts})
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	health, err := s.svc.DaemonStatus(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, health)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: "provider sync is not configured"})
		return
	}
	stats, err := s.syncer.Sync(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
