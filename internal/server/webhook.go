package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cloud-shuttle/taskwatch/internal/orchestrator"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// gitlabEvent is the subset of a GitLab webhook body the server reads
type gitlabEvent struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		IID   int    `json:"iid"`
		State string `json:"state"`
	} `json:"object_attributes"`
}

// repoName is the last path segment of the project, e.g. "group/sub/api" -> "api"
func (e *gitlabEvent) repoName() string {
	path := e.Project.PathWithNamespace
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	secret := s.opts.GitLabWebhookSecret
	if secret == "" || !tokenEqual(r.Header.Get("X-Gitlab-Token"), secret) {
		respondJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid webhook token"})
		return
	}

	var ev gitlabEvent
	if err := decodeBody(r, &ev, false); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if ev.ObjectKind != "merge_request" {
		respondJSON(w, http.StatusOK, map[string]string{"message": "Ignored non-MR event"})
		return
	}

	repo := ev.repoName()
	if repo == "" || ev.ObjectAttributes.IID == 0 {
		badRequest(w, "merge request event missing project or iid")
		return
	}

	status := orchestrator.ParseMergeRequestState(ev.ObjectAttributes.State)
	mr, err := s.svc.HandleMergeRequestEvent(r.Context(), repo, ev.ObjectAttributes.IID, status)
	if errors.Is(err, types.ErrNotFound) {
		s.logger.Debug("webhook for untracked merge request", "repo", repo, "iid", ev.ObjectAttributes.IID)
		respondJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "mergeRequest": mr})
}
