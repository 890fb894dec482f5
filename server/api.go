// Package server exposes the conversation API and the NATS task-event
// plumbing that connects it to the orchestrator.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"silverbuild/store"
	"silverbuild/workflow"
)

// API serves the project message endpoints. Creating a message appends
// the user turn and fires a task event; the resulting assistant turn
// shows up later via the list endpoint, so clients poll rather than
// wait.
type API struct {
	Store *store.Store
	Bus   *Bus
	Log   zerolog.Logger
}

// Routes builds the HTTP router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/projects/{projectID}/messages", func(r chi.Router) {
		r.Get("/", a.listMessages)
		r.Post("/", a.createMessage)
	})

	return r
}

type createMessageRequest struct {
	Value string `json:"value"`
}

type createMessageResponse struct {
	RunID  string `json:"run_id"`
	TurnID string `json:"turn_id"`
}

// turnView is a turn with its artifact, when one exists.
type turnView struct {
	store.Turn
	Fragment *store.Fragment `json:"fragment,omitempty"`
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Value = strings.TrimSpace(req.Value)
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if len(req.Value) > 10000 {
		writeError(w, http.StatusBadRequest, "value is too long")
		return
	}

	turn := store.NewTurn(projectID, store.RoleUser, req.Value, "")
	if err := a.Store.AppendTurn(turn, nil); err != nil {
		a.Log.Error().Err(err).Str("project", projectID).Msg("append user turn")
		writeError(w, http.StatusInternalServerError, "could not persist message")
		return
	}

	ev := workflow.TaskEvent{
		RunID:     uuid.NewString(),
		ProjectID: projectID,
		Value:     req.Value,
	}
	if err := a.Bus.PublishTask(ev); err != nil {
		a.Log.Error().Err(err).Str("run", ev.RunID).Msg("publish task event")
		writeError(w, http.StatusInternalServerError, "could not start run")
		return
	}

	writeJSON(w, http.StatusAccepted, createMessageResponse{RunID: ev.RunID, TurnID: turn.ID})
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	turns, err := a.Store.ListTurns(projectID)
	if err != nil {
		a.Log.Error().Err(err).Str("project", projectID).Msg("list turns")
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}

	views := make([]turnView, 0, len(turns))
	for _, t := range turns {
		view := turnView{Turn: t}
		if t.Kind == store.KindResult {
			frag, err := a.Store.FragmentFor(t.ID)
			if err != nil {
				a.Log.Error().Err(err).Str("turn", t.ID).Msg("load fragment")
				writeError(w, http.StatusInternalServerError, "could not load messages")
				return
			}
			view.Fragment = frag
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
