package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"taskd/internal/auth"
	"taskd/internal/job"
	"taskd/internal/jobs"
)

const maxBody = 1 << 20

type handlers struct {
	reg  *jobs.Registry
	deps Deps
}

// taskRequest is the body of POST and PUT /tasks.
type taskRequest struct {
	ID         int64  `json:"id,omitempty"`
	Name       string `json:"name"`
	Recurring  bool   `json:"recurring"`
	Schedule   string `json:"schedule_cron,omitempty"`
	ScriptPath string `json:"script_path,omitempty"`
	ScriptType string `json:"script_type"`
	Parameters string `json:"parameters,omitempty"`
}

func (t taskRequest) definition() job.Definition {
	return job.Definition{
		ID:         t.ID,
		Name:       t.Name,
		Recurring:  t.Recurring,
		Schedule:   t.Schedule,
		ScriptPath: t.ScriptPath,
		ScriptType: job.ScriptType(t.ScriptType),
		Parameters: t.Parameters,
	}
}

type runResponse struct {
	Invocation *job.Invocation `json:"invocation"`
	Job        job.Definition  `json:"job"`
	Discarded  bool            `json:"discarded,omitempty"`
}

func decodeTask(w http.ResponseWriter, r *http.Request) (taskRequest, error) {
	var req taskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, &job.FieldError{Field: "body", Reason: err.Error()}
	}
	return req, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &job.FieldError{Field: "id", Reason: fmt.Sprintf("%q is not a positive integer", raw)}
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &job.FieldError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}

func caller(r *http.Request) *auth.Caller { return auth.CallerFrom(r.Context()) }

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(caller(r), auth.JobWrite); err != nil {
		writeError(w, err)
		return
	}
	req, err := decodeTask(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := h.reg.Create(r.Context(), caller(r), req.definition())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", jobs.DefaultListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	defs, err := h.reg.List(r.Context(), caller(r), skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if defs == nil {
		defs = []job.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := h.reg.Get(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(caller(r), auth.JobWrite); err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := decodeTask(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ID != 0 && req.ID != id {
		writeError(w, &job.FieldError{Field: "id", Reason: "does not match path"})
		return
	}
	def, err := h.reg.Update(r.Context(), caller(r), id, req.definition())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.reg.Delete(r.Context(), caller(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listTriggers(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reg.Triggers(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{"triggers": entries}
	if h.deps.Diagnostics != nil {
		out["runtime"] = h.deps.Diagnostics()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) runTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inv, def, err := h.reg.RunNow(r.Context(), caller(r), id)
	switch {
	case errors.Is(err, job.ErrReconciliationSkip):
		writeJSON(w, http.StatusOK, runResponse{Invocation: inv, Job: def, Discarded: true})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, runResponse{Invocation: inv, Job: def})
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
