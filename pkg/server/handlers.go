package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/repository"
	"mercator-hq/cohort/pkg/telemetry/logging"
)

// AssignmentRequest is the body of POST /v1/assignments.
type AssignmentRequest struct {
	ExperimentID string                 `json:"experiment_id"`
	Context      experiment.UserContext `json:"context"`
}

// ConversionRequest is the body of POST /v1/conversions.
type ConversionRequest struct {
	ExperimentID string                 `json:"experiment_id"`
	MetricID     string                 `json:"metric_id"`
	Context      experiment.UserContext `json:"context"`
	Value        *float64               `json:"value,omitempty"`
	Revenue      *float64               `json:"revenue,omitempty"`
}

// ExplainRequest is the body of POST /v1/experiments/{id}/explain.
type ExplainRequest struct {
	Context experiment.UserContext `json:"context"`
}

// ListResponse is the body of GET /v1/experiments.
type ListResponse struct {
	Experiments []*experiment.Experiment `json:"experiments"`
	Count       int                      `json:"count"`
}

var actions = map[string]experiment.Action{
	string(experiment.ActionStart):    experiment.ActionStart,
	string(experiment.ActionPause):    experiment.ActionPause,
	string(experiment.ActionResume):   experiment.ActionResume,
	string(experiment.ActionComplete): experiment.ActionComplete,
}

type handlers struct {
	engine  Engine
	logger  *slog.Logger
	maxBody int64
}

// decode reads a JSON body into v, writing a 400 response on failure.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := io.Reader(r.Body)
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrorTypeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil)
			return false
		}
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

func (h *handlers) assign(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ExperimentID == "" {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "experiment_id is required",
			[]FieldError{{Field: "experiment_id", Message: "required"}})
		return
	}

	writeJSON(w, http.StatusOK, h.engine.GetAssignment(req.ExperimentID, req.Context))
}

func (h *handlers) convert(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if !h.decode(w, r, &req) {
		return
	}

	var fields []FieldError
	if req.ExperimentID == "" {
		fields = append(fields, FieldError{Field: "experiment_id", Message: "required"})
	}
	if req.MetricID == "" {
		fields = append(fields, FieldError{Field: "metric_id", Message: "required"})
	}
	if req.Context.SubjectID() == "" {
		fields = append(fields, FieldError{Field: "context", Message: "userId or sessionId is required"})
	}
	if len(fields) > 0 {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "invalid conversion", fields)
		return
	}

	h.engine.TrackConversion(req.ExperimentID, req.MetricID, req.Context, req.Value, req.Revenue)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) listExperiments(w http.ResponseWriter, r *http.Request) {
	var filter repository.ListFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := experiment.Status(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest,
					fmt.Sprintf("unknown status %q", part), nil)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest, "limit must be a non-negative integer", nil)
			return
		}
		filter.Limit = limit
	}

	exps, err := h.engine.ListExperiments(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list", "", err)
		return
	}
	if exps == nil {
		exps = []*experiment.Experiment{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Experiments: exps, Count: len(exps)})
}

func (h *handlers) createExperiment(w http.ResponseWriter, r *http.Request) {
	var exp experiment.Experiment
	if !h.decode(w, r, &exp) {
		return
	}

	created, err := h.engine.CreateExperiment(r.Context(), &exp)
	if err != nil {
		h.fail(w, r, "create", exp.ID, err)
		return
	}
	w.Header().Set("Location", "/v1/experiments/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) getExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exp, err := h.engine.GetExperiment(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get", id, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *handlers) updateExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var exp experiment.Experiment
	if !h.decode(w, r, &exp) {
		return
	}
	if exp.ID != "" && exp.ID != id {
		writeError(w, http.StatusBadRequest, ErrorTypeInvalidRequest,
			fmt.Sprintf("body id %q does not match path id %q", exp.ID, id), nil)
		return
	}
	exp.ID = id

	updated, err := h.engine.UpdateExperiment(r.Context(), &exp)
	if err != nil {
		h.fail(w, r, "update", id, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action, ok := actions[r.PathValue("action")]
	if !ok {
		writeError(w, http.StatusNotFound, ErrorTypeNotFound,
			fmt.Sprintf("unknown action %q", r.PathValue("action")), nil)
		return
	}

	exp, err := h.engine.TransitionExperiment(r.Context(), id, action)
	if err != nil {
		h.fail(w, r, string(action), id, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *handlers) explain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ExplainRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.engine.Explain(r.Context(), id, req.Context)
	if err != nil {
		h.fail(w, r, "explain", id, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// fail logs unexpected errors and writes the mapped error response.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	ctx := logging.WithExperimentID(r.Context(), id)
	h.logger.DebugContext(ctx, "Management request failed",
		"operation", op,
		"experiment_id", id,
		"error", err,
	)
	writeEngineError(w, err)
}
