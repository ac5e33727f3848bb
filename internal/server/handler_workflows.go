package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowas/internal/planner"
	"github.com/me/gowas/internal/workflow"
	"github.com/me/gowas/pkg/model"
)

type createWorkflowResponse struct {
	*workflow.InitResult
	Plan *planner.PlanResult `json:"plan,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req workflow.InitRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}

	res, err := s.initializer.Init(r.Context(), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	resp := createWorkflowResponse{InitResult: res}

	if r.URL.Query().Get("plan") == "true" {
		plan, err := s.plan(r.Context(), res.WorkflowID, planner.PlanRequest{
			StartStep:      req.StartStep,
			PredictionFile: req.PredictionFile,
		})
		if err != nil {
			respondErr(w, reqID, err)
			return
		}
		resp.Plan = plan
	}
	respondCreated(w, reqID, resp)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	wfs, total, err := s.store.ListWorkflows(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if wfs == nil {
		wfs = []*model.Workflow{}
	}
	respondList(w, reqID, wfs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	q := r.URL.Query()
	opts := model.DefaultListOptions()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: p.name, Message: fmt.Sprintf("not an integer: %q", raw)})
		}
		*p.dst = n
	}
	if status := q.Get("status"); status != "" {
		if !model.WorkflowStatus(status).IsValid() {
			return opts, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: "status", Message: fmt.Sprintf("unknown workflow status %q", status)})
		}
		opts.Status = status
	}
	opts.UserID = q.Get("user_id")
	opts.Clamp()
	return opts, nil
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	wf, ok := s.loadWorkflow(w, r, reqID, id)
	if !ok {
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	wf.Jobs = jobs
	respondOK(w, reqID, wf)
}

func (s *Server) handlePlanWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req planner.PlanRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	res, err := s.plan(r.Context(), id, req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, res)
}

// plan runs the planner with the parameters recorded at initialization
// filling whatever the request leaves out.
func (s *Server) plan(ctx context.Context, id string, req planner.PlanRequest) (*planner.PlanResult, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, id)
	}

	req.WorkflowID = id
	if req.InputData.Format == "" {
		req.InputData = wf.Parameters.InputData
		req.AnalysisParams = wf.Parameters.AnalysisParams
		req.OutputParams = wf.Parameters.OutputParams
	}
	if req.AnalysisSubdir == "" {
		req.AnalysisSubdir = wf.AnalysisSubdir
	}
	if req.StartStep == 0 {
		req.StartStep = wf.StartStep
	}
	return s.planner.Plan(ctx, req)
}

func (s *Server) handleRecomputeWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	status, stats, err := s.tracker.RecomputeWorkflowStatus(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{
		"workflowId": id,
		"status":     status,
		"jobStats":   stats,
	})
}

// loadWorkflow fetches a workflow and writes a 404 when it does not exist.
func (s *Server) loadWorkflow(w http.ResponseWriter, r *http.Request, reqID, id string) (*model.Workflow, bool) {
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return nil, false
	}
	if wf == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return nil, false
	}
	return wf, true
}
