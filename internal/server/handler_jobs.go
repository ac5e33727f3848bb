package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/gowas/internal/intake"
	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/pkg/model"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if _, ok := s.loadWorkflow(w, r, reqID, id); !ok {
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []*model.Job{}
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	respondList(w, reqID, jobs, &model.Pagination{
		Total:  len(jobs),
		Limit:  len(jobs),
		Offset: 0,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	jid := chi.URLParam(r, "jid")

	job, err := s.store.GetJob(r.Context(), id, jid)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", jid))
		return
	}
	respondOK(w, reqID, job)
}

type jobEventResponse struct {
	WorkflowID     string               `json:"workflowId"`
	JobID          string               `json:"jobId"`
	JobStatus      model.JobStatus      `json:"jobStatus"`
	WorkflowStatus model.WorkflowStatus `json:"workflowStatus"`
	JobStats       model.JobStats       `json:"jobStats"`
}

// handleJobEvent applies a job state change reported over HTTP. Path
// parameters win over ids in the body.
func (s *Server) handleJobEvent(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var ev intake.JobEvent
	if !decodeBody(w, r, reqID, &ev) {
		return
	}
	ev.WorkflowID = chi.URLParam(r, "id")
	ev.JobID = chi.URLParam(r, "jid")

	jobStatus, err := ev.JobStatus()
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	wfStatus, stats, err := s.events.Apply(r.Context(), ev)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, jobEventResponse{
		WorkflowID:     ev.WorkflowID,
		JobID:          ev.JobID,
		JobStatus:      jobStatus,
		WorkflowStatus: wfStatus,
		JobStats:       stats,
	})
}

type failuresRequest struct {
	FailedJobs []tracker.JobFailure `json:"failedJobs"`
}

type failuresResponse struct {
	WorkflowID      string               `json:"workflowId"`
	Status          model.WorkflowStatus `json:"status"`
	ProcessedErrors int                  `json:"processedErrors"`
	JobStats        model.JobStats       `json:"jobStats"`
}

// handleJobFailures records a batch of failed jobs. An empty batch is
// answered with NO_FAILURES and touches nothing.
func (s *Server) handleJobFailures(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req failuresRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if len(req.FailedJobs) == 0 {
		respondOK(w, reqID, map[string]any{"workflowId": id, "status": "NO_FAILURES"})
		return
	}

	summary, err := s.tracker.RecordJobFailures(r.Context(), id, req.FailedJobs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, failuresResponse{
		WorkflowID:      id,
		Status:          summary.Status,
		ProcessedErrors: summary.Processed,
		JobStats:        summary.JobStats,
	})
}

type completeRequest struct {
	ResultsBucketPath string     `json:"resultsBucketPath"`
	CompletionTime    *time.Time `json:"completionTime,omitempty"`
}

type completeResponse struct {
	WorkflowID        string               `json:"workflowId"`
	Status            model.WorkflowStatus `json:"status"`
	JobStats          model.JobStats       `json:"jobStats"`
	Message           string               `json:"message"`
	ResultsBucketPath string               `json:"resultsBucketPath,omitempty"`
}

func (s *Server) handleCompleteWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req completeRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	var at time.Time
	if req.CompletionTime != nil {
		at = *req.CompletionTime
	}

	status, stats, err := s.tracker.MarkWorkflowCompleted(r.Context(), id, req.ResultsBucketPath, at)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	msg := "Workflow completed successfully"
	if status != model.WorkflowStatusCompleted {
		msg = fmt.Sprintf("Workflow already finished with status %s", status)
	}
	respondOK(w, reqID, completeResponse{
		WorkflowID:        id,
		Status:            status,
		JobStats:          stats,
		Message:           msg,
		ResultsBucketPath: req.ResultsBucketPath,
	})
}
