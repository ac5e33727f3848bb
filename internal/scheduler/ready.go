package scheduler

import "github.com/me/gowas/pkg/model"

// groupByWorkflow organizes jobs into a map keyed by WorkflowID.
func groupByWorkflow(jobs []*model.Job) map[string][]*model.Job {
	m := make(map[string][]*model.Job)
	for _, j := range jobs {
		m[j.WorkflowID] = append(m[j.WorkflowID], j)
	}
	return m
}

// IsReady reports whether a PENDING job may be dispatched. Step 1 jobs are
// always ready. A step 2 job waits for the workflow's step 1 job to complete
// unless the workflow started at step 2 with an existing prediction file.
// step1 is nil when the workflow has no step 1 job.
func IsReady(job *model.Job, wf *model.Workflow, step1 *model.Job) bool {
	if job.StepNumber != model.Step2 {
		return true
	}
	if wf.StartStep == model.Step2 {
		return true
	}
	return step1 != nil && step1.Status == model.JobStatusCompleted
}
