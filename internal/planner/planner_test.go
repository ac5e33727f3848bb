package planner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/me/gowas/internal/pathmap"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/pkg/model"
)

type fakeResolver struct {
	chromosomes []string
	calls       int
	lastPath    string
}

func (f *fakeResolver) Resolve(_ context.Context, datasetPath, _ string, _ model.Format) []string {
	f.calls++
	f.lastPath = datasetPath
	return append([]string(nil), f.chromosomes...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, chromosomes ...string) (*Planner, *store.SQLiteStore, *fakeResolver) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	res := &fakeResolver{chromosomes: chromosomes}
	p := New(st, res, pathmap.New("", "", ""), testLogger())
	return p, st, res
}

func createWorkflow(t *testing.T, st store.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	wf := &model.Workflow{
		ID:             id,
		Status:         model.WorkflowStatusInitialized,
		S3Path:         "s3://data/genomics/study1/",
		AnalysisSubdir: "study1/",
		OutputS3Path:   "s3://results/workflows/" + id + "/",
		ExpiresAt:      now.Add(model.RetentionPeriod),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
}

func request(id string) PlanRequest {
	return PlanRequest{
		WorkflowID:     id,
		AnalysisSubdir: "study1/",
		InputData: model.InputData{
			Format:       model.FormatBED,
			FilePrefix:   "chrAll",
			PhenoFile:    "pheno.txt",
			PhenoColumns: []string{"Y1"},
		},
	}
}

func TestPlan_stepOneAndStepTwo(t *testing.T) {
	p, st, res := setup(t, "1", "2")
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	result, err := p.Plan(ctx, request("wf-1"))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if res.lastPath != "s3://data/genomics/study1/" {
		t.Errorf("resolver path = %q", res.lastPath)
	}
	if result.JobCount != 3 || len(result.Step1Jobs) != 1 || len(result.Step2Jobs) != 2 {
		t.Fatalf("jobs = %d (%d step 1, %d step 2), want 3 (1, 2)", result.JobCount, len(result.Step1Jobs), len(result.Step2Jobs))
	}

	wantPred := "/mnt/fsx/output/workflows/wf-1/results_pred.list"
	if result.PredictionFile != wantPred {
		t.Errorf("PredictionFile = %q, want %q", result.PredictionFile, wantPred)
	}

	step1 := result.Step1Jobs[0]
	if step1.ID != "wf-1-step1" || step1.StepNumber != 1 || step1.Status != model.JobStatusPending {
		t.Errorf("step 1 job = %+v", step1)
	}
	if step1.Parameters.ComputeDataPath != "/mnt/fsx/input/genomics/study1" {
		t.Errorf("ComputeDataPath = %q", step1.Parameters.ComputeDataPath)
	}
	if !strings.HasPrefix(step1.Command, "regenie --step 1 --bed /mnt/fsx/input/genomics/study1/chrAll") {
		t.Errorf("step 1 command = %q", step1.Command)
	}

	for i, chrom := range []string{"1", "2"} {
		job := result.Step2Jobs[i]
		if job.ID != "wf-1-step2-chr"+chrom {
			t.Errorf("step 2 job id = %q", job.ID)
		}
		if job.Parameters.PredictionFile != wantPred {
			t.Errorf("%s predictionFile = %q, want %q", job.ID, job.Parameters.PredictionFile, wantPred)
		}
		if job.Parameters.OutPrefix != "results_chr"+chrom {
			t.Errorf("%s outPrefix = %q", job.ID, job.Parameters.OutPrefix)
		}
		if !strings.Contains(job.Command, "--pred "+wantPred+" --chr "+chrom) {
			t.Errorf("%s command = %q", job.ID, job.Command)
		}
	}

	wf, err := st.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.Status != model.WorkflowStatusJobsCalculated {
		t.Errorf("Status = %s, want JOBS_CALCULATED", wf.Status)
	}
	if wf.JobCount != 3 || wf.StartStep != 1 || wf.PredictionFile != wantPred {
		t.Errorf("workflow = count %d step %d pred %q", wf.JobCount, wf.StartStep, wf.PredictionFile)
	}
	if !reflect.DeepEqual(wf.Chromosomes, []string{"1", "2"}) {
		t.Errorf("Chromosomes = %v", wf.Chromosomes)
	}
	if wf.JobStats != (model.JobStats{Total: 3, Pending: 3}) {
		t.Errorf("JobStats = %+v", wf.JobStats)
	}

	jobs, _ := st.ListJobs(ctx, "wf-1")
	if len(jobs) != 3 {
		t.Errorf("stored jobs = %d, want 3", len(jobs))
	}
}

func TestPlan_explicitChromosomesSkipResolver(t *testing.T) {
	tests := []struct {
		name   string
		params model.AnalysisParams
		want   []string
	}{
		{"chr", model.AnalysisParams{Chr: "22"}, []string{"22"}},
		{"chrList", model.AnalysisParams{ChrList: []model.ChromosomeLabel{"X", "21"}}, []string{"X", "21"}},
		{"repeated chrList", model.AnalysisParams{ChrList: []model.ChromosomeLabel{"1", "1", "2"}}, []string{"1", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st, res := setup(t, "1")
			createWorkflow(t, st, "wf-1")
			req := request("wf-1")
			req.AnalysisParams = tt.params

			result, err := p.Plan(context.Background(), req)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if res.calls != 0 {
				t.Errorf("resolver called %d times, want 0", res.calls)
			}
			if !reflect.DeepEqual(result.Chromosomes, tt.want) {
				t.Errorf("Chromosomes = %v, want %v", result.Chromosomes, tt.want)
			}
			jobs, _ := st.ListJobs(context.Background(), "wf-1")
			if result.JobCount != len(jobs) || result.JobCount != 1+len(tt.want) {
				t.Errorf("JobCount = %d, stored jobs = %d, want %d", result.JobCount, len(jobs), 1+len(tt.want))
			}
			wf, _ := st.GetWorkflow(context.Background(), "wf-1")
			if wf.JobCount != len(jobs) || !reflect.DeepEqual(wf.Chromosomes, tt.want) {
				t.Errorf("stored jobCount=%d chromosomes=%v", wf.JobCount, wf.Chromosomes)
			}
		})
	}
}

func TestPlan_startAtStepTwo(t *testing.T) {
	p, st, _ := setup(t, "1", "2", "3")
	createWorkflow(t, st, "wf-1")
	req := request("wf-1")
	req.StartStep = 2
	req.PredictionFile = "/mnt/fsx/output/prior/results_pred.list"

	result, err := p.Plan(context.Background(), req)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(result.Step1Jobs) != 0 || len(result.Step2Jobs) != 3 {
		t.Fatalf("jobs = %d step 1, %d step 2, want 0, 3", len(result.Step1Jobs), len(result.Step2Jobs))
	}
	for _, job := range result.Step2Jobs {
		if job.Parameters.PredictionFile != req.PredictionFile {
			t.Errorf("%s predictionFile = %q", job.ID, job.Parameters.PredictionFile)
		}
	}
	wf, _ := st.GetWorkflow(context.Background(), "wf-1")
	if wf.StartStep != 2 {
		t.Errorf("StartStep = %d, want 2", wf.StartStep)
	}
}

func TestPlan_preconditionsWriteNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PlanRequest)
		check  func(error) bool
	}{
		{"missing subdir", func(r *PlanRequest) { r.AnalysisSubdir = "" },
			func(err error) bool { return errors.Is(err, model.ErrMissingParameter) }},
		{"step 2 without prediction file", func(r *PlanRequest) { r.StartStep = 2 },
			func(err error) bool { return errors.Is(err, model.ErrMissingPredictionFile) }},
		{"chr conflict", func(r *PlanRequest) {
			r.AnalysisParams = model.AnalysisParams{Chr: "1", ChrList: []model.ChromosomeLabel{"2"}}
		}, func(err error) bool {
			var apiErr *model.APIError
			return errors.As(err, &apiErr) && apiErr.Code == model.ErrValidation
		}},
		{"shell in chr", func(r *PlanRequest) {
			r.AnalysisParams = model.AnalysisParams{Chr: "1; touch /tmp/x"}
		}, func(err error) bool {
			var apiErr *model.APIError
			return errors.As(err, &apiErr) && apiErr.Code == model.ErrValidation
		}},
		{"shell in file prefix", func(r *PlanRequest) { r.InputData.FilePrefix = "chrAll$(id)" },
			func(err error) bool {
				var apiErr *model.APIError
				return errors.As(err, &apiErr) && apiErr.Code == model.ErrValidation
			}},
		{"shell in column", func(r *PlanRequest) { r.InputData.PhenoColumns = []string{"Y1", "Y2;id"} },
			func(err error) bool {
				var apiErr *model.APIError
				return errors.As(err, &apiErr) && apiErr.Code == model.ErrValidation
			}},
		{"bad start step", func(r *PlanRequest) { r.StartStep = 3 },
			func(err error) bool {
				var apiErr *model.APIError
				return errors.As(err, &apiErr)
			}},
		{"unknown workflow", func(r *PlanRequest) { r.WorkflowID = "nope" },
			func(err error) bool { return errors.Is(err, model.ErrWorkflowNotFound) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st, _ := setup(t, "1")
			createWorkflow(t, st, "wf-1")
			req := request("wf-1")
			tt.mutate(&req)

			_, err := p.Plan(context.Background(), req)
			if err == nil || !tt.check(err) {
				t.Fatalf("Plan() error = %v", err)
			}
			wf, _ := st.GetWorkflow(context.Background(), "wf-1")
			if wf.Status != model.WorkflowStatusInitialized {
				t.Errorf("Status = %s, want INITIALIZED", wf.Status)
			}
			jobs, _ := st.ListJobs(context.Background(), "wf-1")
			if len(jobs) != 0 {
				t.Errorf("jobs written = %d, want 0", len(jobs))
			}
		})
	}
}

func TestPlan_alreadyPlanned(t *testing.T) {
	p, st, _ := setup(t, "1")
	createWorkflow(t, st, "wf-1")
	if _, err := p.Plan(context.Background(), request("wf-1")); err != nil {
		t.Fatalf("first Plan() error = %v", err)
	}
	_, err := p.Plan(context.Background(), request("wf-1"))
	if !errors.Is(err, model.ErrAlreadyPlanned) {
		t.Errorf("second Plan() error = %v, want ErrAlreadyPlanned", err)
	}
}

func TestPlan_afterRecompute(t *testing.T) {
	p, st, _ := setup(t, "1", "2")
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	status, _, err := tracker.New(st, testLogger()).RecomputeWorkflowStatus(ctx, "wf-1")
	if err != nil {
		t.Fatalf("RecomputeWorkflowStatus() error = %v", err)
	}
	if status != model.WorkflowStatusInitialized {
		t.Errorf("recompute status = %s, want INITIALIZED", status)
	}

	result, err := p.Plan(ctx, request("wf-1"))
	if err != nil {
		t.Fatalf("Plan() after recompute error = %v", err)
	}
	if result.JobCount != 3 {
		t.Errorf("JobCount = %d, want 3", result.JobCount)
	}
	wf, _ := st.GetWorkflow(ctx, "wf-1")
	if wf.Status != model.WorkflowStatusJobsCalculated {
		t.Errorf("Status = %s, want JOBS_CALCULATED", wf.Status)
	}
}

func TestPlan_resumeRemovesOrphans(t *testing.T) {
	p, st, _ := setup(t, "1")
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	// An interrupted attempt left the workflow in CALCULATING_JOBS with a
	// job for a chromosome that is no longer selected.
	if err := st.UpdateWorkflow(ctx, "wf-1", model.WorkflowUpdate{Status: model.Ptr(model.WorkflowStatusCalculatingJobs)}); err != nil {
		t.Fatal(err)
	}
	stale := &model.Job{WorkflowID: "wf-1", ID: model.Step2JobID("wf-1", "7"), StepNumber: 2,
		Status: model.JobStatusPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := st.PutJob(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Plan(ctx, request("wf-1")); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	jobs, _ := st.ListJobs(ctx, "wf-1")
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	want := []string{"wf-1-step1", "wf-1-step2-chr1"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("jobs = %v, want %v", ids, want)
	}
}

func TestPredictionFilePath(t *testing.T) {
	got := PredictionFilePath("/mnt/fsx/output/wf/", "out")
	if got != "/mnt/fsx/output/wf/out_pred.list" {
		t.Errorf("PredictionFilePath = %q", got)
	}
}
