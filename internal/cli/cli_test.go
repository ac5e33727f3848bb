package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/gowas/internal/config"
	"github.com/me/gowas/internal/pathmap"
	"github.com/me/gowas/internal/planner"
	"github.com/me/gowas/internal/server"
	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/internal/workflow"
	"github.com/me/gowas/pkg/model"
)

type fixedResolver []string

func (f fixedResolver) Resolve(context.Context, string, string, model.Format) []string {
	return append([]string(nil), f...)
}

// startTestServer starts a server with an in-memory SQLite store and returns the URL.
func startTestServer(t *testing.T) string {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := server.New(config.ServerConfig{}, server.Deps{
		Store:       st,
		Initializer: workflow.NewInitializer(st, storage.NewMemoryStore(), "", srvLogger),
		Planner:     planner.New(st, fixedResolver{"1", "2"}, pathmap.New("", "", ""), srvLogger),
		Tracker:     tracker.New(st, srvLogger),
	}, srvLogger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// submitTestWorkflow initializes and plans wf-1 through the CLI.
func submitTestWorkflow(t *testing.T, url string) {
	t.Helper()
	out, err := runCLI(t, "--server", url, "submit",
		"--workflow-id", "wf-1",
		"--s3-path", "s3://data/genomics/study1",
		"--file-prefix", "chrAll",
	)
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, out)
	}
}

func TestSubmitCommand(t *testing.T) {
	url := startTestServer(t)

	out, err := runCLI(t, "--server", url, "submit",
		"--s3-path", "s3://data/genomics/study1/",
		"--file-prefix", "chrAll",
		"--trait-type", "bt",
		"--chr-list", "3,X",
	)
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Workflow initialized: ") || !strings.Contains(out, "(INITIALIZED)") {
		t.Errorf("expected initialization line, got: %s", out)
	}
	if !strings.Contains(out, "Jobs planned: 3 (start step 1, chromosomes 3,X)") {
		t.Errorf("expected plan summary, got: %s", out)
	}
}

func TestSubmitCommand_File(t *testing.T) {
	url := startTestServer(t)

	reqFile := filepath.Join(t.TempDir(), "request.yaml")
	os.WriteFile(reqFile, []byte(`workflowId: wf-yaml
s3Path: s3://data/genomics/study2
analysisSubdir: study2/
inputData:
  format: pgen
  filePrefix: cohort
analysisParams:
  chrList: [21, 22]
`), 0o644)

	out, err := runCLI(t, "--server", url, "submit", "-f", reqFile, "--no-plan")
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Workflow initialized: wf-yaml") {
		t.Errorf("expected wf-yaml, got: %s", out)
	}
	if strings.Contains(out, "Jobs planned") {
		t.Errorf("--no-plan still planned: %s", out)
	}

	out, err = runCLI(t, "--server", url, "status", "wf-yaml")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "INITIALIZED") {
		t.Errorf("expected INITIALIZED, got: %s", out)
	}
}

func TestSubmitCommand_errors(t *testing.T) {
	url := startTestServer(t)

	if _, err := runCLI(t, "--server", url, "submit", "--file-prefix", "p"); err == nil {
		t.Error("expected error without --s3-path")
	}
	if _, err := runCLI(t, "--server", url, "submit", "--s3-path", "s3://b/genomics/x", "--chr", "1", "--chr-list", "2"); err == nil {
		t.Error("expected error for --chr with --chr-list")
	}
	if _, err := runCLI(t, "--server", url, "submit", "-f", "nonexistent.yaml"); err == nil {
		t.Error("expected error for missing request file")
	}
}

func TestStatusCommand(t *testing.T) {
	url := startTestServer(t)
	submitTestWorkflow(t, url)

	out, err := runCLI(t, "--server", url, "status", "wf-1")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"Workflow: wf-1", "JOBS_CALCULATED", "3 total", "wf-1-step1: PENDING", "wf-1-step2-chr2: PENDING"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}

	if _, err := runCLI(t, "--server", url, "status", "missing"); err == nil {
		t.Error("expected error for unknown workflow")
	}
}

func TestListCommand(t *testing.T) {
	url := startTestServer(t)

	out, err := runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(out, "No workflows found.") {
		t.Errorf("expected empty message, got: %s", out)
	}

	submitTestWorkflow(t, url)
	out, err = runCLI(t, "--server", url, "list", "--status", "JOBS_CALCULATED")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(out, "ID") || !strings.Contains(out, "wf-1") {
		t.Errorf("expected table with wf-1, got: %s", out)
	}
}

func TestJobsCommand(t *testing.T) {
	url := startTestServer(t)
	submitTestWorkflow(t, url)

	out, err := runCLI(t, "--server", url, "jobs", "wf-1")
	if err != nil {
		t.Fatalf("jobs error: %v", err)
	}
	if got := strings.Count(out, "PENDING"); got != 3 {
		t.Errorf("PENDING rows = %d, want 3\n%s", got, out)
	}
}

func TestEventCommand(t *testing.T) {
	url := startTestServer(t)
	submitTestWorkflow(t, url)

	out, err := runCLI(t, "--server", url, "event", "wf-1", "wf-1-step1", "SUCCEEDED")
	if err != nil {
		t.Fatalf("event error: %v", err)
	}
	if !strings.Contains(out, "Job wf-1-step1: COMPLETED (workflow IN_PROGRESS)") {
		t.Errorf("unexpected output: %s", out)
	}

	if _, err := runCLI(t, "--server", url, "event", "wf-1", "wf-1-step1", "EXPLODED"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestFailCommand(t *testing.T) {
	url := startTestServer(t)
	submitTestWorkflow(t, url)
	runCLI(t, "--server", url, "event", "wf-1", "wf-1-step1", "COMPLETED")

	out, err := runCLI(t, "--server", url, "fail", "wf-1", "wf-1-step2-chr1", "wf-1-step2-chr2", "-m", "out of memory")
	if err != nil {
		t.Fatalf("fail error: %v", err)
	}
	if !strings.Contains(out, "Recorded 2 failure(s); workflow wf-1 is COMPLETED_WITH_ERRORS (2 failed of 3)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestCompleteCommand(t *testing.T) {
	url := startTestServer(t)
	submitTestWorkflow(t, url)

	out, err := runCLI(t, "--server", url, "complete", "wf-1", "--results", "s3://out/wf-1/")
	if err != nil {
		t.Fatalf("complete error: %v", err)
	}
	if !strings.Contains(out, "wf-1: Workflow completed successfully") || !strings.Contains(out, "Status: COMPLETED") || !strings.Contains(out, "3 total") {
		t.Errorf("unexpected output: %s", out)
	}
}

func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"example.bed":       "bed-bytes",
		"example.bim":       "1\trs1\t0\t100\tA\tG\n",
		"example.fam":       "f1 i1 0 0 1 -9\n",
		"phenotype_bin.txt": "FID IID Y1\n",
		"covariates.txt":    "FID IID V1 V2 V3\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.Mkdir(filepath.Join(dir, "nested"), 0o755)
	return dir
}

func fixUploadClock(t *testing.T) {
	t.Helper()
	oldNow, oldID := now, newID
	now = func() time.Time { return time.Unix(1700000000, 0) }
	newID = func() string { return "abcdef12-3456" }
	t.Cleanup(func() { now, newID = oldNow, oldID })
}

func TestUploadCommand(t *testing.T) {
	fixUploadClock(t)
	mem := storage.NewMemoryStore()
	oldStore := newObjectStore
	newObjectStore = func(context.Context) (storage.ObjectStore, error) { return mem, nil }
	t.Cleanup(func() { newObjectStore = oldStore })

	out, err := runCLI(t, "upload", writeDataset(t), "--bucket", "data", "--chr", "1")
	if err != nil {
		t.Fatalf("upload error: %v\noutput: %s", err, out)
	}

	prefix := "genomics/analysis-1700000000-abcdef12/"
	keys := mem.Keys("s3://data/" + prefix)
	if len(keys) != 6 {
		t.Errorf("uploaded keys = %v, want 5 files and the manifest", keys)
	}
	if !strings.Contains(out, "Manifest uploaded to s3://data/"+prefix+"manifest.json") {
		t.Errorf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "Experiment ID: exp-1700000000-abcdef12") {
		t.Errorf("missing experiment id: %s", out)
	}

	loc, _ := storage.ParseURI("s3://data/" + prefix + "manifest.json")
	rc, err := mem.Get(context.Background(), loc)
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	defer rc.Close()
	var m model.Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.S3Path != "s3://data/genomics/analysis-1700000000-abcdef12" {
		t.Errorf("S3Path = %q", m.S3Path)
	}
	if m.AnalysisParams.TraitType != model.TraitBinary || m.AnalysisParams.Chr != "1" {
		t.Errorf("analysis params = %+v", m.AnalysisParams)
	}
	if m.OutputParams.OutputS3Path != m.S3Path+"/results/" {
		t.Errorf("OutputS3Path = %q", m.OutputParams.OutputS3Path)
	}
}

func TestUploadCommand_Print(t *testing.T) {
	fixUploadClock(t)
	oldStore := newObjectStore
	newObjectStore = func(context.Context) (storage.ObjectStore, error) {
		t.Fatal("--print must not touch object storage")
		return nil, nil
	}
	t.Cleanup(func() { newObjectStore = oldStore })

	out, err := runCLI(t, "upload", writeDataset(t), "--bucket", "data", "--print", "--trait-type", "qt", "--chr-list", "1,X")
	if err != nil {
		t.Fatalf("upload --print error: %v", err)
	}
	for _, want := range []string{"experimentId: exp-1700000000-abcdef12", "traitType: qt", "- \"1\"", "- X", "filePrefix: example"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in YAML, got:\n%s", want, out)
		}
	}
}

func TestUploadCommand_errors(t *testing.T) {
	dir := writeDataset(t)
	tests := []struct {
		name string
		args []string
	}{
		{"chr conflict", []string{"upload", dir, "--bucket", "b", "--chr", "1", "--chr-list", "2"}},
		{"bad trait", []string{"upload", dir, "--bucket", "b", "--trait-type", "xx"}},
		{"missing bucket", []string{"upload", dir}},
		{"missing dir", []string{"upload", filepath.Join(dir, "nope"), "--bucket", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}
