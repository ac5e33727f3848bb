package manifest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/pkg/model"
)

const validManifest = `{
  "experimentId": "exp1",
  "s3Path": "s3://data/genomics/study1",
  "inputData": {
    "format": "bed",
    "filePrefix": "chrAll",
    "phenoFile": "pheno.txt",
    "phenoColumns": ["Y1", "Y2"]
  },
  "analysisParams": {"traitType": "bt", "chrList": [1, "X"]},
  "outputParams": {"outPrefix": "run1"},
  "userId": "u1"
}`

func newValidator(t *testing.T, objects storage.ObjectStore) *Validator {
	t.Helper()
	if objects == nil {
		objects = storage.NewMemoryStore()
	}
	v, err := NewValidator(objects, "genomics")
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	v.newID = func() string { return "0123456789abcdef" }
	v.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return v
}

func TestIsManifestFile(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"manifest.json", true},
		{"genomics/study1/manifest.json", true},
		{"genomics/study1/MANIFEST.JSON", true},
		{"genomics/study1/run.manifest.json", true},
		{"genomics/study1/Run.Manifest.Json", true},
		{"genomics/study1/mymanifest.json", false},
		{"genomics/study1/manifest.json.bak", false},
		{"genomics/study1/chrAll.bed", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsManifestFile(tt.key); got != tt.want {
			t.Errorf("IsManifestFile(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestParse_valid(t *testing.T) {
	v := newValidator(t, nil)
	m, err := v.Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.ExperimentID != "exp1" || m.InputData.Format != model.FormatBED {
		t.Errorf("manifest = %+v", m)
	}
	if m.AnalysisParams == nil || m.AnalysisParams.TraitType != model.TraitBinary {
		t.Fatalf("AnalysisParams = %+v", m.AnalysisParams)
	}
	if got := m.AnalysisParams.ExplicitChromosomes(); len(got) != 2 || got[0] != "1" || got[1] != "X" {
		t.Errorf("chrList = %v, want [1 X]", got)
	}
}

func TestParse_invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{"not json", `{"experimentId":`, "Error parsing manifest JSON"},
		{"missing experimentId", `{"s3Path":"s3://b/genomics/x","inputData":{"format":"bed","filePrefix":"p"}}`, "experimentId"},
		{"wrong prefix", `{"experimentId":"e","s3Path":"s3://b/other/x","inputData":{"format":"bed","filePrefix":"p"}}`, "s3Path"},
		{"bad format", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"vcf","filePrefix":"p"}}`, "format"},
		{"missing filePrefix", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"bed"}}`, "filePrefix"},
		{"columns not strings", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"bed","filePrefix":"p","phenoColumns":[1]}}`, "phenoColumns"},
		{"unsafe filePrefix", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"bed","filePrefix":"p;id"}}`, "filePrefix"},
		{"unsafe column", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"bed","filePrefix":"p","covarFile":"c.txt","covarColumns":["AGE","$(id)"]}}`, "covarColumns"},
		{"unsafe chr", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"bed","filePrefix":"p"},"analysisParams":{"chr":"1; touch /tmp/x"}}`, "chr"},
		{"repeated chrList", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"bed","filePrefix":"p"},"analysisParams":{"chrList":["1","1"]}}`, "chrList"},
		{"unsafe outPrefix", `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"bed","filePrefix":"p"},"outputParams":{"outPrefix":"r>x"}}`, "outPrefix"},
	}
	v := newValidator(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, model.ErrInvalidManifest) {
				t.Errorf("error %v does not wrap ErrInvalidManifest", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidateSchema_reportsAllViolations(t *testing.T) {
	v := newValidator(t, nil)
	doc := map[string]any{
		"s3Path":    "s3://b/elsewhere/x",
		"inputData": map[string]any{"format": "vcf", "filePrefix": "p"},
	}
	err := v.ValidateSchema(doc)
	var merr *Error
	if !errors.As(err, &merr) {
		t.Fatalf("ValidateSchema() error = %v, want *Error", err)
	}
	if len(merr.Details) < 3 {
		t.Errorf("Details = %+v, want at least 3 violations", merr.Details)
	}
}

func TestValidateFilesExist(t *testing.T) {
	objects := storage.NewMemoryStore()
	objects.PutString("s3://data/genomics/study1/chrAll.bed", "")
	objects.PutString("s3://data/genomics/study1/chrAll.fam", "")
	v := newValidator(t, objects)
	ctx := context.Background()

	m := &model.Manifest{
		S3Path: "s3://data/genomics/study1",
		InputData: model.InputData{
			Format:     model.FormatBED,
			FilePrefix: "chrAll",
			PhenoFile:  "pheno.txt",
		},
	}
	err := v.ValidateFilesExist(ctx, m)
	want := "Missing required files: genomics/study1/chrAll.bim, genomics/study1/pheno.txt"
	if err == nil || err.Error() != want {
		t.Fatalf("ValidateFilesExist() error = %v, want %q", err, want)
	}

	objects.PutString("s3://data/genomics/study1/chrAll.bim", "")
	objects.PutString("s3://data/genomics/study1/pheno.txt", "")
	if err := v.ValidateFilesExist(ctx, m); err != nil {
		t.Errorf("ValidateFilesExist() error = %v, want nil", err)
	}
}

func TestValidateFilesExist_invalidPath(t *testing.T) {
	v := newValidator(t, nil)
	err := v.ValidateFilesExist(context.Background(), &model.Manifest{
		S3Path:    "data/genomics/study1",
		InputData: model.InputData{Format: model.FormatBED, FilePrefix: "p"},
	})
	if err == nil || err.Error() != "Invalid S3 path: data/genomics/study1/" {
		t.Errorf("error = %v", err)
	}
}

func TestPrepareWorkflowInput(t *testing.T) {
	v := newValidator(t, nil)
	m, err := v.Parse([]byte(validManifest))
	if err != nil {
		t.Fatal(err)
	}

	in, id := v.PrepareWorkflowInput(m)
	if id != "gwas-exp1-01234567" || in.WorkflowID != id {
		t.Errorf("workflow id = %q / %q", id, in.WorkflowID)
	}
	if in.S3Path != "s3://data/genomics/study1/" {
		t.Errorf("S3Path = %q", in.S3Path)
	}
	if in.AnalysisSubdir != "study1/" {
		t.Errorf("AnalysisSubdir = %q, want study1/", in.AnalysisSubdir)
	}
	if in.UserID != "u1" || in.OutputParams == nil || in.OutputParams.OutPrefix != "run1" {
		t.Errorf("pass-through fields = %+v", in)
	}
	if !in.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", in.Timestamp)
	}

	m.WorkflowID = "given"
	if _, id := v.PrepareWorkflowInput(m); id != "given" {
		t.Errorf("explicit workflow id = %q, want given", id)
	}
}

func TestNewValidator_customPrefix(t *testing.T) {
	v, err := NewValidator(storage.NewMemoryStore(), "/cohorts/")
	if err != nil {
		t.Fatal(err)
	}
	ok := `{"experimentId":"e","s3Path":"s3://b/cohorts/x","inputData":{"format":"pgen","filePrefix":"p"}}`
	if _, err := v.Parse([]byte(ok)); err != nil {
		t.Errorf("Parse() error = %v", err)
	}
	bad := `{"experimentId":"e","s3Path":"s3://b/genomics/x","inputData":{"format":"pgen","filePrefix":"p"}}`
	if _, err := v.Parse([]byte(bad)); err == nil {
		t.Error("expected default prefix to be rejected")
	}
}

func TestParse_malformedFlag(t *testing.T) {
	v := newValidator(t, nil)
	var merr *Error

	_, err := v.Parse([]byte("not json"))
	if !errors.As(err, &merr) || !merr.Malformed {
		t.Errorf("syntax error = %#v, want Malformed", err)
	}
	_, err = v.Parse([]byte(`{"experimentId":"e"}`))
	if !errors.As(err, &merr) || merr.Malformed {
		t.Errorf("schema error = %#v, want not Malformed", err)
	}
}
