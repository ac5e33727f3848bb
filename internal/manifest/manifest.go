// Package manifest gates incoming manifest documents before a workflow is
// started: schema validation, input file checks, and workflow input
// preparation.
package manifest

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"

	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/pkg/model"
)

// File names recognized as manifests.
const (
	FileName   = "manifest.json"
	FileSuffix = ".manifest.json"
)

//go:embed schema.yaml
var schemaDoc []byte

// IsManifestFile reports whether an object key names a manifest.
func IsManifestFile(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, FileSuffix) || path.Base(lower) == FileName
}

// Error is a manifest rejection. It wraps model.ErrInvalidManifest.
// Malformed is set when the document is not valid JSON.
type Error struct {
	Reason    string
	Details   []model.FieldError
	Malformed bool
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return model.ErrInvalidManifest }

// Validator checks manifests against the schema and object storage.
type Validator struct {
	schema     *openapi3.Schema
	objects    storage.ObjectStore
	dataPrefix string
	newID      func() string
	now        func() time.Time
}

// NewValidator loads the manifest schema with dataPrefix as the required
// first key segment of s3Path.
func NewValidator(objects storage.ObjectStore, dataPrefix string) (*Validator, error) {
	dataPrefix = strings.Trim(dataPrefix, "/")
	if dataPrefix == "" {
		dataPrefix = model.DefaultDataPrefix
	}
	schema, err := loadSchema(dataPrefix)
	if err != nil {
		return nil, err
	}
	return &Validator{
		schema:     schema,
		objects:    objects,
		dataPrefix: dataPrefix,
		newID:      func() string { return uuid.NewString() },
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func loadSchema(dataPrefix string) (*openapi3.Schema, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("manifest: load schema: %w", err)
	}
	ref := doc.Components.Schemas["Manifest"]
	if ref == nil || ref.Value == nil {
		return nil, errors.New("manifest: schema has no Manifest component")
	}
	s3Path := ref.Value.Properties["s3Path"]
	if s3Path == nil || s3Path.Value == nil {
		return nil, errors.New("manifest: schema has no s3Path property")
	}
	s3Path.Value.Pattern = fmt.Sprintf("^s3://[^/]+/%s/.+$", regexp.QuoteMeta(dataPrefix))

	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("manifest: validate schema: %w", err)
	}
	return ref.Value, nil
}

// Parse decodes raw JSON and validates it against the schema.
func (v *Validator) Parse(raw []byte) (*model.Manifest, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("Error parsing manifest JSON: %v", err), Malformed: true}
	}
	if err := v.ValidateSchema(doc); err != nil {
		return nil, err
	}
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("Error parsing manifest JSON: %v", err)}
	}
	return &m, nil
}

// ValidateSchema checks a decoded JSON document. Every violation is reported.
func (v *Validator) ValidateSchema(doc any) error {
	err := v.schema.VisitJSON(doc, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var details []model.FieldError
	collect(err, &details)
	msgs := make([]string, 0, len(details))
	for _, d := range details {
		if d.Field != "" {
			msgs = append(msgs, d.Field+": "+d.Message)
		} else {
			msgs = append(msgs, d.Message)
		}
	}
	return &Error{Reason: strings.Join(msgs, "; "), Details: details}
}

func collect(err error, out *[]model.FieldError) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collect(inner, out)
		}
	case *openapi3.SchemaError:
		msg := e.Reason
		if msg == "" {
			msg = e.Error()
		}
		*out = append(*out, model.FieldError{Field: strings.Join(e.JSONPointer(), "."), Message: msg})
	default:
		*out = append(*out, model.FieldError{Message: err.Error()})
	}
}

// ValidateFilesExist checks that the genotype files for the declared format
// and any phenotype or covariate file are present under s3Path. All missing
// keys are reported together.
func (v *Validator) ValidateFilesExist(ctx context.Context, m *model.Manifest) error {
	s3Path := storage.EnsureTrailingSlash(m.S3Path)
	base, err := storage.ParseURI(s3Path)
	if err != nil || base.Key == "" {
		return &Error{Reason: "Invalid S3 path: " + s3Path}
	}

	var required []string
	for _, ext := range m.InputData.Format.RequiredExtensions() {
		required = append(required, base.Key+m.InputData.FilePrefix+ext)
	}
	if m.InputData.PhenoFile != "" {
		required = append(required, base.Key+m.InputData.PhenoFile)
	}
	if m.InputData.CovarFile != "" {
		required = append(required, base.Key+m.InputData.CovarFile)
	}

	var missing []string
	for _, key := range required {
		ok, err := v.objects.Exists(ctx, storage.URI{Bucket: base.Bucket, Key: key})
		if err != nil {
			return fmt.Errorf("check %s: %w", key, err)
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		details := make([]model.FieldError, 0, len(missing))
		for _, key := range missing {
			details = append(details, model.FieldError{Field: "inputData", Message: "missing " + key})
		}
		return &Error{Reason: "Missing required files: " + strings.Join(missing, ", "), Details: details}
	}
	return nil
}

// PrepareWorkflowInput builds the workflow engine input for a validated
// manifest and returns it with the workflow id. An id is generated as
// gwas-{experimentId}-{8 hex chars} when the manifest carries none.
func (v *Validator) PrepareWorkflowInput(m *model.Manifest) (model.WorkflowInput, string) {
	workflowID := m.WorkflowID
	if workflowID == "" {
		workflowID = fmt.Sprintf("gwas-%s-%s", m.ExperimentID, v.newID()[:8])
	}

	s3Path := storage.EnsureTrailingSlash(m.S3Path)
	subdir := strings.Replace(storage.StripBucket(s3Path), v.dataPrefix+"/", "", 1)

	return model.WorkflowInput{
		WorkflowID:     workflowID,
		S3Path:         s3Path,
		AnalysisSubdir: subdir,
		InputData:      m.InputData,
		AnalysisParams: m.AnalysisParams,
		OutputParams:   m.OutputParams,
		UserID:         m.UserID,
		StudyID:        m.StudyID,
		Timestamp:      v.now(),
	}, workflowID
}
