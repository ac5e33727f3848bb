package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Format identifies a genotype file format accepted by regenie.
type Format string

const (
	FormatBED  Format = "bed"
	FormatPGEN Format = "pgen"
	FormatBGEN Format = "bgen"
)

// Formats lists every supported genotype format.
var Formats = []Format{FormatBED, FormatPGEN, FormatBGEN}

// IsValid reports whether f is a supported format.
func (f Format) IsValid() bool {
	switch f {
	case FormatBED, FormatPGEN, FormatBGEN:
		return true
	}
	return false
}

// RequiredExtensions returns the file extensions that must exist next to the
// dataset file prefix for this format.
func (f Format) RequiredExtensions() []string {
	switch f {
	case FormatBED:
		return []string{".bed", ".bim", ".fam"}
	case FormatPGEN:
		return []string{".pgen", ".pvar", ".psam"}
	case FormatBGEN:
		return []string{".bgen", ".sample"}
	}
	return nil
}

// VariantIndexExtension returns the companion file carrying per-variant
// chromosome labels. The boolean is false for formats without one.
func (f Format) VariantIndexExtension() (string, bool) {
	switch f {
	case FormatBED:
		return ".bim", true
	case FormatPGEN:
		return ".pvar", true
	}
	return "", false
}

// TraitType selects quantitative or binary phenotype analysis.
type TraitType string

const (
	TraitQuantitative TraitType = "qt"
	TraitBinary       TraitType = "bt"
)

// Analysis and output defaults. They are part of the job record contract and
// must not change.
const (
	DefaultTraitType     = TraitQuantitative
	DefaultBlockSize     = 1000
	DefaultMinMAC        = 5
	DefaultThreads       = 8
	DefaultCVFolds       = 5
	DefaultLowMem        = true
	DefaultOutPrefix     = "results"
	DefaultGzOutput      = true
	DefaultUserID        = "anonymous"
	DefaultDataPrefix    = "genomics"
	DefaultJobDefinition = "GwasRegenieJobDefinitionRef"

	// PredictionFileSuffix is appended to the step 1 output prefix.
	PredictionFileSuffix = "_pred.list"

	// RetentionPeriod is how long a workflow record is kept after creation.
	RetentionPeriod = 30 * 24 * time.Hour
)

// DefaultChromosomes returns the 22 autosomes followed by X and Y.
// A new slice is returned on every call.
func DefaultChromosomes() []string {
	out := make([]string, 0, 24)
	for i := 1; i <= 22; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return append(out, "X", "Y")
}

// ChromosomeLabel is a chromosome identifier. Manifests written by hand often
// carry bare numbers, so JSON numbers are accepted as well as strings.
type ChromosomeLabel string

// UnmarshalJSON accepts "22" and 22 alike.
func (c *ChromosomeLabel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChromosomeLabel(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chromosome label: %w", err)
	}
	*c = ChromosomeLabel(n.String())
	return nil
}

// tokenPattern is the character set allowed in file names, column names,
// chromosome labels and output prefixes. These values end up in shell
// command lines.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.][A-Za-z0-9_.-]*$`)

// ErrUnsafeToken is returned for values outside the token character set.
var ErrUnsafeToken = errors.New("may only contain letters, digits, '_', '.' and '-', and must not start with '-'")

// ValidToken reports whether v is a non-empty token safe to place on a
// command line.
func ValidToken(v string) bool {
	return tokenPattern.MatchString(v)
}

func checkToken(field, v string) error {
	if !ValidToken(v) {
		return fmt.Errorf("%s %q %w", field, v, ErrUnsafeToken)
	}
	return nil
}

func checkTokens(field string, values []string) error {
	for i, v := range values {
		if err := checkToken(fmt.Sprintf("%s[%d]", field, i), v); err != nil {
			return err
		}
	}
	return nil
}

// InputData describes the genotype, phenotype, and covariate files of a dataset.
type InputData struct {
	Format          Format   `json:"format" dynamodbav:"format"`
	FilePrefix      string   `json:"filePrefix" dynamodbav:"filePrefix"`
	PhenoFile       string   `json:"phenoFile,omitempty" dynamodbav:"phenoFile,omitempty"`
	PhenoColumns    []string `json:"phenoColumns,omitempty" dynamodbav:"phenoColumns,omitempty"`
	CovarFile       string   `json:"covarFile,omitempty" dynamodbav:"covarFile,omitempty"`
	CovarColumns    []string `json:"covarColumns,omitempty" dynamodbav:"covarColumns,omitempty"`
	CatCovarColumns []string `json:"catCovarColumns,omitempty" dynamodbav:"catCovarColumns,omitempty"`
}

// Validate checks that every file and column name is a plain token. An
// empty file prefix is left to the callers, which report it as missing.
func (d InputData) Validate() error {
	if d.FilePrefix != "" {
		if err := checkToken("filePrefix", d.FilePrefix); err != nil {
			return err
		}
	}
	for _, f := range []struct{ field, v string }{
		{"phenoFile", d.PhenoFile},
		{"covarFile", d.CovarFile},
	} {
		if f.v == "" {
			continue
		}
		if err := checkToken(f.field, f.v); err != nil {
			return err
		}
	}
	if err := checkTokens("phenoColumns", d.PhenoColumns); err != nil {
		return err
	}
	if err := checkTokens("covarColumns", d.CovarColumns); err != nil {
		return err
	}
	return checkTokens("catCovarColumns", d.CatCovarColumns)
}

// AnalysisParams holds optional regenie tuning values. A nil pointer means
// the caller did not set the value; WithDefaults fills every unset field.
type AnalysisParams struct {
	TraitType TraitType         `json:"traitType,omitempty" dynamodbav:"traitType,omitempty"`
	BlockSize *int              `json:"blockSize,omitempty" dynamodbav:"blockSize,omitempty"`
	MinMAC    *int              `json:"minMAC,omitempty" dynamodbav:"minMAC,omitempty"`
	Threads   *int              `json:"threads,omitempty" dynamodbav:"threads,omitempty"`
	CVFolds   *int              `json:"cv,omitempty" dynamodbav:"cv,omitempty"`
	LowMem    *bool             `json:"lowmem,omitempty" dynamodbav:"lowmem,omitempty"`
	Chr       ChromosomeLabel   `json:"chr,omitempty" dynamodbav:"chr,omitempty"`
	ChrList   []ChromosomeLabel `json:"chrList,omitempty" dynamodbav:"chrList,omitempty"`
}

// ErrChromosomeConflict is returned when both chr and chrList are set.
var ErrChromosomeConflict = errors.New("cannot specify both 'chr' and 'chrList'; use chr for one chromosome or chrList for several")

// Validate checks cross-field constraints.
func (p AnalysisParams) Validate() error {
	if p.Chr != "" && len(p.ChrList) > 0 {
		return ErrChromosomeConflict
	}
	if p.TraitType != "" && p.TraitType != TraitQuantitative && p.TraitType != TraitBinary {
		return fmt.Errorf("traitType must be %q or %q, got %q", TraitQuantitative, TraitBinary, p.TraitType)
	}
	if p.Chr != "" {
		if err := checkToken("chr", string(p.Chr)); err != nil {
			return err
		}
	}
	for i, c := range p.ChrList {
		if c == "" {
			continue
		}
		if err := checkToken(fmt.Sprintf("chrList[%d]", i), string(c)); err != nil {
			return err
		}
	}
	return nil
}

// WithDefaults returns a copy with every unset field filled from the defaults.
func (p AnalysisParams) WithDefaults() AnalysisParams {
	if p.TraitType == "" {
		p.TraitType = DefaultTraitType
	}
	if p.BlockSize == nil {
		p.BlockSize = Ptr(DefaultBlockSize)
	}
	if p.MinMAC == nil {
		p.MinMAC = Ptr(DefaultMinMAC)
	}
	if p.Threads == nil {
		p.Threads = Ptr(DefaultThreads)
	}
	if p.CVFolds == nil {
		p.CVFolds = Ptr(DefaultCVFolds)
	}
	if p.LowMem == nil {
		p.LowMem = Ptr(DefaultLowMem)
	}
	return p
}

// ExplicitChromosomes returns the caller-selected chromosomes, chr taking
// precedence over chrList. Repeated chrList labels are kept once, in
// first-seen order. It returns nil when neither is set.
func (p AnalysisParams) ExplicitChromosomes() []string {
	if p.Chr != "" {
		return []string{string(p.Chr)}
	}
	if len(p.ChrList) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.ChrList))
	seen := make(map[ChromosomeLabel]bool, len(p.ChrList))
	for _, c := range p.ChrList {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, string(c))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// OutputParams controls output naming and location.
type OutputParams struct {
	OutPrefix    string `json:"outPrefix,omitempty" dynamodbav:"outPrefix,omitempty"`
	Gz           *bool  `json:"gz,omitempty" dynamodbav:"gz,omitempty"`
	OutputS3Path string `json:"outputS3Path,omitempty" dynamodbav:"outputS3Path,omitempty"`
}

// Validate checks that an explicit output prefix is a plain token.
func (p OutputParams) Validate() error {
	if p.OutPrefix == "" {
		return nil
	}
	return checkToken("outPrefix", p.OutPrefix)
}

// WithDefaults returns a copy with every unset field filled from the defaults.
func (p OutputParams) WithDefaults() OutputParams {
	if p.OutPrefix == "" {
		p.OutPrefix = DefaultOutPrefix
	}
	if p.Gz == nil {
		p.Gz = Ptr(DefaultGzOutput)
	}
	return p
}

// Manifest is the declarative JSON document that triggers a workflow.
type Manifest struct {
	ExperimentID   string          `json:"experimentId"`
	S3Path         string          `json:"s3Path"`
	InputData      InputData       `json:"inputData"`
	AnalysisParams *AnalysisParams `json:"analysisParams,omitempty"`
	OutputParams   *OutputParams   `json:"outputParams,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	StudyID        string          `json:"studyId,omitempty"`
	WorkflowID     string          `json:"workflowId,omitempty"`
}

// WorkflowInput is what intake hands to the workflow engine after a manifest
// passes validation.
type WorkflowInput struct {
	WorkflowID     string          `json:"workflowId"`
	S3Path         string          `json:"s3Path"`
	AnalysisSubdir string          `json:"analysisSubdir"`
	InputData      InputData       `json:"inputData"`
	AnalysisParams *AnalysisParams `json:"analysisParams,omitempty"`
	OutputParams   *OutputParams   `json:"outputParams,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	StudyID        string          `json:"studyId,omitempty"`
	StartStep      int             `json:"startStep,omitempty"`
	PredictionFile string          `json:"predictionFile,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
