package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/me/gowas/internal/planner"
	"github.com/me/gowas/internal/workflow"
	"github.com/me/gowas/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type submitFlags struct {
	file           string
	workflowID     string
	s3Path         string
	subdir         string
	format         string
	filePrefix     string
	pheno          string
	phenoColumns   []string
	covar          string
	covarColumns   []string
	traitType      string
	chr            string
	chrList        []string
	startStep      int
	predictionFile string
	userID         string
	noPlan         bool
}

func newSubmitCmd() *cobra.Command {
	var f submitFlags

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Initialize a workflow and plan its jobs",
		Long: "Initialize a workflow from a request file (YAML or JSON) and/or flags, then plan its step 1 and step 2 jobs.\n" +
			"Flags override values from the file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildInitRequest(cmd, f)
			if err != nil {
				return err
			}

			path := "/api/v1/workflows/"
			if !f.noPlan {
				path += "?plan=true"
			}
			resp, err := client.Post(cmd.Context(), path, req)
			if err != nil {
				return fmt.Errorf("create workflow: %w", err)
			}

			var data struct {
				workflow.InitResult
				Plan *planner.PlanResult `json:"plan"`
			}
			if err := resp.decode(&data); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow initialized: %s (%s)\n", data.WorkflowID, data.Status)
			fmt.Fprintf(out, "  Dataset: %s\n", data.S3Path)
			fmt.Fprintf(out, "  Results: %s\n", data.ResultsBucketPath)
			if data.ParametersFile != "" {
				fmt.Fprintf(out, "  Parameters: %s\n", data.ParametersFile)
			}
			if data.Plan != nil {
				fmt.Fprintf(out, "Jobs planned: %d (start step %d, chromosomes %s)\n",
					data.Plan.JobCount, data.Plan.StartStep, strings.Join(data.Plan.Chromosomes, ","))
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "Request file (YAML or JSON)")
	fl.StringVar(&f.workflowID, "workflow-id", "", "Workflow id (generated when empty)")
	fl.StringVar(&f.s3Path, "s3-path", "", "Dataset location, s3://bucket/prefix/")
	fl.StringVar(&f.subdir, "subdir", "", "Analysis subdirectory under the data prefix")
	fl.StringVar(&f.format, "format", "bed", "Genotype format (bed, pgen, bgen)")
	fl.StringVar(&f.filePrefix, "file-prefix", "", "Genotype file prefix")
	fl.StringVar(&f.pheno, "pheno", "", "Phenotype file name")
	fl.StringSliceVar(&f.phenoColumns, "pheno-columns", nil, "Phenotype columns")
	fl.StringVar(&f.covar, "covar", "", "Covariate file name")
	fl.StringSliceVar(&f.covarColumns, "covar-columns", nil, "Covariate columns")
	fl.StringVar(&f.traitType, "trait-type", "", "Trait type (qt, bt)")
	fl.StringVar(&f.chr, "chr", "", "Test a single chromosome in step 2")
	fl.StringSliceVar(&f.chrList, "chr-list", nil, "Chromosomes to test in step 2")
	fl.IntVar(&f.startStep, "start-step", 0, "Start at step 1 or 2")
	fl.StringVar(&f.predictionFile, "prediction-file", "", "Existing prediction list when starting at step 2")
	fl.StringVar(&f.userID, "user", "", "Owner of the workflow")
	fl.BoolVar(&f.noPlan, "no-plan", false, "Only initialize, do not plan jobs")

	return cmd
}

// buildInitRequest reads the optional request file and applies every flag
// that was set on the command line.
func buildInitRequest(cmd *cobra.Command, f submitFlags) (workflow.InitRequest, error) {
	var req workflow.InitRequest
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return req, fmt.Errorf("read request: %w", err)
		}
		// JSON is YAML, so one decoder handles both. The map is re-encoded
		// as JSON to reuse the request's json tags.
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return req, fmt.Errorf("parse request: %w", err)
		}
		js, err := json.Marshal(raw)
		if err != nil {
			return req, fmt.Errorf("parse request: %w", err)
		}
		if err := json.Unmarshal(js, &req); err != nil {
			return req, fmt.Errorf("parse request: %w", err)
		}
		logger.Debug("loaded request file", "path", f.file)
	}

	changed := cmd.Flags().Changed
	if changed("workflow-id") {
		req.WorkflowID = f.workflowID
	}
	if changed("s3-path") {
		req.S3Path = f.s3Path
	}
	if changed("subdir") {
		req.AnalysisSubdir = f.subdir
	}
	if changed("format") || req.InputData.Format == "" {
		req.InputData.Format = model.Format(f.format)
	}
	if changed("file-prefix") {
		req.InputData.FilePrefix = f.filePrefix
	}
	if changed("pheno") {
		req.InputData.PhenoFile = f.pheno
	}
	if changed("pheno-columns") {
		req.InputData.PhenoColumns = f.phenoColumns
	}
	if changed("covar") {
		req.InputData.CovarFile = f.covar
	}
	if changed("covar-columns") {
		req.InputData.CovarColumns = f.covarColumns
	}
	if changed("trait-type") || changed("chr") || changed("chr-list") {
		if req.AnalysisParams == nil {
			req.AnalysisParams = &model.AnalysisParams{}
		}
		if changed("trait-type") {
			req.AnalysisParams.TraitType = model.TraitType(f.traitType)
		}
		if changed("chr") {
			req.AnalysisParams.Chr = model.ChromosomeLabel(f.chr)
		}
		if changed("chr-list") {
			req.AnalysisParams.ChrList = chromosomeLabels(f.chrList)
		}
		if err := req.AnalysisParams.Validate(); err != nil {
			return req, err
		}
	}
	if changed("start-step") {
		req.StartStep = f.startStep
	}
	if changed("prediction-file") {
		req.PredictionFile = f.predictionFile
	}
	if changed("user") {
		req.UserID = f.userID
	}

	if req.S3Path == "" && req.DatasetPath == "" {
		return req, fmt.Errorf("--s3-path or a request file with s3Path is required")
	}
	if req.AnalysisSubdir == "" {
		req.AnalysisSubdir = defaultSubdir(req.S3Path)
	}
	return req, nil
}

func chromosomeLabels(in []string) []model.ChromosomeLabel {
	out := make([]model.ChromosomeLabel, 0, len(in))
	for _, c := range in {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, model.ChromosomeLabel(c))
		}
	}
	return out
}

// defaultSubdir takes the last path segment of the dataset location.
func defaultSubdir(s3Path string) string {
	trimmed := strings.TrimRight(s3Path, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 || strings.HasSuffix(trimmed[:i+1], "://") {
		return ""
	}
	return trimmed[i+1:] + "/"
}
