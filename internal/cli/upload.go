package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/me/gowas/internal/awsutil"
	"github.com/me/gowas/internal/config"
	"github.com/me/gowas/internal/manifest"
	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newObjectStore builds the store the upload command writes to.
var newObjectStore = func(ctx context.Context) (storage.ObjectStore, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsutil.LoadConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	return storage.NewS3Store(awsutil.NewClients(awsCfg, cfg.AWS).S3, logger), nil
}

// now and newID are replaced in tests.
var (
	now   = time.Now
	newID = uuid.NewString
)

type uploadFlags struct {
	bucket        string
	datasetPrefix string
	format        string
	filePrefix    string
	pheno         string
	phenoColumns  []string
	covar         string
	covarColumns  []string
	traitType     string
	chr           string
	chrList       []string
	printOnly     bool
}

func newUploadCmd() *cobra.Command {
	var f uploadFlags

	cmd := &cobra.Command{
		Use:   "upload <dataset_dir>",
		Short: "Upload a dataset and a manifest that starts its workflow",
		Long: "Upload every file of a local dataset directory to s3://{bucket}/{dataset-prefix}/analysis-{time}-{id}/,\n" +
			"then write manifest.json next to it. The manifest upload triggers the workflow.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.bucket, "bucket", "", "Dataset bucket (required)")
	fl.StringVar(&f.datasetPrefix, "dataset-prefix", model.DefaultDataPrefix, "Key prefix datasets live under")
	fl.StringVar(&f.format, "format", "bed", "Genotype format (bed, pgen, bgen)")
	fl.StringVar(&f.filePrefix, "file-prefix", "example", "Genotype file prefix")
	fl.StringVar(&f.pheno, "pheno", "phenotype_bin.txt", "Phenotype file name")
	fl.StringSliceVar(&f.phenoColumns, "pheno-columns", []string{"Y1"}, "Phenotype columns")
	fl.StringVar(&f.covar, "covar", "covariates.txt", "Covariate file name")
	fl.StringSliceVar(&f.covarColumns, "covar-columns", []string{"V1", "V2", "V3"}, "Covariate columns")
	fl.StringVar(&f.traitType, "trait-type", string(model.TraitBinary), "Trait type (qt, bt)")
	fl.StringVar(&f.chr, "chr", "", "Test a single chromosome in step 2")
	fl.StringSliceVar(&f.chrList, "chr-list", nil, "Chromosomes to test in step 2, e.g. 1,2,3,X")
	fl.BoolVar(&f.printOnly, "print", false, "Print the manifest as YAML and upload nothing")
	cmd.MarkFlagRequired("bucket")

	return cmd
}

func runUpload(cmd *cobra.Command, dir string, f uploadFlags) error {
	if f.chr != "" && len(f.chrList) > 0 {
		return errors.New("cannot specify both --chr and --chr-list")
	}
	if f.traitType != string(model.TraitQuantitative) && f.traitType != string(model.TraitBinary) {
		return fmt.Errorf("--trait-type must be qt or bt, got %q", f.traitType)
	}
	files, err := datasetFiles(dir)
	if err != nil {
		return err
	}

	ts := now().Unix()
	prefix := fmt.Sprintf("%s/analysis-%d-%s", strings.Trim(f.datasetPrefix, "/"), ts, newID()[:8])
	base := storage.URI{Bucket: f.bucket, Key: prefix + "/"}
	m := buildManifest(f, fmt.Sprintf("exp-%d-%s", ts, newID()[:8]), "s3://"+f.bucket+"/"+prefix)

	out := cmd.OutOrStdout()
	if f.printOnly {
		doc, err := toYAML(m)
		if err != nil {
			return err
		}
		_, err = out.Write(doc)
		return err
	}

	objects, err := newObjectStore(cmd.Context())
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	ctx := cmd.Context()

	fmt.Fprintf(out, "Uploading %d file(s) to %s\n", len(files), base)
	for _, path := range files {
		size, err := uploadFile(ctx, objects, base.Join(filepath.Base(path)), path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s (%s)\n", filepath.Base(path), humanize.Bytes(uint64(size)))
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	loc := base.Join(manifest.FileName)
	if err := objects.Put(ctx, loc, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}

	fmt.Fprintf(out, "Manifest uploaded to %s\n", loc)
	fmt.Fprintf(out, "Experiment ID: %s\n", m.ExperimentID)
	return nil
}

// datasetFiles lists the regular files directly inside dir.
func datasetFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files in %s", dir)
	}
	return files, nil
}

func uploadFile(ctx context.Context, objects storage.ObjectStore, loc storage.URI, path string) (int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	counter := &countingReader{r: fh}
	if err := objects.Put(ctx, loc, counter, "application/octet-stream"); err != nil {
		return 0, fmt.Errorf("upload %s: %w", path, err)
	}
	logger.Debug("uploaded", "file", path, "uri", loc.String(), "bytes", counter.n)
	return counter.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func buildManifest(f uploadFlags, experimentID, s3Path string) model.Manifest {
	analysis := &model.AnalysisParams{
		TraitType: model.TraitType(f.traitType),
		BlockSize: model.Ptr(model.DefaultBlockSize),
		MinMAC:    model.Ptr(model.DefaultMinMAC),
		Threads:   model.Ptr(model.DefaultThreads),
		CVFolds:   model.Ptr(model.DefaultCVFolds),
		LowMem:    model.Ptr(model.DefaultLowMem),
	}
	if f.chr != "" {
		analysis.Chr = model.ChromosomeLabel(f.chr)
	} else if len(f.chrList) > 0 {
		analysis.ChrList = chromosomeLabels(f.chrList)
	}
	return model.Manifest{
		ExperimentID: experimentID,
		S3Path:       s3Path,
		InputData: model.InputData{
			Format:       model.Format(f.format),
			FilePrefix:   f.filePrefix,
			PhenoFile:    f.pheno,
			PhenoColumns: f.phenoColumns,
			CovarFile:    f.covar,
			CovarColumns: f.covarColumns,
		},
		AnalysisParams: analysis,
		OutputParams: &model.OutputParams{
			OutPrefix:    model.DefaultOutPrefix,
			OutputS3Path: s3Path + "/results/",
			Gz:           model.Ptr(model.DefaultGzOutput),
		},
	}
}

// toYAML renders v with its JSON field names and order.
func toYAML(v any) ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(js, &node); err != nil {
		return nil, err
	}
	blockStyle(&node)
	return yaml.Marshal(&node)
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
