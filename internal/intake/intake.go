// Package intake turns queue messages into workflow activity: manifest
// uploads start workflows, job state events feed the tracker.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/me/gowas/internal/manifest"
	"github.com/me/gowas/internal/observability"
	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/pkg/model"
)

// Record is one queue message.
type Record struct {
	MessageID     string `json:"messageId"`
	ReceiptHandle string `json:"receiptHandle,omitempty"`
	Body          string `json:"body"`
}

// snsEnvelope is the wrapper SNS puts around messages it fans out to SQS.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// s3Event is an S3 event notification.
type s3Event struct {
	Records []s3EventRecord `json:"Records"`
}

type s3EventRecord struct {
	S3 *struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// Result is the outcome of one manifest.
type Result struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	WorkflowID   string `json:"workflowId,omitempty"`
	ExecutionArn string `json:"executionArn,omitempty"`
	ManifestFile string `json:"manifestFile,omitempty"`
}

// Counts totals a batch of results.
type Counts struct {
	TotalProcessed int `json:"totalProcessed"`
	SuccessCount   int `json:"successCount"`
	FailureCount   int `json:"failureCount"`
}

// Summary is the outcome of ProcessRecords.
type Summary struct {
	ProcessingResults []Result `json:"processingResults"`
	Summary           Counts   `json:"summary"`
}

// Starter launches a workflow for validated input and returns an execution
// identifier.
type Starter interface {
	Start(ctx context.Context, input model.WorkflowInput, executionName string) (string, error)
}

// Processor handles manifest upload notifications.
type Processor struct {
	objects   storage.ObjectStore
	validator *manifest.Validator
	starter   Starter
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(objects storage.ObjectStore, validator *manifest.Validator, starter Starter, logger *slog.Logger) *Processor {
	return &Processor{
		objects:   objects,
		validator: validator,
		starter:   starter,
		logger:    logger.With("component", "intake"),
		now:       time.Now,
	}
}

// ProcessRecords handles every manifest referenced by records. Keys that do
// not name a manifest are skipped. One failing manifest never stops the rest.
func (p *Processor) ProcessRecords(ctx context.Context, records []Record) Summary {
	ctx, span := observability.StartSpan(ctx, "intake.process_records",
		observability.AttrRecordCount.Int(len(records)))
	defer span.End()

	results := []Result{}
	for _, rec := range records {
		results = append(results, p.processRecord(ctx, rec)...)
	}

	var counts Counts
	for _, r := range results {
		if r.Success {
			counts.SuccessCount++
		}
	}
	counts.TotalProcessed = len(results)
	counts.FailureCount = counts.TotalProcessed - counts.SuccessCount
	p.logger.Info("manifest records processed",
		"records", len(records),
		"total", counts.TotalProcessed,
		"success", counts.SuccessCount,
		"failure", counts.FailureCount,
	)
	return Summary{ProcessingResults: results, Summary: counts}
}

// HandleRecord processes one message for the Poller. Manifest rejections are
// reported through the logs; the message is always consumed.
func (p *Processor) HandleRecord(ctx context.Context, rec Record) error {
	p.ProcessRecords(ctx, []Record{rec})
	return nil
}

func (p *Processor) processRecord(ctx context.Context, rec Record) []Result {
	body := []byte(rec.Body)

	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		msg := fmt.Sprintf("Error parsing SQS message: %v", err)
		p.logger.Error(msg, "message_id", rec.MessageID)
		return []Result{{Error: msg}}
	}
	if env.Type == "Notification" {
		body = []byte(env.Message)
	}

	var event s3Event
	if err := json.Unmarshal(body, &event); err != nil {
		msg := fmt.Sprintf("Error parsing SQS message: %v", err)
		p.logger.Error(msg, "message_id", rec.MessageID)
		return []Result{{Error: msg}}
	}

	var results []Result
	for _, r := range event.Records {
		if r.S3 == nil {
			continue
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		if !manifest.IsManifestFile(key) {
			p.logger.Debug("skipping non-manifest object", "bucket", r.S3.Bucket.Name, "key", key)
			continue
		}
		results = append(results, p.handleManifest(ctx, storage.URI{Bucket: r.S3.Bucket.Name, Key: key}))
	}
	return results
}

// handleManifest validates one manifest and starts its workflow.
func (p *Processor) handleManifest(ctx context.Context, loc storage.URI) Result {
	ctx, span := observability.StartSpan(ctx, "intake.manifest",
		observability.AttrManifestKey.String(loc.String()))
	defer span.End()

	fail := func(msg string) Result {
		p.logger.Error(msg, "manifest", loc.String())
		span.SetStatus(codes.Error, msg)
		return Result{Error: msg, ManifestFile: loc.String()}
	}
	p.logger.Info("processing manifest file", "manifest", loc.String())

	raw, err := p.read(ctx, loc)
	if err != nil {
		return fail(fmt.Sprintf("Error processing manifest: %v", err))
	}

	m, err := p.validator.Parse(raw)
	if err != nil {
		var merr *manifest.Error
		if errors.As(err, &merr) && merr.Malformed {
			return fail(merr.Reason)
		}
		return fail(fmt.Sprintf("Manifest validation failed: %v", err))
	}

	if err := p.validator.ValidateFilesExist(ctx, m); err != nil {
		return fail(fmt.Sprintf("File validation failed: %v", err))
	}

	input, workflowID := p.validator.PrepareWorkflowInput(m)
	executionName := fmt.Sprintf("%s-%d", workflowID, p.now().Unix())
	arn, err := p.starter.Start(ctx, input, executionName)
	if err != nil {
		return fail(fmt.Sprintf("Error starting workflow: %v", err))
	}

	p.logger.Info("workflow started",
		"workflow_id", workflowID,
		"experiment_id", m.ExperimentID,
		"s3_path", m.S3Path,
		"execution", arn,
	)
	return Result{Success: true, WorkflowID: workflowID, ExecutionArn: arn, ManifestFile: loc.String()}
}

func (p *Processor) read(ctx context.Context, loc storage.URI) ([]byte, error) {
	rc, err := p.objects.Get(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
