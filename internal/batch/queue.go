package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/me/gowas/pkg/model"
)

// SendAPI is the subset of the SQS client used by QueueSubmitter.
type SendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// QueueSubmitter relays submissions as JSON messages onto an SQS queue read
// by the batch bridge. Completion comes back as job events, so Status never
// advances a job on its own.
type QueueSubmitter struct {
	client   SendAPI
	queueURL string
	logger   *slog.Logger
}

// NewQueueSubmitter creates a QueueSubmitter sending to queueURL.
func NewQueueSubmitter(client SendAPI, queueURL string, logger *slog.Logger) *QueueSubmitter {
	return &QueueSubmitter{
		client:   client,
		queueURL: queueURL,
		logger:   logger.With("component", "queue-submitter"),
	}
}

// Submit sends the submission and returns the SQS message ID.
func (q *QueueSubmitter) Submit(ctx context.Context, sub Submission) (string, error) {
	if len(sub.Command) == 0 {
		return "", fmt.Errorf("%w: Command cannot be empty", model.ErrMissingParameter)
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("encode submission %s: %w", sub.JobName, err)
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"workflowId": {DataType: aws.String("String"), StringValue: aws.String(sub.WorkflowID)},
			"jobId":      {DataType: aws.String("String"), StringValue: aws.String(sub.JobID)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("error sending job %s to queue %q: %w", sub.JobName, q.queueURL, err)
	}
	id := aws.ToString(out.MessageId)
	if id == "" {
		return "", errors.New("queue returned no message id")
	}
	q.logger.Info("job queued", "job_id", sub.JobID, "workflow_id", sub.WorkflowID, "message_id", id)
	return id, nil
}

// Status always reports RUNNING; the job event intake moves queued jobs on.
func (q *QueueSubmitter) Status(context.Context, string) (model.JobStatus, string, error) {
	return model.JobStatusRunning, "", nil
}
