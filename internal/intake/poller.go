package intake

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// QueueAPI is the subset of the SQS client used by Poller.
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one message. A nil error deletes the message; otherwise
// it becomes visible again after the queue's visibility timeout.
type Handler interface {
	HandleRecord(ctx context.Context, rec Record) error
}

// PollerConfig tunes long polling.
type PollerConfig struct {
	QueueURL     string
	WaitSeconds  int32         // At most 20
	MaxMessages  int32         // At most 10
	ErrorBackoff time.Duration // Pause after a failed receive
}

// Poller long-polls an SQS queue and hands each message to a Handler.
type Poller struct {
	client  QueueAPI
	handler Handler
	cfg     PollerConfig
	logger  *slog.Logger
}

// NewPoller creates a Poller. Zero config values get SQS-friendly defaults.
func NewPoller(client QueueAPI, handler Handler, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.WaitSeconds <= 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = 20
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Poller{
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "poller", "queue", cfg.QueueURL),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started")
	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("receive failed", "error", err)
			if sleepInterruptibly(ctx, p.cfg.ErrorBackoff) {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	p.logger.Info("poller stopped")
}

// PollOnce receives one batch, handles it and deletes the handled messages.
// It returns how many messages were deleted.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.cfg.QueueURL),
		MaxNumberOfMessages: p.cfg.MaxMessages,
		WaitTimeSeconds:     p.cfg.WaitSeconds,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, msg := range out.Messages {
		rec := Record{
			MessageID:     aws.ToString(msg.MessageId),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
			Body:          aws.ToString(msg.Body),
		}
		if err := p.handler.HandleRecord(ctx, rec); err != nil {
			p.logger.Warn("message left for redelivery", "message_id", rec.MessageID, "error", err)
			continue
		}
		if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(p.cfg.QueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			// Non-critical: the message is redelivered and handled again.
			p.logger.Warn("failed to remove message from the queue", "message_id", rec.MessageID, "error", err)
			continue
		}
		deleted++
	}
	if len(out.Messages) > 0 {
		p.logger.Debug("batch handled", "received", len(out.Messages), "deleted", deleted)
	}
	return deleted, nil
}

// sleepInterruptibly waits for d and reports whether ctx ended first.
func sleepInterruptibly(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
