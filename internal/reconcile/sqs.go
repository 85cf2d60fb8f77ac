package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSForwarder is a Handler that hands entries to an external job over SQS.
type SQSForwarder struct {
	client   sqsAPI
	queueURL string
}

// NewSQSForwarder wraps an SQS client.
func NewSQSForwarder(client *sqs.Client, queueURL string) *SQSForwarder {
	if client == nil {
		panic("reconcile: SQS client cannot be nil")
	}
	return newSQSForwarder(client, queueURL)
}

func newSQSForwarder(client sqsAPI, queueURL string) *SQSForwarder {
	if queueURL == "" {
		panic("reconcile: SQS queueURL cannot be empty")
	}
	return &SQSForwarder{client: client, queueURL: queueURL}
}

func (f *SQSForwarder) Handle(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("reconcile: marshal entry: %w", err)
	}
	_, err = f.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("reconcile: failed to send SQS message: %w", err)
	}
	return nil
}

// SQSConsumer receives forwarded entries and replays them.
type SQSConsumer struct {
	client      sqsAPI
	queueURL    string
	handler     Handler
	logger      *logging.Logger
	maxMessages int32
	waitSeconds int32
}

func NewSQSConsumer(client *sqs.Client, queueURL string, handler Handler, logger *logging.Logger) *SQSConsumer {
	if client == nil {
		panic("reconcile: SQS client cannot be nil")
	}
	return newSQSConsumer(client, queueURL, handler, logger)
}

func newSQSConsumer(client sqsAPI, queueURL string, handler Handler, logger *logging.Logger) *SQSConsumer {
	if queueURL == "" {
		panic("reconcile: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SQSConsumer{
		client:      client,
		queueURL:    queueURL,
		handler:     handler,
		logger:      logger.Component("reconcile-sqs"),
		maxMessages: 10,
		waitSeconds: 20,
	}
}

// Run long-polls until ctx is done.
func (c *SQSConsumer) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs poll failed", "error", err)
		}
	}
}

// Poll receives one batch. Messages are deleted once handled; failed ones
// become visible again after the queue's visibility timeout.
func (c *SQSConsumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile: failed to receive SQS messages: %w", err)
	}
	handled := 0
	for _, msg := range out.Messages {
		var entry Entry
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &entry); err != nil {
			c.logger.Error("discarding malformed replay message", "error", err, "message_id", aws.ToString(msg.MessageId))
			c.delete(ctx, msg.ReceiptHandle)
			continue
		}
		if err := c.handler.Handle(ctx, entry); err != nil {
			if errors.Is(err, ErrDrop) {
				c.logger.Warn("replay dropped", "error", err, "appointment_id", entry.AppointmentID)
				c.delete(ctx, msg.ReceiptHandle)
				continue
			}
			c.logger.Error("replay from sqs failed", "error", err, "appointment_id", entry.AppointmentID)
			continue
		}
		c.delete(ctx, msg.ReceiptHandle)
		handled++
	}
	return handled, nil
}

func (c *SQSConsumer) delete(ctx context.Context, receiptHandle *string) {
	if aws.ToString(receiptHandle) == "" {
		return
	}
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	}); err != nil {
		c.logger.Error("failed to delete SQS message", "error", err)
	}
}
