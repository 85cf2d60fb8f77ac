package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

type fakeSQS struct {
	sent     []string
	inbox    []types.Message
	deleted  []string
	sendErr  error
	recvErr  error
	queueURL string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.queueURL = aws.ToString(in.QueueUrl)
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	msgs := f.inbox
	f.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSForwarder(t *testing.T) {
	fake := &fakeSQS{}
	fwd := newSQSForwarder(fake, "https://sqs.sa-east-1.amazonaws.com/123/agenda-replay")

	entry := Entry{ID: uuid.New(), AppointmentID: "appt-1", Operation: OpMirror, Reason: "connection reset"}
	require.NoError(t, fwd.Handle(context.Background(), entry))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "https://sqs.sa-east-1.amazonaws.com/123/agenda-replay", fake.queueURL)

	var decoded Entry
	require.NoError(t, json.Unmarshal([]byte(fake.sent[0]), &decoded))
	assert.Equal(t, entry.ID, decoded.ID)
	assert.Equal(t, OpMirror, decoded.Operation)

	fake.sendErr = errors.New("throttled")
	assert.Error(t, fwd.Handle(context.Background(), entry))
}

func TestSQSConsumerPoll(t *testing.T) {
	good, _ := json.Marshal(Entry{ID: uuid.New(), AppointmentID: "ok", Operation: OpCreate})
	failing, _ := json.Marshal(Entry{ID: uuid.New(), AppointmentID: "fail", Operation: OpCreate})
	dropped, _ := json.Marshal(Entry{ID: uuid.New(), AppointmentID: "drop", Operation: OpCancel})
	fake := &fakeSQS{inbox: []types.Message{
		{Body: aws.String(string(good)), ReceiptHandle: aws.String("r-ok")},
		{Body: aws.String(string(failing)), ReceiptHandle: aws.String("r-fail")},
		{Body: aws.String(string(dropped)), ReceiptHandle: aws.String("r-drop")},
		{Body: aws.String("not json"), ReceiptHandle: aws.String("r-bad")},
	}}

	var seen []string
	consumer := newSQSConsumer(fake, "queue", HandlerFunc(func(_ context.Context, e Entry) error {
		seen = append(seen, e.AppointmentID)
		switch e.AppointmentID {
		case "fail":
			return errors.New("erp unavailable")
		case "drop":
			return ErrDrop
		}
		return nil
	}), logging.Discard())

	handled, err := consumer.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []string{"ok", "fail", "drop"}, seen)
	assert.Equal(t, []string{"r-ok", "r-drop", "r-bad"}, fake.deleted)

	fake.recvErr = errors.New("network")
	_, err = consumer.Poll(context.Background())
	assert.Error(t, err)
}
