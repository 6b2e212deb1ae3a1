package queue

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSQueue is the production Queue backed by Amazon SQS.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSQueue builds an SQS-backed Queue. When queueURL looks like a local
// development endpoint (LocalStack-shaped), static development credentials
// and a base-endpoint override are used; otherwise the ambient credential
// chain (IAM role, environment, shared config) is used — hardcoded
// production credentials are never accepted here (§6 environment
// configuration contract).
func NewSQSQueue(ctx context.Context, queueURL, region string, isLocal bool) (*SQSQueue, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))
	if isLocal {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for SQS: %w", err)
	}

	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if isLocal {
			if ep, err := endpointRoot(queueURL); err == nil {
				o.BaseEndpoint = aws.String(ep)
			}
		}
	})

	return &SQSQueue{client: client, queueURL: queueURL}, nil
}

// endpointRoot returns the scheme://host[:port] portion of a queue URL, so
// the client can target the LocalStack endpoint root rather than the
// specific queue resource path.
func endpointRoot(queueURL string) (string, error) {
	u, err := url.Parse(queueURL)
	if err != nil {
		return "", fmt.Errorf("parsing queue URL: %w", err)
	}
	u.Path = ""
	return u.String(), nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, msg Message) error {
	body, err := marshal(msg)
	if err != nil {
		return err
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("sending SQS message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int32, waitTime time.Duration) ([]Envelope, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     int32(waitTime.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("receiving SQS messages: %w", err)
	}

	envs := make([]Envelope, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg, err := unmarshal(aws.ToString(m.Body))
		if err != nil {
			// A malformed message will never become parseable by
			// redelivery; skip it rather than wedge the loop, leaving it
			// for the queue's own dead-letter policy.
			continue
		}
		envs = append(envs, Envelope{Message: msg, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}
	return envs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deleting SQS message: %w", err)
	}
	return nil
}

func (q *SQSQueue) ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(d.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("extending SQS message visibility: %w", err)
	}
	return nil
}

// Ping performs a trivial GetQueueAttributes call to confirm the queue is
// reachable, for /readyz probing.
func (q *SQSQueue) Ping(ctx context.Context) error {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("pinging SQS queue: %w", err)
	}
	return nil
}
