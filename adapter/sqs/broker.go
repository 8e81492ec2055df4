// Package sqs provides an Amazon SNS + SQS broker for xrelay.
//
// Topics are SNS topics, queues are SQS queues subscribed to them. The
// broker name is "sns-sqs".
package sqs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"

	"github.com/trickstertwo/xrelay"
)

const BrokerName = "sns-sqs"

func init() {
	if err := xrelay.RegisterBroker(BrokerName, func(cfg map[string]any) (xrelay.Broker, error) {
		return NewBroker(context.Background(), ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register broker %q: %w", BrokerName, err))
	}
}

// SQS limits.
const (
	maxBatch    = 10
	maxWaitSecs = 20
)

// SNSAPI is the part of the SNS client the broker uses.
type SNSAPI interface {
	CreateTopic(ctx context.Context, in *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, in *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SQSAPI is the part of the SQS client the broker uses.
type SQSAPI interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, in *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type queueInfo struct {
	url string
	arn string

	mu     sync.Mutex
	topics map[string]struct{} // topic ARNs allowed by the queue policy
}

// Broker implements xrelay.Broker on SNS fanout into SQS queues.
type Broker struct {
	cfg Config
	sns SNSAPI
	sqs SQSAPI

	topics *haxmap.Map[string, string] // topic -> ARN
	queues *haxmap.Map[string, *queueInfo]

	closed atomic.Bool
}

var _ xrelay.Broker = (*Broker)(nil)

// NewBroker loads the default AWS configuration chain for cfg.Region.
func NewBroker(ctx context.Context, cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewBrokerFromClients(snsClient, sqsClient, cfg), nil
}

// NewBrokerFromClients wraps ready clients.
func NewBrokerFromClients(snsClient SNSAPI, sqsClient SQSAPI, cfg Config) *Broker {
	return &Broker{
		cfg:    cfg,
		sns:    snsClient,
		sqs:    sqsClient,
		topics: haxmap.New[string, string](),
		queues: haxmap.New[string, *queueInfo](),
	}
}

// EnsureTopic creates the SNS topic. CreateTopic is idempotent.
func (b *Broker) EnsureTopic(ctx context.Context, topic string) error {
	_, err := b.topicARN(ctx, topic)
	return err
}

func (b *Broker) topicARN(ctx context.Context, topic string) (string, error) {
	if topic == "" {
		return "", xrelay.ErrInvalidTopic
	}
	if b.closed.Load() {
		return "", xrelay.ErrRelayClosed
	}
	if arn, ok := b.topics.Get(topic); ok {
		return arn, nil
	}
	out, err := b.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(b.cfg.NamePrefix + topic)})
	if err != nil {
		return "", fmt.Errorf("sqs: create topic %s: %w", topic, err)
	}
	arn := aws.ToString(out.TopicArn)
	b.topics.Set(topic, arn)
	return arn, nil
}

// ensureQueue creates the queue and resolves its ARN.
func (b *Broker) ensureQueue(ctx context.Context, queue string) (*queueInfo, error) {
	if q, ok := b.queues.Get(queue); ok {
		return q, nil
	}
	created, err := b.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(b.cfg.NamePrefix + queue),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(b.cfg.VisibilityTimeout / time.Second)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: create queue %s: %w", queue, err)
	}
	url := aws.ToString(created.QueueUrl)
	attrs, err := b.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: queue arn %s: %w", queue, err)
	}
	q := &queueInfo{
		url:    url,
		arn:    attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)],
		topics: map[string]struct{}{},
	}
	q, _ = b.queues.GetOrCompute(queue, func() *queueInfo { return q })
	return q, nil
}

// queueURL resolves a queue that this process did not subscribe.
func (b *Broker) queueURL(ctx context.Context, queue string) (string, error) {
	if q, ok := b.queues.Get(queue); ok {
		return q.url, nil
	}
	out, err := b.sqs.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(b.cfg.NamePrefix + queue)})
	if err != nil {
		var missing *sqstypes.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", fmt.Errorf("%w: %s", xrelay.ErrInvalidQueue, queue)
		}
		return "", err
	}
	url := aws.ToString(out.QueueUrl)
	b.queues.Set(queue, &queueInfo{url: url, topics: map[string]struct{}{}})
	return url, nil
}

// Subscribe creates the queue, allows the topic to send to it and
// subscribes it to the topic.
func (b *Broker) Subscribe(ctx context.Context, queue, topic string) error {
	if queue == "" {
		return xrelay.ErrInvalidQueue
	}
	topicArn, err := b.topicARN(ctx, topic)
	if err != nil {
		return err
	}
	q, err := b.ensureQueue(ctx, queue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.topics[topicArn] = struct{}{}
	policy, err := queuePolicy(q.arn, q.topics)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := b.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(q.url),
		Attributes: map[string]string{string(sqstypes.QueueAttributeNamePolicy): policy},
	}); err != nil {
		return fmt.Errorf("sqs: queue policy %s: %w", queue, err)
	}

	in := &sns.SubscribeInput{
		TopicArn:              aws.String(topicArn),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(q.arn),
		ReturnSubscriptionArn: true,
	}
	if b.cfg.RawMessageDelivery {
		in.Attributes = map[string]string{"RawMessageDelivery": "true"}
	}
	if _, err := b.sns.Subscribe(ctx, in); err != nil {
		return fmt.Errorf("sqs: subscribe %s to %s: %w", queue, topic, err)
	}
	return nil
}

// queuePolicy lets every subscribed topic send to the queue.
func queuePolicy(queueArn string, topics map[string]struct{}) (string, error) {
	arns := make([]string, 0, len(topics))
	for arn := range topics {
		arns = append(arns, arn)
	}
	sort.Strings(arns)

	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Sid":       "xrelay-sns-fanout",
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueArn,
			"Condition": map[string]any{
				"ArnEquals": map[string]any{"aws:SourceArn": arns},
			},
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Publish sends msg to the SNS topic. Attributes travel as SNS message
// attributes; empty values are skipped since SNS rejects them.
func (b *Broker) Publish(ctx context.Context, topic string, msg *xrelay.OutboundMessage) (string, error) {
	arn, err := b.topicARN(ctx, topic)
	if err != nil {
		return "", err
	}
	attrs := make(map[string]snstypes.MessageAttributeValue, len(msg.Attributes))
	for k, v := range msg.Attributes {
		if v == "" {
			continue
		}
		attrs[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	out, err := b.sns.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(arn),
		Message:           aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls the queue. max is capped at 10 and wait at 20s.
func (b *Broker) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*xrelay.Envelope, error) {
	if b.closed.Load() {
		return nil, xrelay.ErrRelayClosed
	}
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}
	if max > maxBatch {
		max = maxBatch
	}
	waitSecs := int32(wait / time.Second)
	if waitSecs > maxWaitSecs {
		waitSecs = maxWaitSecs
	}

	out, err := b.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       waitSecs,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, err
	}

	envs := make([]*xrelay.Envelope, 0, len(out.Messages))
	for _, m := range out.Messages {
		envs = append(envs, toEnvelope(queue, m))
	}
	return envs, nil
}

// Delete removes a received message from the queue.
func (b *Broker) Delete(ctx context.Context, queue, handle string) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = b.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(handle),
	})
	return err
}

// Close marks the broker closed. AWS clients hold no connections to release.
func (b *Broker) Close(context.Context) error {
	b.closed.Store(true)
	return nil
}
