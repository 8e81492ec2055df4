package sqs

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/tidwall/gjson"

	"github.com/trickstertwo/xrelay"
)

// toEnvelope converts an SQS message, unwrapping the SNS notification
// envelope when the subscription is not raw.
func toEnvelope(queue string, m sqstypes.Message) *xrelay.Envelope {
	env := &xrelay.Envelope{
		MessageID:     aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Queue:         queue,
		Attributes:    make(map[string]string, len(m.MessageAttributes)),
	}

	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			env.Attributes[k] = *v.StringValue
		}
	}
	if n, err := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		env.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		env.OccurredOn = time.UnixMilli(ms).UTC()
	}

	body := []byte(aws.ToString(m.Body))
	if msg, attrs, ok := unwrapNotification(body); ok {
		body = msg
		for k, v := range attrs {
			env.Attributes[k] = v
		}
	}
	env.Body = body
	env.EventTypeName = env.Attributes[xrelay.AttrEventTypeName]
	return env
}

// unwrapNotification extracts Message and MessageAttributes from an SNS
// notification document. ok is false for anything else.
func unwrapNotification(body []byte) (msg []byte, attrs map[string]string, ok bool) {
	if !gjson.ValidBytes(body) {
		return nil, nil, false
	}
	doc := gjson.ParseBytes(body)
	if doc.Get("Type").String() != "Notification" {
		return nil, nil, false
	}
	message := doc.Get("Message")
	if !message.Exists() || message.Type != gjson.String {
		return nil, nil, false
	}

	attrs = map[string]string{}
	doc.Get("MessageAttributes").ForEach(func(key, value gjson.Result) bool {
		attrs[key.String()] = value.Get("Value").String()
		return true
	})
	return []byte(message.String()), attrs, true
}
