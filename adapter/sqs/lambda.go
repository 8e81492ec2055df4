package sqs

import (
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"github.com/trickstertwo/xrelay"
)

// ParseEventFromSNS deserializes an SNS push delivery (HTTP endpoint or a
// notification forwarded as is). Payloads that are not an SNS notification
// are handed to the serializer unchanged.
func ParseEventFromSNS(s *xrelay.Serializer, raw []byte) (xrelay.Event, error) {
	if msg, _, ok := unwrapNotification(raw); ok {
		raw = msg
	}
	return s.Deserialize(raw)
}

// ParseSNSRecord deserializes the message of one Lambda SNS record.
func ParseSNSRecord(s *xrelay.Serializer, rec events.SNSEventRecord) (xrelay.Event, error) {
	ev, err := s.Deserialize([]byte(rec.SNS.Message))
	if err != nil {
		return nil, fmt.Errorf("sns message %s: %w", rec.SNS.MessageID, err)
	}
	return ev, nil
}

// ParseSNSEvent deserializes every record of a Lambda SNS event. Records that
// fail are skipped and their errors joined.
func ParseSNSEvent(s *xrelay.Serializer, ev events.SNSEvent) ([]xrelay.Event, error) {
	out := make([]xrelay.Event, 0, len(ev.Records))
	var errs []error
	for _, rec := range ev.Records {
		e, err := ParseSNSRecord(s, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}
