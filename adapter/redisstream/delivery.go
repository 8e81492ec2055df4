package redisstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xrelay"
)

// decodeEntry turns a stream entry into an envelope for queue.
func decodeEntry(queue, topic string, m redis.XMessage, deliveries int) *xrelay.Envelope {
	handle := topic + handleSep + m.ID
	env := &xrelay.Envelope{
		MessageID:     handle,
		ReceiptHandle: handle,
		ReceiveCount:  deliveries,
		Queue:         queue,
		Attributes:    make(map[string]string),
	}

	if v, ok := m.Values[fieldName]; ok {
		env.EventTypeName = asString(v)
	}
	if v, ok := m.Values[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			env.Body = p
		case string:
			env.Body = []byte(p)
		}
	}
	if v := m.Values[fieldOccurredOn]; v != nil {
		if ns, ok := toInt64(v); ok && ns > 0 {
			env.OccurredOn = time.Unix(0, ns).UTC()
		}
	}

	for k, v := range m.Values {
		if name, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			env.Attributes[name] = asString(v)
		}
	}
	// The publisher id rides in its own field; an explicit attribute wins.
	if id, ok := m.Values[fieldID]; ok && env.Attributes[xrelay.AttrMessageID] == "" {
		env.Attributes[xrelay.AttrMessageID] = asString(id)
	}
	return env
}

// parseHandle splits "topic|entry-id". Entry ids never contain the separator.
func parseHandle(handle string) (topic, id string, ok bool) {
	i := strings.LastIndex(handle, handleSep)
	if i <= 0 || i == len(handle)-1 {
		return "", "", false
	}
	return handle[:i], handle[i+1:], true
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
