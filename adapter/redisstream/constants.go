package redisstream

// Stream entry fields.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw []byte, no base64
	fieldOccurredOn = "occurredOn" // int64 ns
	fieldMetaPrefix = "meta:"
)

// Dead-letter entry fields, next to the original ones.
const (
	fieldOrigTopic  = "orig_topic"
	fieldOrigID     = "orig_id"
	fieldOrigQueue  = "orig_queue"
	fieldDeliveries = "deliveries"
)

// handleSep joins topic and stream entry id in message ids and receipt handles.
const handleSep = "|"
