package redisstream

// Stream entry fields.
const (
	fieldID         = "id"
	fieldType       = "type"
	fieldData       = "data" // raw payload bytes
	fieldSentAt     = "sentAt"
	fieldAttrPrefix = "attr:"

	// dead-letter only
	fieldOrigTopic = "orig_topic"
	fieldOrigID    = "orig_id"
	fieldError     = "error"
)
