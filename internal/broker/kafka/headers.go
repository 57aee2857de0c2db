package kafka

import (
	"strings"

	"evalbus/internal/broker"
)

// Record header names carrying the envelope.
const (
	headerMessageID     = "evalbus-message-id"
	headerCorrelationID = "evalbus-correlation-id"
	headerGroupID       = "evalbus-group-id"
	headerJobID         = "evalbus-job-id"
	headerConsumerID    = "evalbus-consumer-id"
	headerDeadLetterErr = "evalbus-dead-letter-error"
	propertyPrefix      = "evalbus-prop-"
)

func toHeaders(msg *broker.Message) map[string]string {
	h := map[string]string{
		headerMessageID:     msg.MessageID,
		headerCorrelationID: msg.CorrelationID,
	}
	for k, v := range map[string]string{
		headerGroupID:    msg.GroupID,
		headerJobID:      msg.JobID,
		headerConsumerID: msg.ConsumerID,
	} {
		if v != "" {
			h[k] = v
		}
	}
	for k, v := range msg.Properties {
		h[propertyPrefix+k] = v
	}
	return h
}

func fromHeaders(dest broker.Destination, headers map[string]string, body []byte) *broker.Message {
	msg := &broker.Message{
		Destination:   dest,
		MessageID:     headers[headerMessageID],
		CorrelationID: headers[headerCorrelationID],
		GroupID:       headers[headerGroupID],
		JobID:         headers[headerJobID],
		ConsumerID:    headers[headerConsumerID],
		Body:          body,
	}
	for k, v := range headers {
		if name, ok := strings.CutPrefix(k, propertyPrefix); ok {
			if msg.Properties == nil {
				msg.Properties = make(map[string]string)
			}
			msg.Properties[name] = v
		}
	}
	return msg
}
