package pusher

import "encoding/json"

// Protocol event names.
const (
	evConnectionEstablished = "pusher:connection_established"
	evError                 = "pusher:error"
	evPing                  = "pusher:ping"
	evPong                  = "pusher:pong"
	evSubscribe             = "pusher:subscribe"
	evUnsubscribe           = "pusher:unsubscribe"
)

// frame is the wire envelope in both directions.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// establishedPayload is the data of pusher:connection_established.
type establishedPayload struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// errorPayload is the data of pusher:error.
type errorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// subscribePayload is the data of pusher:subscribe.
type subscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// unsubscribePayload is the data of pusher:unsubscribe.
type unsubscribePayload struct {
	Channel string `json:"channel"`
}

// decodeData unmarshals an event payload. The protocol double-encodes some
// payloads as a JSON string containing JSON, so try that form first.
func decodeData(raw json.RawMessage, v any) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.Unmarshal([]byte(s), v)
	}
	return json.Unmarshal(raw, v)
}
