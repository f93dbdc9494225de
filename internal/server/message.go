package server

// Message represents an outgoing JSON message sent to the socket client.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessage creates a new structured Message.
func NewMessage(msgType string, payload interface{}) Message {
	return Message{Type: msgType, Payload: payload}
}

// Outgoing message types.
const (
	MsgWelcome       = "welcome"
	MsgState         = "state"
	MsgDeviceStatus  = "device_status"
	MsgPatternStatus = "pattern_status"
	MsgError         = "error"
	MsgResult        = "result"
)

// WelcomePayload is sent once after a client is accepted.
type WelcomePayload struct {
	Session   string      `json:"session"`
	State     interface{} `json:"state"`
	Connected bool        `json:"connected"`
	Pattern   string      `json:"pattern"`
}

// ErrorPayload reports a rejected or failed command.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ResultPayload acknowledges a dispatched command. Value is set for commands
// that return data, such as a new schedule id or the schedule list.
type ResultPayload struct {
	Command string      `json:"command"`
	OK      bool        `json:"ok"`
	Value   interface{} `json:"value,omitempty"`
}
