// Package telephony implements the Twilio Media Streams wire protocol: JSON
// text frames discriminated by an "event" field, carrying base64 mu-law
// audio at 8 kHz mono.
package telephony

// Frame is one inbound or outbound media-stream message. Only the payload
// matching Event is populated.
type Frame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// StartPayload carries the call identifiers and the custom parameters set by
// the TwiML <Stream> verb.
type StartPayload struct {
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaPayload carries one base64-encoded mu-law chunk.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// MarkPayload names a playback milestone. Outbound marks are echoed back by
// the peer once the audio queued before them has been played out.
type MarkPayload struct {
	Name string `json:"name"`
}
