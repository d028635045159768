// Package protocol defines the messages exchanged with a voice client over a
// websocket. Control and notification messages are JSON text frames; speech
// travels in binary frames prefixed with a fixed header.
package protocol

type MessageType string

// Client to server.
const (
	TypeStartRecording MessageType = "start_recording"
	TypeStopRecording  MessageType = "stop_recording"
	TypeTextInput      MessageType = "text_input"
	TypeInterrupt      MessageType = "interrupt"
)

// Server to client.
const (
	TypeUserPartial  MessageType = "chat_user_temp"
	TypeUserFinal    MessageType = "chat_user"
	TypeAgentStart   MessageType = "chat_agent_start"
	TypeAgentStream  MessageType = "chat_agent_stream"
	TypeThought      MessageType = "thought"
	TypeStatus       MessageType = "status"
	TypeStopPlayback MessageType = "stop_playback"
	TypeMetrics      MessageType = "metrics"
	TypeTurnEnd      MessageType = "turn_end"
	TypeError        MessageType = "error"
)

// Status values carried by TypeStatus messages.
const (
	StatusIdle        = "idle"
	StatusListening   = "listening"
	StatusRecognizing = "recognizing"
	StatusThinking    = "thinking"
	StatusSpeaking    = "speaking"
)

// Turn end reasons.
const (
	EndReasonCompleted       = "completed"
	EndReasonInterrupted     = "interrupted"
	EndReasonUpstreamTimeout = "upstream_timeout"
	EndReasonUpstreamError   = "upstream_error"
)

// Message is the flat JSON shape of every text frame. Fields not relevant to
// the message type are omitted.
type Message struct {
	Type MessageType `json:"type"`
	// TurnID tags every server message with the turn it belongs to so the
	// client can discard stale ones. Zero means the message is not turn bound.
	TurnID uint64 `json:"turn_id"`

	Text    string `json:"text,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	State   string `json:"state,omitempty"`

	Latency   string   `json:"latency,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	TTFTMs    *float64 `json:"ttft_ms,omitempty"`
	TTFAMs    *float64 `json:"ttfa_ms,omitempty"`

	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}
