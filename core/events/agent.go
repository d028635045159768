package events

const (
	// KindThought identifies disclosed reasoning.
	KindThought Kind = "agent.thought"
	// KindToolCall identifies a tool invocation.
	KindToolCall Kind = "agent.tool_call"
	// KindToolResult identifies the outcome of a tool invocation.
	KindToolResult Kind = "agent.tool_result"
	// KindSpeakableToken identifies speakable text.
	KindSpeakableToken Kind = "agent.speakable_token"
)

// AgentEvent is a single event of the agent workflow.
type AgentEvent struct {
	Base
	// Name is the producer for thoughts (e.g. "planner") and the tool name
	// for tool calls and results.
	Name string
	// CallID pairs tool calls with their results.
	CallID string
	// Payload is the thought text, the tool arguments, the tool result or the
	// speakable text depending on the kind.
	Payload string
	// Failed is set on tool results that did not produce a result.
	Failed bool
	// IsFinal marks the last speakable token of the turn.
	IsFinal bool
	// Err is the upstream failure behind a failed tool result, or the one
	// that degraded the turn when set on the final token.
	Err error
}

func NewThought(turnID TurnID, name, content string) AgentEvent {
	return AgentEvent{Base: NewBase(KindThought, turnID), Name: name, Payload: content}
}

func NewToolCall(turnID TurnID, callID, name, arguments string) AgentEvent {
	return AgentEvent{Base: NewBase(KindToolCall, turnID), CallID: callID, Name: name, Payload: arguments}
}

func NewToolResult(turnID TurnID, callID, name, result string) AgentEvent {
	return AgentEvent{Base: NewBase(KindToolResult, turnID), CallID: callID, Name: name, Payload: result}
}

// NewToolFailure creates a tool result event for a tool call that failed.
func NewToolFailure(turnID TurnID, callID, name string, err error) AgentEvent {
	return AgentEvent{Base: NewBase(KindToolResult, turnID), CallID: callID, Name: name, Payload: err.Error(), Failed: true, Err: err}
}

func NewSpeakableToken(turnID TurnID, text string) AgentEvent {
	return AgentEvent{Base: NewBase(KindSpeakableToken, turnID), Payload: text}
}

// NewFinalToken creates the terminal speakable token of a turn. err is nil
// unless the turn had to fall back after an upstream failure.
func NewFinalToken(turnID TurnID, text string, err error) AgentEvent {
	return AgentEvent{Base: NewBase(KindSpeakableToken, turnID), Payload: text, IsFinal: true, Err: err}
}
