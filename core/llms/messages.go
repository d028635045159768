package llms

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single message of a chat completion request.
type Message struct {
	Role    Role
	Content string
	// ToolCalls are the calls requested by an assistant message.
	ToolCalls []ToolCall
	// ToolCallID is set on RoleTool messages and names the call they answer.
	ToolCallID string
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResultMessage answers the tool call identified by callID.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Exchange is one completed user/assistant round of a conversation.
type Exchange struct {
	User      string
	Assistant string
}

// ToMessages flattens exchanges into alternating user and assistant messages.
// Exchanges the assistant never answered only contribute the user message.
func ToMessages(exchanges []Exchange) []Message {
	messages := make([]Message, 0, len(exchanges)*2)
	for _, exchange := range exchanges {
		messages = append(messages, UserMessage(exchange.User))
		if exchange.Assistant != "" {
			messages = append(messages, AssistantMessage(exchange.Assistant))
		}
	}
	return messages
}

// Response is a complete, non-streamed model answer.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}
