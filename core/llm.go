package orchestration

import (
	"context"
	"iter"
	"strings"

	"github.com/koscakluka/ema-voice/core/llms"
)

// ChatModel is the LLM client the planner and talker run on.
type ChatModel interface {
	Complete(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (llms.Response, error)
	Stream(ctx context.Context, messages []llms.Message) iter.Seq2[string, error]
}

const plannerPrompt = `你是 VoiceAgent 的核心规划师 (Planner)。
你的职责是根据用户需求，调度工具 (ask_weather, ask_schedule) 并生成逻辑清晰、信息准确的回复。

## 输出
- 保证内容的准确性和完整性。

## 核心能力
- 意图识别：
    - 查天气：提取地点日期 -> ask_weather -> 返回结果。
    - 做规划：提取地点日期 -> ask_weather (必须先做) -> 拿到天气 -> ask_schedule -> 汇总建议。

## 决策原则
- 必须串行：先查天气，根据天气结果再查行程。禁止盲目并发。
- 参数透传：调用 ask_schedule 时，weather_info 必须填入真实的 ask_weather 返回值。
- 拒绝废话：需要调工具时，直接输出 Tool Call，不要说 "好的我去查"。

## 异常处理
- 如果工具返回错误（如无法获取天气），请诚实地告诉用户，并尝试给出通用建议。`

const forceAnswerPrompt = "工具调用次数已达上限，请根据已有信息直接回答，不要再调用工具。"

const talkerPrompt = `你是 VoiceAgent 的语音合成润色师。

## 你的任务
将输入的文本重写为适合语音合成的纯文本口语脚本，说得更自然有温度。

## 转换规则
1. 短句优先：长难句拆分为短句，方便听众理解，压缩篇幅。
2. 去除格式：删除所有 Markdown 符号（如 **加粗**、# 标题、- 列表符）以及表情符号。
3. 情感注入：根据内容加入适当的语气词（"哇"、"好的"、"没问题"），保持亲切感。
4. 保持原意：绝对不要篡改 Planner 提供的核心信息（如时间、地点、天气数据）。
5. 重要：不要输出任何思考过程、推理步骤或 <think> 标签内的内容。直接给出最终的口语化回复。

## 示例
输入: "南京天气：多云，25℃。建议：1. 中山陵；2. 夫子庙。"
输出: "南京今天是多云天气，气温二十五度，非常舒适。我建议您可以先去中山陵逛逛，晚上再由夫子庙感受秦淮风光。"`

type llmPlanner struct {
	model ChatModel
}

// NewLLMPlanner plans with tool calling on model.
func NewLLMPlanner(model ChatModel) Planner {
	return &llmPlanner{model: model}
}

func (p *llmPlanner) Plan(ctx context.Context, request PlanRequest) (Plan, error) {
	messages := []llms.Message{llms.SystemMessage(plannerPrompt)}
	messages = append(messages, llms.ToMessages(request.History)...)
	messages = append(messages, llms.UserMessage(request.Transcript))
	for _, round := range request.Rounds {
		messages = append(messages, llms.Message{Role: llms.RoleAssistant, Content: round.Thought, ToolCalls: round.Calls})
		for _, result := range round.Results {
			messages = append(messages, llms.ToolResultMessage(result.CallID, result.Content))
		}
	}
	if request.ForceAnswer {
		messages = append(messages, llms.SystemMessage(forceAnswerPrompt))
	}

	response, err := p.model.Complete(ctx, messages, request.Tools)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Thought: response.Content, ToolCalls: response.ToolCalls}, nil
}

type llmTalker struct {
	model ChatModel
}

// NewLLMTalker rewrites the planner's answer into speakable text on model.
func NewLLMTalker(model ChatModel) Talker {
	return &llmTalker{model: model}
}

func (t *llmTalker) Talk(ctx context.Context, request TalkRequest) iter.Seq2[string, error] {
	return t.model.Stream(ctx, []llms.Message{
		llms.SystemMessage(talkerPrompt),
		llms.UserMessage(talkerInput(request)),
	})
}

func talkerInput(request TalkRequest) string {
	if request.Fallback == "" && request.Draft != "" {
		return request.Draft
	}

	var b strings.Builder
	b.WriteString("用户：")
	b.WriteString(request.Transcript)
	b.WriteString("\n")
	for _, result := range request.ToolResults {
		b.WriteString(result.Name)
		if result.Failed {
			b.WriteString(" 失败：")
		} else {
			b.WriteString(" 结果：")
		}
		b.WriteString(result.Content)
		b.WriteString("\n")
	}
	if request.Draft != "" {
		b.WriteString("草稿：")
		b.WriteString(request.Draft)
		b.WriteString("\n")
	}
	if request.Fallback != "" {
		b.WriteString("说明：")
		b.WriteString(request.Fallback)
	}
	return strings.TrimSpace(b.String())
}
