package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-voice/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Completer is the part of an LLM client the schedule tool needs.
type Completer interface {
	Complete(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (llms.Response, error)
}

type Schedule struct {
	llm Completer
}

func NewSchedule(llm Completer) *Schedule {
	return &Schedule{llm: llm}
}

type ScheduleParameters struct {
	Location    string `json:"location" jsonschema:"description=目的地"`
	Date        string `json:"date" jsonschema:"description=出行日期"`
	WeatherInfo string `json:"weather_info" jsonschema:"description=ask_weather 返回的天气信息"`
	Preferences string `json:"preferences,omitempty" jsonschema:"description=用户偏好"`
}

const schedulePrompt = `你是行程规划专家。根据条件设计简要行程。

输入：
- 地点: %s, 时间: %s, 天气: %s, 偏好: %s

要求：
1. 必须根据天气调整（雨天室内，晴天室外）。
2. 仅列出 3-4 个核心景点，不要长篇大论。
3. 输出格式极其简洁，例如："上午：xxx；下午：xxx；晚上：xxx"。
4. 不要任何开场白和结束语，直接给方案。`

func (s *Schedule) Tool() llms.Tool {
	return llms.NewTool("ask_schedule", "咨询行程专家。需要目的地、日期和天气信息（先调用 ask_weather）。",
		func(ctx context.Context, p ScheduleParameters) (string, error) {
			return s.Plan(ctx, p)
		})
}

// Plan drafts an itinerary. Missing inputs are reported back as text so the
// planner can ask for them instead of failing the turn.
func (s *Schedule) Plan(ctx context.Context, p ScheduleParameters) (string, error) {
	var missing []string
	if strings.TrimSpace(p.Location) == "" {
		missing = append(missing, "目的地")
	}
	if strings.TrimSpace(p.Date) == "" {
		missing = append(missing, "日期")
	}
	if strings.TrimSpace(p.WeatherInfo) == "" {
		missing = append(missing, "天气")
	}
	if len(missing) > 0 {
		return "缺失信息：" + strings.Join(missing, ", "), nil
	}

	ctx, span := tracer.Start(ctx, "plan schedule")
	defer span.End()
	span.SetAttributes(attribute.String("schedule.location", p.Location), attribute.String("schedule.date", p.Date))

	resp, err := s.llm.Complete(ctx, []llms.Message{
		llms.SystemMessage(fmt.Sprintf(schedulePrompt, p.Location, p.Date, p.WeatherInfo, p.Preferences)),
		llms.UserMessage("请给出行程方案。"),
	}, nil)
	if err != nil {
		err = fmt.Errorf("failed to draft schedule: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
