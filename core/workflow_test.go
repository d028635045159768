package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms"
)

func collectEvents(w *workflow, turnID TurnID, transcript string) []events.AgentEvent {
	var collected []events.AgentEvent
	for event := range w.Run(context.Background(), turnID, transcript, nil) {
		collected = append(collected, event)
	}
	return collected
}

func spokenText(collected []events.AgentEvent) string {
	var b strings.Builder
	for _, event := range collected {
		if event.Kind() == events.KindSpeakableToken {
			b.WriteString(event.Payload)
		}
	}
	return b.String()
}

func lastEvent(t *testing.T, collected []events.AgentEvent) events.AgentEvent {
	t.Helper()
	if len(collected) == 0 {
		t.Fatalf("expected events, got none")
	}
	return collected[len(collected)-1]
}

func weatherTool(result string, err error) llms.Tool {
	type parameters struct {
		City string `json:"city"`
	}
	return llms.NewTool("ask_weather", "weather", func(context.Context, parameters) (string, error) {
		return result, err
	})
}

func TestWorkflowAnswersDirectly(t *testing.T) {
	planner := &stubPlanner{plans: []Plan{{Thought: "<think>hmm</think>北京今天晴。"}}}
	talker := &stubTalker{tokens: []string{"北京", "今天晴。"}}
	w := newWorkflow(planner, talker, nil, alwaysLive)

	collected := collectEvents(w, 3, "北京天气")

	kinds := []events.Kind{events.KindThought, events.KindSpeakableToken, events.KindSpeakableToken, events.KindSpeakableToken}
	if len(collected) != len(kinds) {
		t.Fatalf("expected %d events, got %d", len(kinds), len(collected))
	}
	for i, kind := range kinds {
		if collected[i].Kind() != kind {
			t.Fatalf("expected event %d to be %q, got %q", i, kind, collected[i].Kind())
		}
		if collected[i].TurnID() != 3 {
			t.Fatalf("expected event %d to belong to turn 3, got %d", i, collected[i].TurnID())
		}
	}
	if collected[0].Name != "planner" || collected[0].Payload != "北京今天晴。" {
		t.Fatalf("expected filtered planner thought, got %+v", collected[0])
	}
	final := lastEvent(t, collected)
	if !final.IsFinal || final.Err != nil {
		t.Fatalf("expected clean final token, got %+v", final)
	}
	if got := spokenText(collected); got != "北京今天晴。" {
		t.Fatalf("expected spoken text %q, got %q", "北京今天晴。", got)
	}
	if requests := talker.Requests(); len(requests) != 1 || requests[0].Draft != "北京今天晴。" {
		t.Fatalf("expected talker to receive the draft, got %+v", requests)
	}
}

func TestWorkflowRunsToolsBeforeTalking(t *testing.T) {
	planner := &stubPlanner{plans: []Plan{
		{ToolCalls: []llms.ToolCall{{ID: "c1", Name: "ask_weather", Arguments: `{"city":"北京"}`}}},
		{Thought: "北京晴。"},
	}}
	talker := &stubTalker{tokens: []string{"晴天。"}}
	w := newWorkflow(planner, talker, []llms.Tool{weatherTool("晴", nil)}, alwaysLive)

	collected := collectEvents(w, 1, "北京天气")

	if collected[0].Kind() != events.KindToolCall || collected[0].CallID != "c1" || collected[0].Payload != `{"city":"北京"}` {
		t.Fatalf("expected tool call first, got %+v", collected[0])
	}
	if collected[1].Kind() != events.KindToolResult || collected[1].Failed || collected[1].Payload != "晴" {
		t.Fatalf("expected tool result second, got %+v", collected[1])
	}
	requests := planner.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected planner to run twice, got %d", len(requests))
	}
	if len(requests[0].Tools) != 1 || requests[0].Tools[0].Name != "ask_weather" {
		t.Fatalf("expected tools to be offered to the planner, got %+v", requests[0].Tools)
	}
	if len(requests[1].Rounds) != 1 || requests[1].Rounds[0].Results[0].Content != "晴" {
		t.Fatalf("expected second plan to see the tool result, got %+v", requests[1].Rounds)
	}
	if final := lastEvent(t, collected); !final.IsFinal || final.Err != nil {
		t.Fatalf("expected clean final token, got %+v", final)
	}
}

func TestWorkflowToolTimeoutFallsBackWithoutRetry(t *testing.T) {
	tool := &blockingTool{release: make(chan struct{})}
	defer close(tool.release)

	planner := &stubPlanner{plans: []Plan{
		{ToolCalls: []llms.ToolCall{{ID: "c1", Name: "ask_weather", Arguments: `{}`}}},
	}}
	talker := &stubTalker{respond: func(request TalkRequest) []string {
		if request.Fallback == "" {
			return []string{"不应该出现。"}
		}
		return []string{"抱歉，", "天气暂时查不到。"}
	}}
	w := newWorkflow(planner, talker, []llms.Tool{tool}, alwaysLive)
	w.toolTimeout = 50 * time.Millisecond

	start := time.Now()
	collected := collectEvents(w, 2, "天气")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected the turn to finish shortly after the tool deadline, took %v", elapsed)
	}

	var failure *events.AgentEvent
	for i := range collected {
		if collected[i].Kind() == events.KindToolResult {
			failure = &collected[i]
		}
	}
	if failure == nil || !failure.Failed || !errors.Is(failure.Err, ErrUpstreamTimeout) {
		t.Fatalf("expected a timed out tool result, got %+v", failure)
	}
	if got := spokenText(collected); got != "抱歉，天气暂时查不到。" {
		t.Fatalf("expected fallback response, got %q", got)
	}
	final := lastEvent(t, collected)
	if !final.IsFinal || !errors.Is(final.Err, ErrUpstreamTimeout) {
		t.Fatalf("expected final token carrying the timeout, got %+v", final)
	}
	if got := len(planner.Requests()); got != 1 {
		t.Fatalf("expected no planning retry after the failure, got %d plans", got)
	}
}

func TestWorkflowApologizesWhenTalkerFailsBeforeSpeaking(t *testing.T) {
	planner := &stubPlanner{plans: []Plan{{Thought: "answer"}}}
	talker := &stubTalker{err: errStub}
	w := newWorkflow(planner, talker, nil, alwaysLive)

	collected := collectEvents(w, 1, "hi")

	final := lastEvent(t, collected)
	if !final.IsFinal || final.Payload != apologyText {
		t.Fatalf("expected apology as final token, got %+v", final)
	}
	if !errors.Is(final.Err, ErrUpstreamError) || !errors.Is(final.Err, errStub) {
		t.Fatalf("expected upstream error on final token, got %v", final.Err)
	}
}

func TestWorkflowPlannerFailureStillAnswers(t *testing.T) {
	planner := &stubPlanner{err: context.DeadlineExceeded}
	talker := &stubTalker{respond: func(request TalkRequest) []string {
		if request.Fallback == "" {
			return nil
		}
		return []string{"现在有点忙，请稍后再试。"}
	}}
	w := newWorkflow(planner, talker, nil, alwaysLive)

	collected := collectEvents(w, 1, "hi")

	if got := spokenText(collected); got != "现在有点忙，请稍后再试。" {
		t.Fatalf("expected fallback answer, got %q", got)
	}
	if final := lastEvent(t, collected); !errors.Is(final.Err, ErrUpstreamTimeout) {
		t.Fatalf("expected planner timeout on final token, got %v", final.Err)
	}
}

func TestWorkflowForcesAnswerAfterRoundLimit(t *testing.T) {
	planner := &stubPlanner{plans: []Plan{
		{Thought: "again", ToolCalls: []llms.ToolCall{{ID: "c", Name: "ask_weather"}}},
	}}
	talker := &stubTalker{tokens: []string{"好的。"}}
	w := newWorkflow(planner, talker, []llms.Tool{weatherTool("晴", nil)}, alwaysLive)
	w.maxToolRounds = 2

	collected := collectEvents(w, 1, "loop")

	requests := planner.Requests()
	if len(requests) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(requests))
	}
	last := requests[2]
	if !last.ForceAnswer || len(last.Tools) != 0 {
		t.Fatalf("expected the last plan to force an answer without tools, got %+v", last)
	}
	if final := lastEvent(t, collected); !final.IsFinal {
		t.Fatalf("expected turn to finish, got %+v", final)
	}
}

func TestWorkflowHaltsWhenTurnIsNoLongerLive(t *testing.T) {
	var live atomic.Bool
	live.Store(true)
	planner := &stubPlanner{plans: []Plan{{Thought: "draft"}}}
	talker := &stubTalker{tokens: []string{"one ", "two ", "three."}}
	w := newWorkflow(planner, talker, nil, func(TurnID) bool { return live.Load() })

	var collected []events.AgentEvent
	for event := range w.Run(context.Background(), 1, "hi", nil) {
		collected = append(collected, event)
		if event.Kind() == events.KindSpeakableToken {
			live.Store(false)
		}
	}

	if len(collected) != 2 {
		t.Fatalf("expected thought and one token before halting, got %d events", len(collected))
	}
	if lastEvent(t, collected).IsFinal {
		t.Fatalf("expected no final token for a halted turn")
	}
}

func TestWorkflowUnknownToolIsReportedAsFailure(t *testing.T) {
	planner := &stubPlanner{plans: []Plan{{ToolCalls: []llms.ToolCall{{ID: "c", Name: "missing"}}}}}
	talker := &stubTalker{tokens: []string{"抱歉。"}}
	w := newWorkflow(planner, talker, nil, alwaysLive)

	collected := collectEvents(w, 1, "hi")

	if collected[1].Kind() != events.KindToolResult || !collected[1].Failed {
		t.Fatalf("expected failed tool result, got %+v", collected[1])
	}
	if final := lastEvent(t, collected); !errors.Is(final.Err, ErrUpstreamError) {
		t.Fatalf("expected upstream error on final token, got %v", final.Err)
	}
}
