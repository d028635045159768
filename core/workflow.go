package orchestration

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultToolTimeout   = 8 * time.Second
	defaultPlanTimeout   = 20 * time.Second
	defaultMaxToolRounds = 4

	// apologyText is spoken when a turn cannot produce anything else.
	apologyText = "系统处理出错。"
)

type PlanRequest struct {
	Transcript string
	History    []llms.Exchange
	// Rounds are the tool rounds already completed in this turn.
	Rounds []ToolRound
	Tools  []llms.ToolDefinition
	// ForceAnswer asks for an answer without further tool calls.
	ForceAnswer bool
}

type ToolRound struct {
	Thought string
	Calls   []llms.ToolCall
	Results []ToolResult
}

type ToolResult struct {
	CallID  string
	Name    string
	Content string
	Failed  bool
}

// Plan is either a set of tool calls or, when ToolCalls is empty, a direct
// answer in Thought.
type Plan struct {
	Thought   string
	ToolCalls []llms.ToolCall
}

type Planner interface {
	Plan(ctx context.Context, request PlanRequest) (Plan, error)
}

type TalkRequest struct {
	Transcript string
	History    []llms.Exchange
	// Draft is the planner's answer to be turned into speech.
	Draft       string
	ToolResults []ToolResult
	// Fallback explains what went wrong when the turn could not be answered
	// as planned. The talker tells the user instead of answering.
	Fallback string
}

// Talker streams the speakable answer token by token.
type Talker interface {
	Talk(ctx context.Context, request TalkRequest) iter.Seq2[string, error]
}

type workflowState int

const (
	workflowPlanning workflowState = iota
	workflowToolDispatch
	workflowTalking
	workflowDone
	workflowHalted
)

func (s workflowState) String() string {
	switch s {
	case workflowPlanning:
		return "planning"
	case workflowToolDispatch:
		return "tool_dispatch"
	case workflowTalking:
		return "talking"
	case workflowDone:
		return "done"
	case workflowHalted:
		return "halted"
	}
	return fmt.Sprintf("workflowState(%d)", int(s))
}

// planOutcome carries the tool calls of PLANNING into TOOL_DISPATCH.
type planOutcome struct {
	thought string
	calls   []llms.ToolCall
}

// toolOutcome is the completed round of TOOL_DISPATCH. err is set when a call
// failed and the round was abandoned.
type toolOutcome struct {
	round ToolRound
	err   error
}

// talkDirective is everything TALKING needs.
type talkDirective struct {
	draft    string
	fallback string
	err      error
}

type workflow struct {
	planner Planner
	talker  Talker
	tools   []llms.Tool
	isLive  func(TurnID) bool

	toolTimeout   time.Duration
	planTimeout   time.Duration
	maxToolRounds int
}

func newWorkflow(planner Planner, talker Talker, tools []llms.Tool, isLive func(TurnID) bool) *workflow {
	return &workflow{
		planner:       planner,
		talker:        talker,
		tools:         tools,
		isLive:        isLive,
		toolTimeout:   defaultToolTimeout,
		planTimeout:   defaultPlanTimeout,
		maxToolRounds: defaultMaxToolRounds,
	}
}

type workflowRun struct {
	turnID     TurnID
	transcript string
	history    []llms.Exchange
	rounds     []ToolRound
	emit       func(events.AgentEvent) bool
}

func (r *workflowRun) toolResults() []ToolResult {
	var results []ToolResult
	for _, round := range r.rounds {
		results = append(results, round.Results...)
	}
	return results
}

// Run drives one turn through PLANNING, TOOL_DISPATCH and TALKING and yields
// its events in order. Every event is checked against the turn's liveness
// first; once the turn is dead the run halts and nothing more is yielded. A
// run that is not halted always ends with a final speakable token.
func (w *workflow) Run(ctx context.Context, turnID TurnID, transcript string, history []llms.Exchange) iter.Seq[events.AgentEvent] {
	return func(yield func(events.AgentEvent) bool) {
		ctx, span := tracer.Start(ctx, "run workflow")
		defer span.End()
		span.SetAttributes(attribute.Int64("turn.id", int64(turnID)))

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		run := &workflowRun{
			turnID:     turnID,
			transcript: transcript,
			history:    history,
			emit: func(event events.AgentEvent) bool {
				if ctx.Err() != nil || !w.isLive(turnID) {
					return false
				}
				return yield(event)
			},
		}

		state := workflowPlanning
		var plan planOutcome
		var directive talkDirective
		for {
			span.AddEvent("workflow state", trace.WithAttributes(attribute.String("workflow.state", state.String())))
			switch state {
			case workflowPlanning:
				state, plan, directive = w.planning(ctx, run)

			case workflowToolDispatch:
				var outcome toolOutcome
				state, outcome = w.dispatchTools(ctx, run, plan)
				run.rounds = append(run.rounds, outcome.round)
				if outcome.err != nil {
					directive = talkDirective{
						draft:    plan.thought,
						fallback: toolFallback(outcome.err),
						err:      outcome.err,
					}
				}

			case workflowTalking:
				state = w.talking(ctx, run, directive)

			case workflowDone:
				return

			case workflowHalted:
				span.SetAttributes(attribute.Bool("turn.halted", true))
				return
			}
		}
	}
}

func (w *workflow) planning(ctx context.Context, run *workflowRun) (workflowState, planOutcome, talkDirective) {
	if !w.isLive(run.turnID) {
		return workflowHalted, planOutcome{}, talkDirective{}
	}

	ctx, span := tracer.Start(ctx, "plan")
	defer span.End()

	request := PlanRequest{
		Transcript:  run.transcript,
		History:     run.history,
		Rounds:      run.rounds,
		ForceAnswer: len(run.rounds) >= w.maxToolRounds,
	}
	if !request.ForceAnswer {
		for _, tool := range w.tools {
			request.Tools = append(request.Tools, tool.Definition())
		}
	}

	planCtx, cancel := context.WithTimeout(ctx, w.planTimeout)
	plan, err := w.planner.Plan(planCtx, request)
	cancel()

	if ctx.Err() != nil || !w.isLive(run.turnID) {
		return workflowHalted, planOutcome{}, talkDirective{}
	}
	if err != nil {
		err = classifyUpstream(fmt.Errorf("failed to plan: %w", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("planner failed, answering with fallback", "turn_id", run.turnID, "error", err)
		return workflowTalking, planOutcome{}, talkDirective{fallback: "规划阶段出错，暂时无法完成这个请求。", err: err}
	}

	thought := stripThinking(plan.Thought)
	if thought != "" && !run.emit(events.NewThought(run.turnID, "planner", thought)) {
		return workflowHalted, planOutcome{}, talkDirective{}
	}

	if len(plan.ToolCalls) > 0 && !request.ForceAnswer {
		span.SetAttributes(attribute.Int("plan.tool_calls", len(plan.ToolCalls)))
		return workflowToolDispatch, planOutcome{thought: thought, calls: plan.ToolCalls}, talkDirective{}
	}
	return workflowTalking, planOutcome{}, talkDirective{draft: thought}
}

// dispatchTools runs the calls one after another. The first failure ends the
// round; the talker is told about it instead of retrying.
func (w *workflow) dispatchTools(ctx context.Context, run *workflowRun, plan planOutcome) (workflowState, toolOutcome) {
	outcome := toolOutcome{round: ToolRound{Thought: plan.thought, Calls: plan.calls}}

	for _, call := range plan.calls {
		if !run.emit(events.NewToolCall(run.turnID, call.ID, call.Name, call.Arguments)) {
			return workflowHalted, outcome
		}

		result, err := w.callTool(ctx, call)
		if ctx.Err() != nil || !w.isLive(run.turnID) {
			return workflowHalted, outcome
		}
		if err != nil {
			err = classifyUpstream(err)
			logger.Warn("tool call failed", "turn_id", run.turnID, "tool", call.Name, "error", err)
			outcome.round.Results = append(outcome.round.Results, ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), Failed: true})
			outcome.err = err
			if !run.emit(events.NewToolFailure(run.turnID, call.ID, call.Name, err)) {
				return workflowHalted, outcome
			}
			return workflowTalking, outcome
		}

		outcome.round.Results = append(outcome.round.Results, ToolResult{CallID: call.ID, Name: call.Name, Content: result})
		if !run.emit(events.NewToolResult(run.turnID, call.ID, call.Name, result)) {
			return workflowHalted, outcome
		}
	}
	return workflowPlanning, outcome
}

func (w *workflow) talking(ctx context.Context, run *workflowRun, directive talkDirective) workflowState {
	if !w.isLive(run.turnID) {
		return workflowHalted
	}

	ctx, span := tracer.Start(ctx, "talk")
	defer span.End()

	request := TalkRequest{
		Transcript:  run.transcript,
		History:     run.history,
		Draft:       directive.draft,
		ToolResults: run.toolResults(),
		Fallback:    directive.fallback,
	}

	filter := &thinkFilter{}
	emitted := false
	var talkErr error
	for token, err := range w.talker.Talk(ctx, request) {
		if err != nil {
			talkErr = classifyUpstream(fmt.Errorf("failed to talk: %w", err))
			break
		}
		if text := filter.Push(token); text != "" {
			if !run.emit(events.NewSpeakableToken(run.turnID, text)) {
				return workflowHalted
			}
			emitted = true
		}
	}
	if text := filter.Flush(); text != "" && talkErr == nil {
		if !run.emit(events.NewSpeakableToken(run.turnID, text)) {
			return workflowHalted
		}
		emitted = true
	}

	if ctx.Err() != nil || !w.isLive(run.turnID) {
		return workflowHalted
	}

	err := directive.err
	if talkErr != nil {
		span.RecordError(talkErr)
		span.SetStatus(codes.Error, talkErr.Error())
		logger.Warn("talker failed", "turn_id", run.turnID, "emitted", emitted, "error", talkErr)
		err = errors.Join(err, talkErr)
	}

	final := ""
	if !emitted {
		final = apologyText
		if err == nil {
			err = fmt.Errorf("%w: talker produced no output", ErrUpstreamError)
		}
	}
	if !run.emit(events.NewFinalToken(run.turnID, final, err)) {
		return workflowHalted
	}
	return workflowDone
}

func toolFallback(err error) string {
	if errors.Is(err, ErrUpstreamTimeout) {
		return "工具调用超时，暂时无法获取所需信息。请如实告诉用户，并建议稍后再试。"
	}
	return "工具调用失败，暂时无法获取所需信息。请如实告诉用户，并建议稍后再试。"
}
