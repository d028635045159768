// Package events defines the typed agent event contract produced by the
// workflow orchestrator for a single turn.
//
// Every event carries the id of the turn it was produced for, so consumers
// can drop events of turns that are no longer live.
//
// agent events
//
//   - Thought (agent.thought): reasoning disclosed for display, e.g. the
//     planner's plan.
//   - ToolCall (agent.tool_call): a tool invocation with its raw JSON
//     arguments.
//   - ToolResult (agent.tool_result): the outcome of a tool invocation, either
//     a result text or the failure that replaced it.
//   - SpeakableToken (agent.speakable_token): a delta of text meant to be
//     spoken and typed out. The last event of a turn is a speakable token
//     with IsFinal set; its text may be empty.
//
// Events of one turn are emitted in generation order.
package events
