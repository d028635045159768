package orchestration

import "testing"

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "block", input: "<think>plan it</think>北京晴。", want: "北京晴。"},
		{name: "unterminated", input: "答案<think>still thinking", want: "答案"},
		{name: "think line", input: "Think: check weather\n北京晴。", want: "北京晴。"},
		{name: "chinese think line", input: "思考：先查天气\n北京晴。", want: "北京晴。"},
		{name: "plain", input: "北京晴。", want: "北京晴。"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripThinking(tt.input); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestThinkFilterAcrossTokens(t *testing.T) {
	filter := &thinkFilter{}
	var out string
	for _, token := range []string{"好的", "<th", "ink>内部", "推理</th", "ink>，北京", "晴<", "。"} {
		out += filter.Push(token)
	}
	out += filter.Flush()

	if out != "好的，北京晴<。" {
		t.Fatalf("expected think span removed, got %q", out)
	}
}

func TestThinkFilterDropsUnterminatedSpan(t *testing.T) {
	filter := &thinkFilter{}
	out := filter.Push("开始<think>never closed")
	out += filter.Flush()
	if out != "开始" {
		t.Fatalf("expected %q, got %q", "开始", out)
	}
}
