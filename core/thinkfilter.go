package orchestration

import (
	"regexp"
	"strings"
)

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

var (
	thinkBlockPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)
	thinkLinePattern  = regexp.MustCompile(`(?m)^\s*(Think:|思考：).*$\n?`)
)

// stripThinking removes reasoning the model was not asked to disclose from a
// complete text.
func stripThinking(s string) string {
	s = thinkBlockPattern.ReplaceAllString(s, "")
	if i := strings.Index(s, thinkOpenTag); i >= 0 {
		s = s[:i]
	}
	s = thinkLinePattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// thinkFilter removes <think> spans from a token stream. Text that might be
// the start of a tag is held back until the next token decides it.
type thinkFilter struct {
	pending  string
	thinking bool
}

func (f *thinkFilter) Push(token string) string {
	f.pending += token
	var out strings.Builder
	for {
		if f.thinking {
			i := strings.Index(f.pending, thinkCloseTag)
			if i < 0 {
				f.pending = f.pending[max(0, len(f.pending)-len(thinkCloseTag)+1):]
				return out.String()
			}
			f.pending = f.pending[i+len(thinkCloseTag):]
			f.thinking = false
			continue
		}

		i := strings.Index(f.pending, thinkOpenTag)
		if i >= 0 {
			out.WriteString(f.pending[:i])
			f.pending = f.pending[i+len(thinkOpenTag):]
			f.thinking = true
			continue
		}

		keep := partialTagSuffix(f.pending, thinkOpenTag)
		out.WriteString(f.pending[:len(f.pending)-keep])
		f.pending = f.pending[len(f.pending)-keep:]
		return out.String()
	}
}

// Flush returns text held back at the end of the stream. An unterminated
// think span is dropped.
func (f *thinkFilter) Flush() string {
	if f.thinking {
		f.pending = ""
		return ""
	}
	out := f.pending
	f.pending = ""
	return out
}

// partialTagSuffix is the length of the longest suffix of s that is a proper
// prefix of tag.
func partialTagSuffix(s, tag string) int {
	for n := min(len(s), len(tag)-1); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
