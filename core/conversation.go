package orchestration

import (
	"sync"

	"github.com/koscakluka/ema-voice/core/llms"
)

// defaultHistoryWindow is how many past exchanges the planner sees.
const defaultHistoryWindow = 5

// conversation keeps the exchanges of a session. Interrupted turns are kept
// with the part of the answer that was already produced.
type conversation struct {
	mu        sync.Mutex
	exchanges []llms.Exchange
	window    int
}

func newConversation(window int) *conversation {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	return &conversation{window: window}
}

func (c *conversation) Record(user, assistant string) {
	if user == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, llms.Exchange{User: user, Assistant: assistant})
	if len(c.exchanges) > c.window {
		c.exchanges = append([]llms.Exchange(nil), c.exchanges[len(c.exchanges)-c.window:]...)
	}
}

// Recent returns a copy of the last exchanges within the window.
func (c *conversation) Recent() []llms.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llms.Exchange(nil), c.exchanges...)
}
