package orchestration

import (
	"context"
	"iter"
	"strings"
	"sync"
)

// textBuffer hands speakable tokens from the workflow to the synthesis
// pipeline. Writers never block; the single reader waits for new tokens.
type textBuffer struct {
	mu       sync.Mutex
	tokens   []string
	consumed int
	complete bool
	cleared  bool
	update   chan struct{}
}

func newTextBuffer() *textBuffer {
	return &textBuffer{update: make(chan struct{}, 1)}
}

func (b *textBuffer) AddToken(token string) {
	if token == "" {
		return
	}
	b.mu.Lock()
	b.tokens = append(b.tokens, token)
	b.mu.Unlock()
	b.signalUpdate()
}

// TextComplete marks that no more tokens follow.
func (b *textBuffer) TextComplete() {
	b.mu.Lock()
	b.complete = true
	b.mu.Unlock()
	b.signalUpdate()
}

// Tokens yields tokens in order until the text is complete, the buffer is
// cleared or ctx is done.
func (b *textBuffer) Tokens(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			b.mu.Lock()
			if b.cleared {
				b.mu.Unlock()
				return
			}
			if b.consumed < len(b.tokens) {
				token := b.tokens[b.consumed]
				b.consumed++
				b.mu.Unlock()
				if !yield(token) {
					return
				}
				continue
			}
			if b.complete {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()

			select {
			case <-b.update:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *textBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.tokens, "")
}

// Clear stops the reader without delivering the rest.
func (b *textBuffer) Clear() {
	b.mu.Lock()
	b.cleared = true
	b.mu.Unlock()
	b.signalUpdate()
}

func (b *textBuffer) signalUpdate() {
	select {
	case b.update <- struct{}{}:
	default:
	}
}
