package orchestration

import (
	"strings"
	"unicode"
)

const (
	defaultFirstUnitSoftLimit = 50
	defaultUnitSoftLimit      = 20
	defaultUnitHardLimit      = 80
)

// segmenter cuts speakable text into synthesis units. Boundaries depend only
// on the text, never on how it was split into tokens:
//
//   - strong terminators (。！？!? and newline) always end a unit; '.' and '…'
//     only when followed by whitespace so decimals survive
//   - weak terminators (，、；：and ,;: followed by whitespace) end a unit once
//     it is longer than the soft limit; the first unit of a turn uses a
//     larger soft limit so its prosody is not cut short
//   - a unit never exceeds the hard limit; it is cut at the last whitespace
//     within the limit, or exactly at the limit
//
// Terminators are only acted on once the following rune is known, so trailing
// quotes and repeated punctuation stay with their sentence.
type segmenter struct {
	firstSoftLimit int
	softLimit      int
	hardLimit      int

	buf     []rune
	emitted int
}

func newSegmenter(firstSoftLimit, softLimit, hardLimit int) *segmenter {
	return &segmenter{
		firstSoftLimit: firstSoftLimit,
		softLimit:      softLimit,
		hardLimit:      hardLimit,
	}
}

// Push adds a token and returns the units it completed.
func (s *segmenter) Push(token string) []string {
	s.buf = append(s.buf, []rune(token)...)
	return s.drain(false)
}

// Flush returns whatever is left as the last units.
func (s *segmenter) Flush() []string {
	return s.drain(true)
}

func (s *segmenter) drain(final bool) []string {
	var units []string
	for {
		for len(s.buf) > 0 && unicode.IsSpace(s.buf[0]) {
			s.buf = s.buf[1:]
		}
		cut := s.nextCut(final)
		if cut <= 0 {
			return units
		}
		unit := strings.TrimSpace(string(s.buf[:cut]))
		s.buf = s.buf[cut:]
		if unit != "" {
			units = append(units, unit)
			s.emitted++
		}
	}
}

func (s *segmenter) nextCut(final bool) int {
	n := len(s.buf)
	if n == 0 {
		return -1
	}
	soft := s.softLimit
	if s.emitted == 0 {
		soft = s.firstSoftLimit
	}

	for i := 0; i < n && i < s.hardLimit; i++ {
		r := s.buf[i]
		switch {
		case isStrongTerminator(r):
		case r == '.' || r == '…' || isSpacedWeakTerminator(r):
			if isSpacedWeakTerminator(r) && i+1 <= soft {
				continue
			}
			if i+1 == n {
				if final {
					return n
				}
				return -1
			}
			if !unicode.IsSpace(s.buf[i+1]) {
				continue
			}
		case isWeakTerminator(r):
			if i+1 <= soft {
				continue
			}
		default:
			continue
		}

		end := i + 1
		for end < n && end < s.hardLimit && isTrailingPunctuation(s.buf[end]) {
			end++
		}
		if end == n && !final {
			return -1
		}
		return end
	}

	// The rune at hardLimit must be known before cutting so that the cut
	// does not depend on how the text arrived.
	if n > s.hardLimit {
		for i := s.hardLimit; i > 0; i-- {
			if unicode.IsSpace(s.buf[i]) {
				return i
			}
		}
		return s.hardLimit
	}
	if final {
		return n
	}
	return -1
}

func isStrongTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?', '\n':
		return true
	}
	return false
}

func isWeakTerminator(r rune) bool {
	switch r {
	case '，', '、', '；', '：':
		return true
	}
	return false
}

// isSpacedWeakTerminator reports ASCII weak terminators, which only count
// when followed by whitespace ("10:30" and "1,000" stay whole).
func isSpacedWeakTerminator(r rune) bool {
	switch r {
	case ',', ';', ':':
		return true
	}
	return false
}

func isTrailingPunctuation(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '）', ')', '」', '』', '》', '】', '…', '.':
		return true
	}
	return isStrongTerminator(r) && r != '\n'
}
