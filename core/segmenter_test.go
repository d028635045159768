package orchestration

import (
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func segmentAll(tokens []string) []string {
	s := newSegmenter(defaultFirstUnitSoftLimit, defaultUnitSoftLimit, defaultUnitHardLimit)
	var units []string
	for _, token := range tokens {
		units = append(units, s.Push(token)...)
	}
	return append(units, s.Flush()...)
}

func TestSegmenterSplitsSentences(t *testing.T) {
	units := segmentAll([]string{"Hello", " there", ".", " How", " can", " I", " help", "?"})

	expected := []string{"Hello there.", "How can I help?"}
	if !slices.Equal(units, expected) {
		t.Fatalf("expected %q, got %q", expected, units)
	}
}

func TestSegmenterWaitsForLookahead(t *testing.T) {
	s := newSegmenter(defaultFirstUnitSoftLimit, defaultUnitSoftLimit, defaultUnitHardLimit)

	if units := s.Push("It costs 3."); len(units) != 0 {
		t.Fatalf("expected no unit before the next rune is known, got %q", units)
	}
	if units := s.Push("5 yuan. Next"); !slices.Equal(units, []string{"It costs 3.5 yuan."}) {
		t.Fatalf("expected decimal to stay in one unit, got %q", units)
	}
	if units := s.Flush(); !slices.Equal(units, []string{"Next"}) {
		t.Fatalf("expected remainder on flush, got %q", units)
	}
}

func TestSegmenterKeepsClosingPunctuation(t *testing.T) {
	units := segmentAll([]string{"他说：“好的！”", "然后走了。。", "真的吗？！"})

	expected := []string{"他说：“好的！”", "然后走了。。", "真的吗？！"}
	if !slices.Equal(units, expected) {
		t.Fatalf("expected %q, got %q", expected, units)
	}
}

func TestSegmenterUsesWeakTerminatorsAfterSoftLimit(t *testing.T) {
	first := strings.Repeat("好", 10) + "，" + strings.Repeat("好", 45) + "，" + "后面"
	units := segmentAll([]string{first})

	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d: %q", len(units), units)
	}
	if utf8.RuneCountInString(units[0]) != 57 {
		t.Fatalf("expected first unit to end at the comma past the soft limit, got %d runes", utf8.RuneCountInString(units[0]))
	}

	// Later units use the smaller soft limit.
	s := newSegmenter(defaultFirstUnitSoftLimit, defaultUnitSoftLimit, defaultUnitHardLimit)
	s.Push("第一句。")
	units = s.Push(strings.Repeat("字", 25) + "，再来")
	if len(units) != 2 || units[1] != strings.Repeat("字", 25)+"，" {
		t.Fatalf("expected second unit to end at the comma, got %q", units)
	}
}

func TestSegmenterIgnoresAsciiCommaWithoutSpace(t *testing.T) {
	text := strings.Repeat("x", 30) + " costs 1,000 dollars, " + "ok"
	s := newSegmenter(10, 10, defaultUnitHardLimit)
	units := append(s.Push(text), s.Flush()...)

	expected := []string{strings.Repeat("x", 30) + " costs 1,000 dollars,", "ok"}
	if !slices.Equal(units, expected) {
		t.Fatalf("expected %q, got %q", expected, units)
	}
}

func TestSegmenterCutsAtHardLimit(t *testing.T) {
	text := strings.Repeat("a", 200)
	units := segmentAll([]string{text})

	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	for i, unit := range units[:2] {
		if n := utf8.RuneCountInString(unit); n != defaultUnitHardLimit {
			t.Fatalf("expected unit %d to have %d runes, got %d", i, defaultUnitHardLimit, n)
		}
	}
	if strings.Join(units, "") != text {
		t.Fatalf("expected units to cover the whole text")
	}
}

func TestSegmenterCutsAtLastSpaceBeforeHardLimit(t *testing.T) {
	text := strings.Repeat("word ", 30)
	s := newSegmenter(defaultFirstUnitSoftLimit, defaultUnitSoftLimit, defaultUnitHardLimit)

	var units []string
	for _, r := range text {
		units = append(units, s.Push(string(r))...)
		for _, unit := range units {
			if utf8.RuneCountInString(unit) > defaultUnitHardLimit {
				t.Fatalf("expected no unit longer than %d runes, got %q", defaultUnitHardLimit, unit)
			}
		}
	}
	if len(units) == 0 {
		t.Fatalf("expected a unit before the stream ended")
	}
	if !strings.HasSuffix(units[0], "word") {
		t.Fatalf("expected cut at a word boundary, got %q", units[0])
	}
}

func TestSegmenterIsDeterministicAcrossTokenizations(t *testing.T) {
	text := "今天北京晴，气温二十五度，非常适合出门。上午可以去故宫看看，下午逛逛景山公园，晚上去南锣鼓巷吃点小吃。" +
		"Prices are 3.5 yuan, roughly. Done! " + strings.Repeat("long ", 25) + "tail…and more… end"
	expected := segmentAll([]string{text})

	runes := []rune(text)
	perRune := make([]string, len(runes))
	for i, r := range runes {
		perRune[i] = string(r)
	}
	if got := segmentAll(perRune); !slices.Equal(got, expected) {
		t.Fatalf("expected per-rune tokens to give %q, got %q", expected, got)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		var tokens []string
		for i := 0; i < len(runes); {
			n := 1 + rng.IntN(6)
			end := min(len(runes), i+n)
			tokens = append(tokens, string(runes[i:end]))
			i = end
		}
		if got := segmentAll(tokens); !slices.Equal(got, expected) {
			t.Fatalf("expected tokenization %q to give %q, got %q", tokens, expected, got)
		}
	}
}
