package tokens

import "testing"

func TestHeuristicCountASCII(t *testing.T) {
	// 16 ASCII characters at 4 chars per token.
	if got := HeuristicCount("abcdefghijklmnop"); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
}

func TestHeuristicCountCJK(t *testing.T) {
	// 6 ideographs at 2 per token.
	if got := HeuristicCount("你好世界你好"); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestHeuristicCountMixed(t *testing.T) {
	// 4 CJK -> 2 tokens, 8 ASCII -> 2 tokens.
	if got := HeuristicCount("你好世界deployed"); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
}

func TestCountTextEmpty(t *testing.T) {
	e := NewEstimator()
	if got := e.CountText(""); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestCountTextMonotonic(t *testing.T) {
	e := NewEstimator()
	short := e.CountText("hello world")
	long := e.CountText("hello world, this is a considerably longer sentence about nothing in particular")
	if long <= short {
		t.Errorf("longer text should cost more tokens: short=%d long=%d", short, long)
	}
}
