package stats

import "testing"

func TestCollectorHistoryOrder(t *testing.T) {
	c := NewCollector()

	if got := c.Latest(); got.Battery != -1 {
		t.Fatalf("empty collector Latest = %+v, want battery -1", got)
	}

	c.Record(10, 20, 90)
	c.Record(30, 40, 89)

	history := c.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].StrengthA != 10 || history[1].StrengthA != 30 {
		t.Fatalf("history out of order: %+v", history)
	}
	if got := c.Latest(); got.StrengthB != 40 {
		t.Fatalf("Latest strength B = %d, want 40", got.StrengthB)
	}
}

func TestCollectorRingWraps(t *testing.T) {
	c := NewCollector()
	for i := 0; i < HistorySize+10; i++ {
		c.Record(i, 0, -1)
	}

	history := c.History()
	if len(history) != HistorySize {
		t.Fatalf("history length = %d, want %d", len(history), HistorySize)
	}
	if history[0].StrengthA != 10 {
		t.Fatalf("oldest sample = %d, want 10", history[0].StrengthA)
	}
	if history[HistorySize-1].StrengthA != HistorySize+9 {
		t.Fatalf("newest sample = %d, want %d", history[HistorySize-1].StrengthA, HistorySize+9)
	}
}

func TestLogBufferRecent(t *testing.T) {
	b := NewLogBuffer(4)
	for _, line := range []string{"one", "two", "three", "four", "five"} {
		b.Add("test", line)
	}

	recent := b.GetRecent(2)
	if len(recent) != 2 {
		t.Fatalf("recent length = %d, want 2", len(recent))
	}
	if recent[0].Line != "four" || recent[1].Line != "five" {
		t.Fatalf("recent = %q %q, want four five", recent[0].Line, recent[1].Line)
	}
}
