package protocol

import "testing"

// Known breakpoints of the firmware mapping.
func TestMapFrequencyBreakpoints(t *testing.T) {
	cases := []struct {
		input    int
		expected uint8
	}{
		{10, 10},
		{50, 50},
		{100, 100},
		{101, 100},
		{105, 101},
		{200, 120},
		{350, 150},
		{600, 200},
		{601, 200},
		{610, 201},
		{800, 220},
		{1000, 240},
	}

	for _, c := range cases {
		got := MapFrequency(c.input)
		if got != c.expected {
			t.Errorf("MapFrequency(%d) = %d, expected %d", c.input, got, c.expected)
		}
	}
}

func TestMapFrequencyClampsDomain(t *testing.T) {
	if got := MapFrequency(0); got != 10 {
		t.Errorf("MapFrequency(0) = %d, expected 10", got)
	}
	if got := MapFrequency(-5); got != 10 {
		t.Errorf("MapFrequency(-5) = %d, expected 10", got)
	}
	if got := MapFrequency(5000); got != 240 {
		t.Errorf("MapFrequency(5000) = %d, expected 240", got)
	}
}

// The mapping must be monotonic non-decreasing and stay inside the device's
// native range across the whole input domain.
func TestMapFrequencyMonotonic(t *testing.T) {
	prev := MapFrequency(MinInputFrequency)
	for in := MinInputFrequency; in <= MaxInputFrequency; in++ {
		got := MapFrequency(in)
		if got < prev {
			t.Fatalf("MapFrequency(%d) = %d dropped below MapFrequency(%d) = %d", in, got, in-1, prev)
		}
		if got < MinDeviceFrequency || got > MaxDeviceFrequency {
			t.Fatalf("MapFrequency(%d) = %d outside device range [%d, %d]",
				in, got, MinDeviceFrequency, MaxDeviceFrequency)
		}
		prev = got
	}
}
