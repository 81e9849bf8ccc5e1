package timer

import "testing"

func TestCounterTickWrapsHighWord(t *testing.T) {
	c := &Counter{TimeLow: 0xFFFFFFF0}

	c.Tick(0x20)

	if c.TimeHigh != 1 {
		t.Fatalf("expected high word to increment on wrap, got %d", c.TimeHigh)
	}

	if c.TimeLow != 0x10 {
		t.Fatalf("expected low word to wrap to 0x10, got %#x", c.TimeLow)
	}
}

func TestCounterNow(t *testing.T) {
	c := &Counter{TimeLow: 42, TimeHigh: 7}

	got := c.Now()
	want := uint64(7)<<32 | 42

	if got != want {
		t.Fatalf("Now() = %#x, want %#x", got, want)
	}
}

type fakeFirmware struct {
	lo, hi uint32
}

func (f *fakeFirmware) SetTimer(lo, hi uint32) {
	f.lo, f.hi = lo, hi
}

func TestArmNextSchedulesQuantumAhead(t *testing.T) {
	c := &Counter{}
	fw := &fakeFirmware{}

	ArmNext(c, fw, Quantum)

	want := millisecsToTicks(Quantum)
	got := uint64(fw.hi)<<32 | uint64(fw.lo)

	if got != want {
		t.Fatalf("ArmNext deadline = %d ticks, want %d", got, want)
	}
}

func TestMillisecsToTicks(t *testing.T) {
	cases := []struct {
		ms   uint32
		want uint64
	}{
		{0, 0},
		{1000, TicksPerSecond},
		{500, TicksPerSecond / 2},
	}

	for _, c := range cases {
		if got := millisecsToTicks(c.ms); got != c.want {
			t.Errorf("millisecsToTicks(%d) = %d, want %d", c.ms, got, c.want)
		}
	}
}
