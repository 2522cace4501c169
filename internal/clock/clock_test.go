package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", f.Now(), start)
	}

	f.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !f.Now().Equal(want) {
		t.Fatalf("after Advance, Now() = %v, want %v", f.Now(), want)
	}
}

func TestFakeSet(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	target := time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)
	f.Set(target)
	if !f.Now().Equal(target) {
		t.Fatalf("Now() = %v, want %v", f.Now(), target)
	}
}

func TestSystemClockMonotonicity(t *testing.T) {
	c := New()
	a := c.Now()
	time.Sleep(time.Millisecond)
	b := c.Now()
	if !b.After(a) {
		t.Fatalf("expected system clock to advance: a=%v b=%v", a, b)
	}
}
