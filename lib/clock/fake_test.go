// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowStandsStill(t *testing.T) {
	c := Fake(testEpoch)
	if !c.Now().Equal(testEpoch) {
		t.Fatalf("Now() = %v, want %v", c.Now(), testEpoch)
	}
	if !c.Now().Equal(testEpoch) {
		t.Fatal("Now() moved without Advance")
	}
}

func TestFakeAdvanceMovesNow(t *testing.T) {
	c := Fake(testEpoch)
	c.Advance(90 * time.Second)
	want := testEpoch.Add(90 * time.Second)
	if !c.Now().Equal(want) {
		t.Fatalf("Now() = %v, want %v", c.Now(), want)
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(testEpoch)
	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(10 * time.Second)
	select {
	case got := <-ch:
		want := testEpoch.Add(10 * time.Second)
		if !got.Equal(want) {
			t.Errorf("fire time = %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(testEpoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTickerFiresRepeatedly(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	// One Advance spanning three intervals delivers at most one tick
	// per drain because C has capacity 1; drain between advances to
	// observe each tick.
	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", i+1)
		}
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	c := Fake(testEpoch)
	done := make(chan struct{})

	go func() {
		c.Sleep(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	default:
	}

	c.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := Fake(testEpoch)
	first := c.After(time.Second)
	second := c.After(2 * time.Second)

	c.Advance(3 * time.Second)

	got1 := <-first
	got2 := <-second
	if !got1.Before(got2) {
		t.Errorf("fire order wrong: first=%v second=%v", got1, got2)
	}
}

func TestRealClockBasics(t *testing.T) {
	c := Real()
	before := time.Now()
	now := c.Now()
	if now.Before(before.Add(-time.Minute)) {
		t.Errorf("Real Now() = %v, far before %v", now, before)
	}

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C:
	case <-time.After(5 * time.Second):
		t.Fatal("real ticker did not tick")
	}
}
