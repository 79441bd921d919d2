// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	want := epoch.Add(5 * time.Second)
	if got := clock.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockSleepWakesOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	woke := make(chan struct{})

	go func() {
		clock.Sleep(3 * time.Second)
		close(woke)
	}()

	// Wait for the sleeper to register.
	for clock.Sleepers() == 0 {
		time.Sleep(time.Millisecond)
	}

	clock.Advance(2 * time.Second)
	select {
	case <-woke:
		t.Fatal("Sleep returned before its deadline")
	case <-time.After(10 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after the deadline passed")
	}
}

func TestFakeClockSleepZeroReturnsImmediately(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		clock.Sleep(0)
		clock.Sleep(-time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep(0) blocked")
	}
}

func TestRealClockNow(t *testing.T) {
	before := time.Now()
	got := Real().Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("Real().Now() = %v, outside [%v, %v]", got, before, after)
	}
}
