package transport

import (
	"testing"
	"time"
)

func TestPeerInfoConnectRefreshesActivity(t *testing.T) {
	p := NewPeerInfo()

	if p.IsConnected() {
		t.Fatal("new peer should not be connected")
	}

	before := p.LastActivity()
	time.Sleep(10 * time.Millisecond)
	p.SetConnected(true)

	if !p.IsConnected() {
		t.Fatal("peer should be connected")
	}
	if !p.LastActivity().After(before) {
		t.Error("SetConnected(true) did not refresh activity")
	}
}

func TestPeerInfoTimeout(t *testing.T) {
	p := NewPeerInfo()

	// A disconnected peer never times out, no matter how stale.
	if p.HasTimedOut(0) {
		t.Error("disconnected peer reported timed out")
	}

	p.SetConnected(true)
	if p.HasTimedOut(time.Minute) {
		t.Error("fresh connection reported timed out")
	}

	time.Sleep(20 * time.Millisecond)
	if !p.HasTimedOut(time.Millisecond) {
		t.Error("silent peer did not time out")
	}

	// Activity refresh clears the timeout.
	p.UpdateActivity()
	if p.HasTimedOut(10 * time.Second) {
		t.Error("active peer reported timed out")
	}

	// Disconnecting clears it as well.
	p.SetConnected(false)
	time.Sleep(20 * time.Millisecond)
	if p.HasTimedOut(time.Millisecond) {
		t.Error("disconnected peer reported timed out")
	}
}
