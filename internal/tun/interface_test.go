package tun

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeDevice is an in-memory Device: Read blocks on a channel, Write records
// frames in order.
type fakeDevice struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{in: make(chan []byte, 16)}
}

func (d *fakeDevice) Read(buf []byte) (int, error) {
	frame, ok := <-d.in
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, frame), nil
}

func (d *fakeDevice) Write(frame []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.New("device closed")
	}
	cp := append([]byte(nil), frame...)
	d.written = append(d.written, cp)
	return len(frame), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.in)
	}
	return nil
}

func (d *fakeDevice) Name() string { return "PeerBridge Test" }

func (d *fakeDevice) writtenFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	copy(out, d.written)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRxDeliversFramesInOrder(t *testing.T) {
	dev := newFakeDevice()
	iface := NewInterface(dev)
	defer iface.Close()

	var mu sync.Mutex
	var got [][]byte
	iface.SetPacketCallback(func(frame []byte) {
		mu.Lock()
		got = append(got, frame)
		mu.Unlock()
	})

	if !iface.Start() {
		t.Fatal("Start failed")
	}

	frames := [][]byte{{0x45, 1}, {0x45, 2}, {0x45, 3}}
	for _, f := range frames {
		dev.in <- f
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(frames)
	}, "RX frames not delivered")

	mu.Lock()
	defer mu.Unlock()
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Errorf("frame %d = % X, want % X", i, got[i], frames[i])
		}
	}
}

func TestTxWritesQueuedFramesInOrder(t *testing.T) {
	dev := newFakeDevice()
	iface := NewInterface(dev)
	defer iface.Close()

	if !iface.Start() {
		t.Fatal("Start failed")
	}

	frames := [][]byte{{0x45, 0xAA}, {0x45, 0xBB}, {0x45, 0xCC}}
	for _, f := range frames {
		if !iface.Send(f) {
			t.Fatalf("Send(% X) failed", f)
		}
	}

	waitFor(t, time.Second, func() bool {
		return len(dev.writtenFrames()) == len(frames)
	}, "TX frames not written")

	written := dev.writtenFrames()
	for i := range frames {
		if !bytes.Equal(written[i], frames[i]) {
			t.Errorf("written %d = % X, want % X", i, written[i], frames[i])
		}
	}
}

func TestSendFailsWhenNotRunning(t *testing.T) {
	dev := newFakeDevice()
	iface := NewInterface(dev)
	defer iface.Close()

	if iface.Send([]byte{0x45}) {
		t.Error("Send succeeded before Start")
	}

	iface.Start()
	iface.Stop()

	if iface.Send([]byte{0x45}) {
		t.Error("Send succeeded after Stop")
	}
}

func TestStopJoinsWorkersAndAllowsRestart(t *testing.T) {
	dev := newFakeDevice()
	iface := NewInterface(dev)
	defer iface.Close()

	iface.Start()
	iface.Stop()

	if iface.IsRunning() {
		t.Error("IsRunning after Stop")
	}

	// Stop again: must be a no-op.
	iface.Stop()

	// A fresh Start must work after Stop.
	if !iface.Start() {
		t.Fatal("restart after Stop failed")
	}
	if !iface.Send([]byte{0x45, 0x01}) {
		t.Fatal("Send after restart failed")
	}
	waitFor(t, time.Second, func() bool {
		return len(dev.writtenFrames()) == 1
	}, "frame not written after restart")
}

func TestDoubleStartRejected(t *testing.T) {
	dev := newFakeDevice()
	iface := NewInterface(dev)
	defer iface.Close()

	if !iface.Start() {
		t.Fatal("first Start failed")
	}
	if iface.Start() {
		t.Error("second Start succeeded while running")
	}
}

func TestCloseIdempotent(t *testing.T) {
	dev := newFakeDevice()
	iface := NewInterface(dev)

	iface.Start()
	iface.Close()
	iface.Close() // second close must be harmless

	if iface.Send([]byte{0x45}) {
		t.Error("Send succeeded after Close")
	}
}

func TestAlias(t *testing.T) {
	iface := NewInterface(newFakeDevice())
	defer iface.Close()

	if iface.Alias() != "PeerBridge Test" {
		t.Errorf("Alias = %q, want %q", iface.Alias(), "PeerBridge Test")
	}
}
