package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/StefanGC1/PeerBridge-CLI/internal/protocol"
	"github.com/StefanGC1/PeerBridge-CLI/internal/state"
)

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// newTestTransport binds a loopback transport with its own state manager.
func newTestTransport(t *testing.T) (*UDPTransport, *state.Manager) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	sm := state.NewManager()
	tr := NewUDPTransport(conn, sm)
	if !tr.StartListening(0) {
		t.Fatal("StartListening failed")
	}
	t.Cleanup(tr.Shutdown)
	return tr, sm
}

// drainEvents empties the queue and returns the event kinds in order.
func drainEvents(sm *state.Manager) []state.NetworkEvent {
	var out []state.NetworkEvent
	for {
		e, ok := sm.NextEvent()
		if !ok {
			return out
		}
		out = append(out, e.Event)
	}
}

func hasEvent(events []state.NetworkEvent, want state.NetworkEvent) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

// TestHandshake runs the happy path: both sides punch, both end up connected,
// and both queues carry PEER_CONNECTED.
func TestHandshake(t *testing.T) {
	a, smA := newTestTransport(t)
	b, smB := newTestTransport(t)

	aAddr := a.LocalAddr()
	bAddr := b.LocalAddr()

	if !a.ConnectToPeer("127.0.0.1", bAddr.Port) {
		t.Fatal("A.ConnectToPeer failed")
	}
	if !b.ConnectToPeer("127.0.0.1", aAddr.Port) {
		t.Fatal("B.ConnectToPeer failed")
	}

	waitFor(t, 2*time.Second, func() bool {
		return a.IsConnected() && b.IsConnected()
	}, "peers did not connect within 2s")

	waitFor(t, time.Second, func() bool { return smA.HasEvents() }, "A queued no events")
	waitFor(t, time.Second, func() bool { return smB.HasEvents() }, "B queued no events")

	eA, ok := smA.NextEvent()
	if !ok || eA.Event != state.PeerConnected {
		t.Fatalf("A's first event = %v, want PEER_CONNECTED", eA.Event)
	}
	if eA.Endpoint == "" {
		t.Error("PEER_CONNECTED event carries no endpoint")
	}

	eB, _ := smB.NextEvent()
	if eB.Event != state.PeerConnected {
		t.Fatalf("B's first event = %v, want PEER_CONNECTED", eB.Event)
	}
}

// TestHolePunchBurst verifies the initial burst: five HOLE_PUNCH packets with
// sequences 0..4, without the sender marking itself connected. The spacing
// between packets is not checked.
func TestHolePunchBurst(t *testing.T) {
	a, _ := newTestTransport(t)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind sink: %v", err)
	}
	defer sink.Close()

	if !a.ConnectToPeer("127.0.0.1", sink.LocalAddr().(*net.UDPAddr).Port) {
		t.Fatal("ConnectToPeer failed")
	}

	buf := make([]byte, protocol.MaxPacketSize)
	for i := 0; i < 5; i++ {
		sink.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := sink.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("punch %d not received: %v", i, err)
		}
		h, err := protocol.ParseHeader(buf[:n])
		if err != nil {
			t.Fatalf("punch %d unparseable: %v", i, err)
		}
		if h.Type != protocol.TypeHolePunch {
			t.Errorf("packet %d type = 0x%02X, want HOLE_PUNCH", i, h.Type)
		}
		if h.Sequence != uint32(i) {
			t.Errorf("packet %d sequence = %d, want %d", i, h.Sequence, i)
		}
	}

	// No inbound traffic: the sender must not consider itself connected.
	if a.IsConnected() {
		t.Error("initiator marked connected without inbound traffic")
	}
}

// TestPayloadDeliveryAndAck covers the round trip: the payload arrives intact
// at the far side's callback and the sender's pending-ack entry is cleared by
// the returning ACK.
func TestPayloadDeliveryAndAck(t *testing.T) {
	a, _ := newTestTransport(t)
	b, _ := newTestTransport(t)

	a.ConnectToPeer("127.0.0.1", b.LocalAddr().Port)
	b.ConnectToPeer("127.0.0.1", a.LocalAddr().Port)
	waitFor(t, 2*time.Second, func() bool { return a.IsConnected() && b.IsConnected() }, "no handshake")

	var mu sync.Mutex
	var received [][]byte
	b.SetMessageCallback(func(payload []byte) {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	})

	// An 84-byte ICMP echo request 10.0.0.2 -> 10.0.0.1.
	frame := make([]byte, 84)
	copy(frame, []byte{
		0x45, 0x00, 0x00, 0x54, 0x00, 0x01, 0x00, 0x00,
		0x40, 0x01, 0xf7, 0x6a, 0x0a, 0x00, 0x00, 0x02,
		0x0a, 0x00, 0x00, 0x01, 0x08, 0x00,
	})

	if !a.SendMessage(frame) {
		t.Fatal("SendMessage failed")
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "payload not delivered")

	mu.Lock()
	if !bytes.Equal(received[0], frame) {
		t.Error("delivered payload differs from sent frame")
	}
	mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return a.PendingAckCount() == 0 },
		"pending ack not cleared by returning ACK")
}

// TestEmptyPayloadMessage: a MESSAGE with payload length 0 is valid and
// delivers an empty payload.
func TestEmptyPayloadMessage(t *testing.T) {
	a, _ := newTestTransport(t)
	b, _ := newTestTransport(t)

	a.ConnectToPeer("127.0.0.1", b.LocalAddr().Port)
	b.ConnectToPeer("127.0.0.1", a.LocalAddr().Port)
	waitFor(t, 2*time.Second, func() bool { return a.IsConnected() && b.IsConnected() }, "no handshake")

	delivered := make(chan []byte, 1)
	b.SetMessageCallback(func(payload []byte) { delivered <- payload })

	if !a.SendMessage(nil) {
		t.Fatal("SendMessage(nil) failed")
	}

	select {
	case payload := <-delivered:
		if len(payload) != 0 {
			t.Errorf("payload length = %d, want 0", len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("empty MESSAGE not delivered")
	}
}

// TestSendMessageOversized: a payload over the maximum is rejected before
// touching the socket or the pending-ack table.
func TestSendMessageOversized(t *testing.T) {
	a, _ := newTestTransport(t)
	a.ConnectToPeer("127.0.0.1", 9) // discard port; never read

	if a.SendMessage(make([]byte, protocol.MaxPayloadSize+1)) {
		t.Error("oversized SendMessage returned true")
	}
	if n := a.PendingAckCount(); n != 0 {
		t.Errorf("pending acks = %d after rejected send, want 0", n)
	}
}

// TestOversizedDeclaredPayloadDropped: a MESSAGE whose header declares more
// payload than the datagram carries is dropped without a callback.
func TestOversizedDeclaredPayloadDropped(t *testing.T) {
	b, _ := newTestTransport(t)

	delivered := make(chan []byte, 1)
	b.SetMessageCallback(func(payload []byte) { delivered <- payload })

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind raw socket: %v", err)
	}
	defer raw.Close()

	packet := protocol.BuildPacket(protocol.TypeMessage, 0, []byte{1, 2, 3, 4})
	binary.BigEndian.PutUint32(packet[12:16], 4096) // lie about the length
	raw.WriteToUDP(packet, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.LocalAddr().Port})

	select {
	case <-delivered:
		t.Fatal("malformed MESSAGE reached the callback")
	case <-time.After(300 * time.Millisecond):
	}
}

// TestBareHolePunchAccepted: a datagram of exactly 16 bytes with type
// HOLE_PUNCH establishes the connection and adopts the sender endpoint.
func TestBareHolePunchAccepted(t *testing.T) {
	b, sm := newTestTransport(t)

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind raw socket: %v", err)
	}
	defer raw.Close()

	packet := protocol.BuildPacket(protocol.TypeHolePunch, 0, nil)
	if len(packet) != 16 {
		t.Fatalf("hole punch packet length = %d, want 16", len(packet))
	}
	raw.WriteToUDP(packet, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.LocalAddr().Port})

	waitFor(t, time.Second, b.IsConnected, "16-byte HOLE_PUNCH did not connect the peer")

	events := drainEvents(sm)
	if !hasEvent(events, state.PeerConnected) {
		t.Error("no PEER_CONNECTED event queued")
	}
	if b.PeerEndpoint() != raw.LocalAddr().String() {
		t.Errorf("adopted endpoint = %s, want %s", b.PeerEndpoint(), raw.LocalAddr())
	}
}

// TestBadMagicDropped: datagrams failing the magic gate change nothing.
func TestBadMagicDropped(t *testing.T) {
	b, sm := newTestTransport(t)

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind raw socket: %v", err)
	}
	defer raw.Close()

	packet := protocol.BuildPacket(protocol.TypeHolePunch, 0, nil)
	binary.BigEndian.PutUint32(packet[0:4], 0xBADC0FFE)
	raw.WriteToUDP(packet, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.LocalAddr().Port})

	time.Sleep(200 * time.Millisecond)
	if b.IsConnected() {
		t.Error("bad-magic packet connected the peer")
	}
	if events := drainEvents(sm); len(events) != 0 {
		t.Errorf("bad-magic packet queued events: %v", events)
	}
}

// TestGracefulDisconnect: stopping one side emits DISCONNECT; the other side
// marks the peer gone and queues ALL_PEERS_DISCONNECTED.
func TestGracefulDisconnect(t *testing.T) {
	a, _ := newTestTransport(t)
	b, smB := newTestTransport(t)

	a.ConnectToPeer("127.0.0.1", b.LocalAddr().Port)
	b.ConnectToPeer("127.0.0.1", a.LocalAddr().Port)
	waitFor(t, 2*time.Second, func() bool { return a.IsConnected() && b.IsConnected() }, "no handshake")

	drainEvents(smB)
	a.StopConnection()

	waitFor(t, 2*time.Second, func() bool { return !b.IsConnected() },
		"B still connected after A's disconnect")

	waitFor(t, time.Second, func() bool {
		return hasEvent(drainEvents(smB), state.AllPeersDisconnected)
	}, "no ALL_PEERS_DISCONNECTED event on B")
}

// TestStopConnectionIdempotent: a second StopConnection is a no-op, and
// Shutdown afterwards still closes the socket cleanly.
func TestStopConnectionIdempotent(t *testing.T) {
	a, sm := newTestTransport(t)
	a.ConnectToPeer("127.0.0.1", 9)

	a.StopConnection()
	if got := sm.GetState(); got != state.Idle {
		t.Fatalf("state after StopConnection = %s, want IDLE", got)
	}

	a.StopConnection() // must not panic or change anything
	if got := sm.GetState(); got != state.Idle {
		t.Fatalf("state after second StopConnection = %s, want IDLE", got)
	}

	a.Shutdown()
	if got := sm.GetState(); got != state.ShuttingDown {
		t.Fatalf("state after Shutdown = %s, want SHUTTING_DOWN", got)
	}
	a.Shutdown() // double shutdown must be harmless
}

// TestStrayPacketsConsumedAfterStop: after StopConnection the transport
// consumes non-DISCONNECT packets without reconnecting.
func TestStrayPacketsConsumedAfterStop(t *testing.T) {
	b, sm := newTestTransport(t)
	b.ConnectToPeer("127.0.0.1", 9)
	b.StopConnection()
	drainEvents(sm)

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind raw socket: %v", err)
	}
	defer raw.Close()

	packet := protocol.BuildPacket(protocol.TypeHolePunch, 7, nil)
	raw.WriteToUDP(packet, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.LocalAddr().Port})

	time.Sleep(200 * time.Millisecond)
	if b.IsConnected() {
		t.Error("stray packet reconnected a stopped transport")
	}
	if events := drainEvents(sm); hasEvent(events, state.PeerConnected) {
		t.Error("stray packet queued PEER_CONNECTED after stop")
	}
}

// TestSendMessageAfterStop: a stopped transport rejects sends outright.
func TestSendMessageAfterStop(t *testing.T) {
	a, _ := newTestTransport(t)
	a.ConnectToPeer("127.0.0.1", 9)
	a.StopConnection()

	if a.SendMessage([]byte{1, 2, 3}) {
		t.Error("SendMessage succeeded on a stopped transport")
	}
}

// TestSilentPeerTimeout: a connected peer that stops sending is declared
// dead by the keep-alive's timeout check and ALL_PEERS_DISCONNECTED is
// queued. The threshold is shortened so the first keep-alive tick catches it.
func TestSilentPeerTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a keep-alive tick")
	}

	a, smA := newTestTransport(t)
	a.peerTimeout = 200 * time.Millisecond

	// The "peer" is a raw socket that answers the punch once, then goes
	// silent — a severed network rather than a graceful disconnect.
	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind raw socket: %v", err)
	}
	defer raw.Close()

	a.ConnectToPeer("127.0.0.1", raw.LocalAddr().(*net.UDPAddr).Port)
	raw.WriteToUDP(protocol.BuildPacket(protocol.TypeHolePunch, 0, nil),
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: a.LocalAddr().Port})

	waitFor(t, 2*time.Second, a.IsConnected, "peer never marked connected")
	drainEvents(smA)

	waitFor(t, 8*time.Second, func() bool { return !a.IsConnected() },
		"silent peer never timed out")
	waitFor(t, time.Second, func() bool {
		return hasEvent(drainEvents(smA), state.AllPeersDisconnected)
	}, "no ALL_PEERS_DISCONNECTED after timeout")
}

// TestSequenceMonotonicity: consecutive MESSAGEs carry strictly increasing
// sequence numbers.
func TestSequenceMonotonicity(t *testing.T) {
	a, _ := newTestTransport(t)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind sink: %v", err)
	}
	defer sink.Close()

	a.ConnectToPeer("127.0.0.1", sink.LocalAddr().(*net.UDPAddr).Port)

	// Collect sequences of MESSAGE packets only; hole punches interleave.
	done := make(chan []uint32, 1)
	go func() {
		var seqs []uint32
		buf := make([]byte, protocol.MaxPacketSize)
		for len(seqs) < 3 {
			sink.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, _, err := sink.ReadFromUDP(buf)
			if err != nil {
				break
			}
			if h, err := protocol.ParseHeader(buf[:n]); err == nil && h.Type == protocol.TypeMessage {
				seqs = append(seqs, h.Sequence)
			}
		}
		done <- seqs
	}()

	for i := 0; i < 3; i++ {
		a.SendMessage([]byte{byte(i)})
	}

	seqs := <-done
	if len(seqs) != 3 {
		t.Fatalf("captured %d MESSAGEs, want 3", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence not monotonic: %v", seqs)
		}
	}
}
