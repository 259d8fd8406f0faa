// Package transport implements the UDP tunnel engine: custom framing, hole
// punching, keep-alive, acknowledgement tracking, timeout detection, and
// graceful disconnect. It owns the socket handed over by the STUN probe and
// reports connection-lifecycle changes through the shared event queue.
package transport

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/StefanGC1/PeerBridge-CLI/internal/protocol"
	"github.com/StefanGC1/PeerBridge-CLI/internal/state"
	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// Tuning constants.
const (
	// DefaultPeerTimeout is how long a connected peer may stay silent
	// before it is declared dead.
	DefaultPeerTimeout = 20 * time.Second

	keepAliveInterval  = 3 * time.Second
	holePunchCount     = 5
	holePunchInterval  = 100 * time.Millisecond
	disconnectCount    = 3
	disconnectInterval = 50 * time.Millisecond
	socketBufferSize   = 4 * 1024 * 1024
)

// MessageCallback delivers the payload of a received MESSAGE packet.
type MessageCallback func(payload []byte)

// UDPTransport frames, sends and receives tunnel packets over a single UDP
// socket. One peer per instance; the peer endpoint is learned either from
// ConnectToPeer or adopted from the first valid inbound packet.
type UDPTransport struct {
	conn    *net.UDPConn
	stateMg *state.Manager
	peer    *PeerInfo

	// peerTimeout is the silence threshold; DefaultPeerTimeout outside tests.
	peerTimeout time.Duration

	running atomic.Bool
	nextSeq atomic.Uint32

	peerMu       sync.RWMutex
	peerAddr     *net.UDPAddr
	peerEndpoint string

	ackMu       sync.Mutex
	pendingAcks map[uint32]time.Time

	cbMu      sync.RWMutex
	onMessage MessageCallback

	kaMu   sync.Mutex
	kaStop chan struct{}

	recvDone    chan struct{}
	recvStarted atomic.Bool
	recvOnce    sync.Once
	closeOnce   sync.Once
}

// NewUDPTransport creates a transport owning conn. The socket typically comes
// from the STUN probe so the tunnel reuses the NAT binding; it may also be a
// freshly bound socket in tests.
func NewUDPTransport(conn *net.UDPConn, sm *state.Manager) *UDPTransport {
	return &UDPTransport{
		conn:        conn,
		stateMg:     sm,
		peer:        NewPeerInfo(),
		peerTimeout: DefaultPeerTimeout,
		pendingAcks: make(map[uint32]time.Time),
		recvDone:    make(chan struct{}),
	}
}

// StartListening sizes the socket buffers and starts the receive loop.
// The port argument is informational when the socket is already bound; a nil
// socket is bound to it here.
func (t *UDPTransport) StartListening(port int) bool {
	if t.conn == nil {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err != nil {
			util.LogError("[Network] Failed to start UDP listener: %v", err)
			return false
		}
		t.conn = conn
	}

	// Large kernel buffers for high-throughput scenarios. A platform that
	// refuses the size is logged and tolerated.
	if err := t.conn.SetWriteBuffer(socketBufferSize); err != nil {
		util.LogWarning("[Network] Failed to set send buffer size: %v", err)
	}
	if err := t.conn.SetReadBuffer(socketBufferSize); err != nil {
		util.LogWarning("[Network] Failed to set receive buffer size: %v", err)
	}

	t.running.Store(true)
	t.recvOnce.Do(func() {
		t.recvStarted.Store(true)
		go t.receiveLoop()
	})

	util.LogInfo("[Network] Listening on UDP %s", t.conn.LocalAddr())
	return true
}

// ConnectToPeer records the peer endpoint and starts hole punching. The peer
// is not marked connected here; that waits for the first valid inbound
// packet, which proves the path works in both directions.
func (t *UDPTransport) ConnectToPeer(ip string, port int) bool {
	if t.peer.IsConnected() {
		util.LogWarning("[Network] Already connected to a peer")
		return false
	}

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		util.LogError("[Network] Failed to resolve peer address %s:%d: %v", ip, port, err)
		return false
	}

	t.peerMu.Lock()
	t.peerAddr = addr
	t.peerEndpoint = addr.String()
	t.peerMu.Unlock()

	util.LogInfo("[Network] Starting UDP hole punching to %s", addr)
	t.running.Store(true)
	t.stateMg.SetState(state.Connecting)

	go t.holePunchingProcess()
	return true
}

// holePunchingProcess transmits the initial burst of hole-punch packets and
// arms the keep-alive timer.
func (t *UDPTransport) holePunchingProcess() {
	for i := 0; i < holePunchCount; i++ {
		t.sendHolePunch()
		time.Sleep(holePunchInterval)
	}
	t.startKeepAlive()
}

func (t *UDPTransport) sendHolePunch() {
	packet := protocol.BuildPacket(protocol.TypeHolePunch, t.nextSequence(), nil)
	if err := t.writeToPeer(packet); err != nil {
		util.LogError("[Network] Error sending hole-punch packet: %v", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Keep-alive
// ──────────────────────────────────────────────────────────────────────────────

// startKeepAlive arms the 3-second keep-alive timer. Each tick sends a
// hole-punch packet (doubling as a NAT refresh) and, while connected, runs
// the silence-timeout check. Stopping the connection cancels the timer for
// good; there are no post-stop keep-alives.
func (t *UDPTransport) startKeepAlive() {
	t.kaMu.Lock()
	if t.kaStop != nil {
		t.kaMu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.kaStop = stop
	t.kaMu.Unlock()

	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !t.running.Load() {
					return
				}
				t.sendHolePunch()
				if t.peer.IsConnected() {
					t.checkTimeouts()
				}
			case <-stop:
				return
			}
		}
	}()
}

func (t *UDPTransport) stopKeepAlive() {
	t.kaMu.Lock()
	if t.kaStop != nil {
		close(t.kaStop)
		t.kaStop = nil
	}
	t.kaMu.Unlock()
}

// checkTimeouts declares the peer dead after peerTimeout of silence.
func (t *UDPTransport) checkTimeouts() {
	if !t.peer.HasTimedOut(t.peerTimeout) {
		return
	}
	elapsed := time.Since(t.peer.LastActivity()).Round(time.Second)
	util.LogError("[Network] Connection timeout. No packets received for %v (threshold: %v)", elapsed, t.peerTimeout)
	t.peer.SetConnected(false)
	t.notifyEvent(state.NewEvent(state.AllPeersDisconnected))
}

// ──────────────────────────────────────────────────────────────────────────────
// Send path
// ──────────────────────────────────────────────────────────────────────────────

// SendMessage frames payload as a MESSAGE packet and sends it to the peer.
// Returns false without touching the socket when the transport is stopped or
// the payload exceeds the maximum. Delivery is best-effort: a full send
// buffer drops the packet, and no retransmission ever happens.
func (t *UDPTransport) SendMessage(payload []byte) bool {
	if !t.running.Load() || t.conn == nil {
		util.LogError("[Network] Cannot send message: network not running")
		return false
	}
	if len(payload) > protocol.MaxPayloadSize {
		util.LogError("[Network] Message too large, max size is %d", protocol.MaxPayloadSize)
		return false
	}

	seq := t.nextSequence()
	packet := protocol.BuildPacket(protocol.TypeMessage, seq, payload)

	// Track for acknowledgment. Instrumentation only; nothing is resent.
	t.ackMu.Lock()
	t.pendingAcks[seq] = time.Now()
	t.ackMu.Unlock()

	if err := t.writeToPeer(packet); err != nil {
		if isWouldBlock(err) {
			util.LogInfo("[Network] Dropping packet due to send buffer limits: seq=%d", seq)
			util.Stats.AddDropped()
			t.forgetAck(seq)
			return true
		}
		util.LogError("[Network] Send error: %v", err)
		t.forgetAck(seq)
		t.handleDisconnect()
		return false
	}

	util.Stats.AddSent(len(payload))
	util.LogTraffic("[Network] TX MESSAGE seq=%d len=%d", seq, len(payload))
	return true
}

// SendDisconnectNotification posts a short burst of DISCONNECT packets to
// improve the odds one survives. Fire-and-forget; errors are ignored since
// the connection is going away regardless.
func (t *UDPTransport) SendDisconnectNotification() {
	if !t.peer.IsConnected() || t.conn == nil {
		return
	}

	util.LogInfo("[Network] Sending disconnect notification to peer")
	for i := 0; i < disconnectCount; i++ {
		packet := protocol.BuildPacket(protocol.TypeDisconnect, t.nextSequence(), nil)
		_ = t.writeToPeer(packet)
		time.Sleep(disconnectInterval)
	}
}

func (t *UDPTransport) writeToPeer(packet []byte) error {
	t.peerMu.RLock()
	addr := t.peerAddr
	t.peerMu.RUnlock()
	if addr == nil {
		return errors.New("no peer endpoint")
	}
	_, err := t.conn.WriteToUDP(packet, addr)
	return err
}

func (t *UDPTransport) forgetAck(seq uint32) {
	t.ackMu.Lock()
	delete(t.pendingAcks, seq)
	t.ackMu.Unlock()
}

// nextSequence hands out the monotonically increasing per-sender sequence,
// starting at 0.
func (t *UDPTransport) nextSequence() uint32 {
	return t.nextSeq.Add(1) - 1
}

// ──────────────────────────────────────────────────────────────────────────────
// Receive path
// ──────────────────────────────────────────────────────────────────────────────

// receiveLoop reads datagrams until the socket closes. Each iteration uses a
// fresh buffer so in-flight payload deliveries are never clobbered by the
// next read. A panic in a handler takes down only this transport.
func (t *UDPTransport) receiveLoop() {
	defer close(t.recvDone)
	defer func() {
		if r := recover(); r != nil {
			util.LogError("[Network] Receive loop panic: %v", r)
			go t.Shutdown()
		}
	}()

	for {
		buf := make([]byte, protocol.MaxPacketSize)
		n, sender, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isWouldBlock(err) {
				util.LogWarning("[Network] Recoverable receive error: %v, continuing", err)
				continue
			}
			util.LogError("[Network] Fatal receive error: %v, disconnecting", err)
			t.handleDisconnect()
			continue
		}
		t.processDatagram(buf[:n], sender)
	}
}

// processDatagram validates and dispatches one received datagram, following
// the fixed order: size, magic/version, activity update, stray-packet
// consumption, endpoint adoption, then per-type handling.
func (t *UDPTransport) processDatagram(data []byte, sender *net.UDPAddr) {
	if len(data) < protocol.HeaderSize {
		util.LogWarning("[Network] Received packet too small: %d bytes", len(data))
		return
	}

	h, err := protocol.ParseHeader(data)
	if err != nil {
		util.LogWarning("[Network] Dropping packet: %v", err)
		return
	}

	t.peer.UpdateActivity()

	if h.Type != protocol.TypeDisconnect {
		// Consume stray packets after stop.
		if !t.running.Load() {
			util.LogWarning("[Network] Received packet, but network not running")
			return
		}

		// First valid inbound packet confirms the path is bidirectional:
		// adopt the sender as the peer endpoint and report the connection.
		if !t.peer.IsConnected() {
			util.LogInfo("[Network] First valid packet received from peer, establishing connection")
			t.peerMu.Lock()
			t.peerAddr = sender
			t.peerEndpoint = sender.String()
			endpoint := t.peerEndpoint
			t.peerMu.Unlock()

			t.peer.SetConnected(true)
			t.notifyEvent(state.NewEventWithEndpoint(state.PeerConnected, endpoint))
		}
	}

	switch h.Type {
	case protocol.TypeHolePunch:
		util.LogTraffic("[Network] RX HOLE_PUNCH seq=%d", h.Sequence)

	case protocol.TypeHeartbeat:
		util.LogTraffic("[Network] RX HEARTBEAT seq=%d", h.Sequence)

	case protocol.TypeDisconnect:
		util.LogInfo("[Network] Received disconnect notification from peer")
		t.handleDisconnect()

	case protocol.TypeMessage:
		payload, err := protocol.Payload(data, h)
		if err != nil {
			util.LogError("[Network] Message length exceeds packet size")
			return
		}

		// Acknowledge by echoing the sequence back to the sender.
		ack := protocol.BuildPacket(protocol.TypeAck, h.Sequence, nil)
		if _, err := t.conn.WriteToUDP(ack, sender); err != nil && !errors.Is(err, net.ErrClosed) {
			util.LogError("[Network] Error sending ACK: %v", err)
		}

		util.Stats.AddRecv(len(payload))
		util.LogTraffic("[Network] RX MESSAGE seq=%d len=%d", h.Sequence, len(payload))
		if cb := t.messageCallback(); cb != nil {
			cb(payload)
		}

	case protocol.TypeAck:
		t.forgetAck(h.Sequence)

	default:
		util.LogError("[Network] Unknown packet type: 0x%02X", h.Type)
	}
}

// handleDisconnect marks the peer gone and queues the disconnect event.
// Safe to call repeatedly; only the first call after a connection reports.
func (t *UDPTransport) handleDisconnect() {
	if !t.peer.IsConnected() {
		return
	}
	t.peer.SetConnected(false)
	t.notifyEvent(state.NewEvent(state.AllPeersDisconnected))
}

func (t *UDPTransport) notifyEvent(e state.EventData) {
	util.LogInfo("[Network] Queuing network event: %s", e.Event)
	t.stateMg.QueueEvent(e)
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// StopConnection tears down the peer connection but keeps the socket open
// for a future connection. Idempotent.
func (t *UDPTransport) StopConnection() {
	t.SendDisconnectNotification()

	t.peer.SetConnected(false)
	t.running.Store(false)
	t.stopKeepAlive()

	t.stateMg.SetState(state.Idle)
	util.LogInfo("[Network] Stopped connection to peer")
}

// Shutdown stops any active connection, closes the socket, and waits for the
// receive loop to drain. Safe to call after StopConnection and safe to call
// twice.
func (t *UDPTransport) Shutdown() {
	if t.peer.IsConnected() {
		t.StopConnection()
	}

	t.running.Store(false)
	t.peer.SetConnected(false)
	t.stateMg.SetState(state.ShuttingDown)
	t.stopKeepAlive()

	t.closeOnce.Do(func() {
		if t.conn != nil {
			t.conn.Close()
			if t.recvStarted.Load() {
				<-t.recvDone
			}
		}
	})

	util.LogInfo("[Network] Network subsystem shut down")
}

// ──────────────────────────────────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────────────────────────────────

// IsConnected reports whether the peer is currently connected.
func (t *UDPTransport) IsConnected() bool {
	return t.peer.IsConnected()
}

// Peer exposes the peer record for observers (timeout checks, status).
func (t *UDPTransport) Peer() *PeerInfo {
	return t.peer
}

// SetMessageCallback registers the handler for received MESSAGE payloads.
func (t *UDPTransport) SetMessageCallback(cb MessageCallback) {
	t.cbMu.Lock()
	t.onMessage = cb
	t.cbMu.Unlock()
}

func (t *UDPTransport) messageCallback() MessageCallback {
	t.cbMu.RLock()
	defer t.cbMu.RUnlock()
	return t.onMessage
}

// LocalAddr returns the socket's bound address, or nil before listening.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// PeerEndpoint returns the current peer endpoint as "ip:port".
func (t *UDPTransport) PeerEndpoint() string {
	t.peerMu.RLock()
	defer t.peerMu.RUnlock()
	return t.peerEndpoint
}

// PendingAckCount reports how many sent MESSAGEs still await an ACK.
func (t *UDPTransport) PendingAckCount() int {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	return len(t.pendingAcks)
}

// isWouldBlock reports whether err is a transient buffer-full condition.
func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
