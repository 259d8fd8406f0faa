// Package app contains the top-level orchestration of the P2P system: it
// wires the STUN probe, signaling client, UDP transport, and virtual
// interface together and drives the connection lifecycle from network events.
package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/StefanGC1/PeerBridge-CLI/internal/config"
	"github.com/StefanGC1/PeerBridge-CLI/internal/netconfig"
	"github.com/StefanGC1/PeerBridge-CLI/internal/signaling"
	"github.com/StefanGC1/PeerBridge-CLI/internal/state"
	"github.com/StefanGC1/PeerBridge-CLI/internal/stun"
	"github.com/StefanGC1/PeerBridge-CLI/internal/transport"
	"github.com/StefanGC1/PeerBridge-CLI/internal/tun"
	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// Virtual addresses: the accepting side takes the host address, the
// initiating side the client address, fixed for the session.
const (
	HostVirtualIP   = "10.0.0.1"
	ClientVirtualIP = "10.0.0.2"

	monitorInterval = 250 * time.Millisecond
)

// TunnelTransport is the capability set the orchestrator needs from the UDP
// transport. *transport.UDPTransport implements it; tests substitute fakes.
type TunnelTransport interface {
	StartListening(port int) bool
	ConnectToPeer(ip string, port int) bool
	SendMessage(payload []byte) bool
	StopConnection()
	Shutdown()
	IsConnected() bool
	SetMessageCallback(cb transport.MessageCallback)
	PeerEndpoint() string
	PendingAckCount() int
}

// NetInterface is the capability set needed from the virtual NIC.
type NetInterface interface {
	Start() bool
	Stop()
	Send(frame []byte) bool
	SetPacketCallback(cb tun.PacketCallback)
	IsRunning() bool
	Alias() string
	Close()
}

// NetConfigurator installs and removes the OS configuration.
type NetConfigurator interface {
	Configure(cfg netconfig.ConnectionConfig) bool
	Reset(peerVirtualIP string)
	SetAlias(alias string)
}

// Signaler is the rendezvous-service capability set.
type Signaler interface {
	Connect(serverURL string) bool
	Disconnect()
	SendGreeting()
	RegisterUser(username, ip string, port int)
	RequestPeerInfo(username string)
	SendChatRequest(target string)
	AcceptChatRequest()
	DeclineChatRequest()
	SetConnectCallback(cb signaling.ConnectCallback)
	SetChatRequestCallback(cb signaling.ChatRequestCallback)
	SetPeerInfoCallback(cb signaling.PeerInfoCallback)
	SetChatInitCallback(cb signaling.ChatInitCallback)
}

// System owns all subsystems and mediates every cross-component call.
type System struct {
	cfg     *config.Config
	stateMg *state.Manager

	stunClient *stun.Client
	transport  TunnelTransport
	tunIface   NetInterface
	netcfg     NetConfigurator
	signaling  Signaler

	running atomic.Bool
	isHost  atomic.Bool

	mu                 sync.Mutex
	username           string
	publicIP           string
	publicPort         int
	peerUsername       string
	peerIP             string
	peerPort           int
	pendingRequestFrom string
	localVIP           string
	peerVIP            string

	monitorDone    chan struct{}
	monitorStarted bool
	shutdownOnce   sync.Once
}

// NewSystem creates a System around the given configuration.
func NewSystem(cfg *config.Config) *System {
	return &System{
		cfg:         cfg,
		stateMg:     state.NewManager(),
		stunClient:  stun.NewClient(cfg.StunServer, cfg.StunPort),
		netcfg:      netconfig.NewManager(),
		signaling:   signaling.NewClient(),
		monitorDone: make(chan struct{}),
	}
}

// Initialize brings the system up: STUN, signaling registration, the TUN
// device, and the UDP transport on the STUN socket. Returns false on any
// failure; the caller is expected to exit.
func (s *System) Initialize(serverURL, username string, localPort int) bool {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	s.running.Store(true)
	s.stateMg.SetState(state.Idle)

	// Discover the public address for NAT traversal. The probe's socket is
	// kept: it becomes the tunnel socket so the NAT binding stays valid.
	public, err := s.stunClient.Discover(localPort)
	if err != nil {
		util.LogError("[System] Failed to do STUN and discover public address: %v", err)
		return false
	}
	s.mu.Lock()
	s.publicIP = public.IP
	s.publicPort = public.Port
	s.mu.Unlock()

	// Signaling callbacks, then connection and registration.
	s.signaling.SetConnectCallback(func(connected bool) {
		if connected {
			s.signaling.SendGreeting()
		}
	})
	s.signaling.SetChatRequestCallback(s.handleConnectionRequest)
	s.signaling.SetPeerInfoCallback(s.handlePeerInfo)
	s.signaling.SetChatInitCallback(s.handleConnectionInit)

	if !s.signaling.Connect(serverURL) {
		util.LogError("[System] Failed to connect to signaling server")
		return false
	}
	s.signaling.RegisterUser(username, public.IP, public.Port)

	// Virtual interface.
	if s.tunIface == nil {
		iface, err := tun.Initialize(s.cfg.TunName)
		if err != nil {
			util.LogError("[System] Failed to initialize TUN interface: %v", err)
			return false
		}
		s.tunIface = iface
	}
	s.tunIface.SetPacketCallback(s.handlePacketFromTun)
	s.netcfg.SetAlias(s.tunIface.Alias())

	// UDP transport on the STUN-yielded socket.
	if s.transport == nil {
		s.transport = transport.NewUDPTransport(s.stunClient.TakeSocket(), s.stateMg)
	}
	s.transport.SetMessageCallback(s.handleNetworkData)
	if !s.transport.StartListening(localPort) {
		util.LogError("[System] Failed to start UDP network")
		return false
	}

	// Monitoring loop.
	s.monitorStarted = true
	go s.monitorLoop()

	util.LogInfo("[System] P2P System initialized successfully")
	return true
}

// monitorLoop drains the event queue every 250ms until shutdown.
func (s *System) monitorLoop() {
	defer close(s.monitorDone)
	for s.running.Load() && !s.stateMg.IsInState(state.ShuttingDown) {
		for {
			event, ok := s.stateMg.NextEvent()
			if !ok {
				break
			}
			s.handleNetworkEvent(event)
		}
		time.Sleep(monitorInterval)
	}
}

func (s *System) handleNetworkEvent(event state.EventData) {
	currentState := s.stateMg.GetState()

	switch event.Event {
	case state.PeerConnected:
		if currentState == state.Connecting {
			if !s.startNetworkInterface() {
				util.LogError("[System] Failed to start network interface")
				s.StopConnection()
				break
			}
			s.stateMg.SetState(state.Connected)
			util.LogInfo("[System] Peer connected successfully: %s", event.Endpoint)
		}

	case state.AllPeersDisconnected:
		if currentState == state.Connected {
			util.LogWarning("[System] All peers disconnected")
			s.StopConnection()
		}

	case state.ShutdownRequested:
		util.LogInfo("[System] Shutdown requested via event")
		s.running.Store(false)
		go s.Shutdown()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Connection flow
// ──────────────────────────────────────────────────────────────────────────────

// ConnectToPeer initiates a connection to another registered user. The
// actual hole punching starts when the server answers with chat-init.
func (s *System) ConnectToPeer(peerUsername string) bool {
	if s.transport != nil && s.transport.IsConnected() {
		util.LogWarning("[System] Attempted to connect to peer while already connected to a peer")
		return false
	}

	s.mu.Lock()
	s.peerUsername = peerUsername
	s.mu.Unlock()
	s.isHost.Store(false)

	s.stateMg.SetState(state.Connecting)
	s.signaling.RequestPeerInfo(peerUsername)
	s.signaling.SendChatRequest(peerUsername)

	util.LogInfo("[System] Sent connection request to %s", peerUsername)
	return true
}

// AcceptIncomingRequest accepts the pending connection request; this side
// becomes the host and takes 10.0.0.1.
func (s *System) AcceptIncomingRequest() {
	s.mu.Lock()
	pending := s.pendingRequestFrom
	s.pendingRequestFrom = ""
	if pending != "" {
		s.peerUsername = pending
	}
	s.mu.Unlock()

	if pending == "" {
		util.LogInfo("[System] No pending connection request")
		return
	}

	s.isHost.Store(true)
	s.signaling.AcceptChatRequest()
	util.LogInfo("[System] Accepted connection request from %s", pending)
}

// RejectIncomingRequest declines the pending connection request.
func (s *System) RejectIncomingRequest() {
	s.mu.Lock()
	pending := s.pendingRequestFrom
	s.pendingRequestFrom = ""
	s.mu.Unlock()

	if pending == "" {
		util.LogInfo("[System] No pending connection request")
		return
	}

	s.signaling.DeclineChatRequest()
	util.LogInfo("[System] Rejected connection request from %s", pending)
}

func (s *System) handleConnectionRequest(from string) {
	s.mu.Lock()
	s.pendingRequestFrom = from
	s.mu.Unlock()
	util.LogInfo("[System] Connection request from %s. Use /accept or /reject.", from)
}

func (s *System) handlePeerInfo(username, ip string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if username != s.peerUsername {
		return
	}
	s.peerIP = ip
	s.peerPort = port
	util.LogInfo("[System] Got peer info: %s at %s:%d", username, ip, port)
}

// handleConnectionInit is the go-ahead from the server: both sides receive
// it and start punching toward each other.
func (s *System) handleConnectionInit(username, ip string, port int) {
	s.mu.Lock()
	s.peerUsername = username
	s.peerIP = ip
	s.peerPort = port
	s.mu.Unlock()

	util.LogInfo("[System] Connection initialized with %s, connecting...", username)

	s.stateMg.SetState(state.Connecting)
	s.assignIPAddresses()

	selfIndex := 2
	if s.isHost.Load() {
		selfIndex = 1
	}
	if !s.netcfg.Configure(netconfig.ConnectionConfig{SelfIndex: selfIndex, PeerVirtualIP: s.peerVirtualIP()}) {
		util.LogError("[System] Failed to set up virtual interface")
		return
	}

	if !s.transport.ConnectToPeer(ip, port) {
		util.LogError("[System] Failed to initiate UDP hole punching")
		s.stateMg.SetState(state.Idle)
	}
}

// assignIPAddresses fixes the session's virtual addresses by role.
func (s *System) assignIPAddresses() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isHost.Load() {
		s.localVIP = HostVirtualIP
		s.peerVIP = ClientVirtualIP
	} else {
		s.localVIP = ClientVirtualIP
		s.peerVIP = HostVirtualIP
	}
}

// startNetworkInterface starts packet processing once the peer is confirmed.
// Requires CONNECTING with a connected peer.
func (s *System) startNetworkInterface() bool {
	if !s.transport.IsConnected() || s.stateMg.GetState() != state.Connecting {
		util.LogWarning("[System] Cannot configure interface, not connected to a peer")
		return false
	}

	if !s.tunIface.Start() {
		util.LogError("[System] Failed to start packet processing")
		return false
	}

	util.LogInfo("[System] Network interface started with IP %s", s.localVirtualIP())
	util.LogInfo("[System] Peer has IP %s", s.peerVirtualIP())
	return true
}

func (s *System) stopNetworkInterface() {
	if s.tunIface != nil && s.tunIface.IsRunning() {
		s.tunIface.Stop()
		s.netcfg.Reset(s.peerVirtualIP())
		util.LogInfo("[System] Network interface stopped and configuration reset")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Disconnect and shutdown
// ──────────────────────────────────────────────────────────────────────────────

// StopConnection tears the current connection down but keeps the system
// ready for new ones.
func (s *System) StopConnection() {
	if s.transport != nil {
		s.transport.StopConnection()
	}
	s.stopNetworkInterface()

	s.mu.Lock()
	s.peerUsername = ""
	s.peerIP = ""
	s.peerPort = 0
	s.mu.Unlock()

	s.stateMg.SetState(state.Idle)
	util.LogInfo("[System] Connection stopped, system ready for new connections")
}

// Shutdown stops everything: connection, transport, device, signaling, and
// the monitor loop. Idempotent.
func (s *System) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.transport != nil && s.transport.IsConnected() {
			s.transport.StopConnection()
			s.stopNetworkInterface()
		}

		s.running.Store(false)
		s.stateMg.SetState(state.ShuttingDown)

		// Teardown below is idempotent, so a connection already stopped
		// above is not a problem.
		s.stopNetworkInterface()

		if s.transport != nil {
			s.transport.Shutdown()
		}
		if s.tunIface != nil {
			s.tunIface.Close()
		}
		s.signaling.Disconnect()

		if s.monitorStarted {
			<-s.monitorDone
		}

		util.LogInfo("[System] System shut down successfully")
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Status accessors
// ──────────────────────────────────────────────────────────────────────────────

// State returns the lifecycle state for the /status command.
func (s *System) State() state.SystemState {
	return s.stateMg.GetState()
}

// IsConnected reports whether a peer is connected.
func (s *System) IsConnected() bool {
	return s.transport != nil && s.transport.IsConnected()
}

// IsRunning reports whether the system is up.
func (s *System) IsRunning() bool {
	return s.running.Load()
}

// IsHost reports whether this side accepted the connection.
func (s *System) IsHost() bool {
	return s.isHost.Load()
}

// PublicEndpoint returns the STUN-discovered address.
func (s *System) PublicEndpoint() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicIP, s.publicPort
}

// PeerUsername returns the connected or pending peer's name.
func (s *System) PeerUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerUsername
}

func (s *System) localVirtualIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localVIP
}

func (s *System) peerVirtualIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerVIP
}

// LocalVirtualIP is the address applications on this host use.
func (s *System) LocalVirtualIP() string { return s.localVirtualIP() }

// PeerVirtualIP is the address the peer answers on.
func (s *System) PeerVirtualIP() string { return s.peerVirtualIP() }
