package signaling

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// Callback types.
type (
	ConnectCallback     func(connected bool)
	ChatRequestCallback func(from string)
	PeerInfoCallback    func(username, ip string, port int)
	ChatInitCallback    func(username, ip string, port int)
)

// Client is the rendezvous-service client. Writes are serialized by a mutex;
// a single read-loop goroutine dispatches inbound messages to the registered
// callbacks.
type Client struct {
	conn      *websocket.Conn
	connected atomic.Bool

	writeMu sync.Mutex

	onConnect     ConnectCallback
	onChatRequest ChatRequestCallback
	onPeerInfo    PeerInfoCallback
	onChatInit    ChatInitCallback
}

// NewClient creates an unconnected client. Register callbacks before Connect.
func NewClient() *Client {
	return &Client{}
}

// SetConnectCallback registers the connection-state callback.
func (c *Client) SetConnectCallback(cb ConnectCallback) { c.onConnect = cb }

// SetChatRequestCallback registers the incoming-request callback.
func (c *Client) SetChatRequestCallback(cb ChatRequestCallback) { c.onChatRequest = cb }

// SetPeerInfoCallback registers the peer-info callback.
func (c *Client) SetPeerInfoCallback(cb PeerInfoCallback) { c.onPeerInfo = cb }

// SetChatInitCallback registers the go-ahead callback that starts hole
// punching.
func (c *Client) SetChatInitCallback(cb ChatInitCallback) { c.onChatInit = cb }

// Connect dials the rendezvous server and starts the read loop.
func (c *Client) Connect(serverURL string) bool {
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		util.LogError("[Signaling] Failed to connect to server %s: %v", serverURL, err)
		return false
	}

	c.conn = conn
	c.connected.Store(true)
	util.LogInfo("[Signaling] Connected to server %s", serverURL)

	if c.onConnect != nil {
		c.onConnect(true)
	}

	go c.readLoop()
	return true
}

// IsConnected reports whether the signaling connection is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect closes the connection and the read loop then exits. Only a close
// the client did not initiate is reported through the connect callback; a
// Disconnect is not.
func (c *Client) Disconnect() {
	if !c.connected.Swap(false) {
		return
	}
	if c.conn != nil {
		c.conn.Close()
	}
	util.LogInfo("[Signaling] Disconnected from server")
}

func (c *Client) readLoop() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.connected.Swap(false) {
				util.LogWarning("[Signaling] Connection closed: %v", err)
				if c.onConnect != nil {
					c.onConnect(false)
				}
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case MsgGreetBack, MsgRegisterAck:
		util.LogInfo("[Signaling] Server: %s", msg.Message)

	case MsgName:
		util.LogInfo("[Signaling] Registered name: %s", msg.Username)

	case MsgPeerInfo:
		util.LogInfo("[Signaling] Peer %s is at %s:%d", msg.Username, msg.IP, msg.Port)
		if c.onPeerInfo != nil {
			c.onPeerInfo(msg.Username, msg.IP, msg.Port)
		}

	case MsgChatRequest:
		util.LogInfo("[Signaling] Incoming connection request from %s", msg.From)
		if c.onChatRequest != nil {
			c.onChatRequest(msg.From)
		}

	case MsgChatInit:
		util.LogInfo("[Signaling] Connection init with %s at %s:%d", msg.Username, msg.IP, msg.Port)
		if c.onChatInit != nil {
			c.onChatInit(msg.Username, msg.IP, msg.Port)
		}

	case MsgChatDeclined:
		util.LogInfo("[Signaling] %s declined the connection request", msg.From)

	case MsgError:
		util.LogWarning("[Signaling] Server error: %s", msg.Message)

	default:
		util.LogWarning("[Signaling] Unexpected message type: %s", msg.Type)
	}
}

// send writes one message, guarded by a mutex.
func (c *Client) send(msg Message) {
	if !c.connected.Load() {
		util.LogWarning("[Signaling] Not connected, dropping %s", msg.Type)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		util.LogError("[Signaling] Failed to send %s: %v", msg.Type, err)
	}
}

// SendGreeting says hello after connecting.
func (c *Client) SendGreeting() {
	c.send(Message{Type: MsgGreeting})
}

// RegisterUser announces the local username and public endpoint.
func (c *Client) RegisterUser(username, ip string, port int) {
	c.send(Message{Type: MsgRegister, Username: username, IP: ip, Port: port})
}

// RequestUsername asks the server for the name it has on file.
func (c *Client) RequestUsername() {
	c.send(Message{Type: MsgGetName})
}

// RequestPeerInfo asks for another user's registered endpoint.
func (c *Client) RequestPeerInfo(username string) {
	c.send(Message{Type: MsgGetPeer, Username: username})
}

// SendChatRequest asks the server to forward a connection request.
func (c *Client) SendChatRequest(target string) {
	c.send(Message{Type: MsgChatRequest, Target: target})
}

// AcceptChatRequest accepts the pending request; the server answers both
// sides with chat-init.
func (c *Client) AcceptChatRequest() {
	c.send(Message{Type: MsgChatAccept})
}

// DeclineChatRequest declines the pending request.
func (c *Client) DeclineChatRequest() {
	c.send(Message{Type: MsgChatDecline})
}
