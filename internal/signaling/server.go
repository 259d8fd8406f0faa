package signaling

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one connected user.
type session struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	username string
	ip       string
	port     int
}

func (s *session) send(msg Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		util.LogWarning("[Rendezvous] Failed to send %s to %s: %v", msg.Type, s.username, err)
	}
}

// Server is the rendezvous service: it stores registered endpoints, answers
// peer lookups, and brokers the connection handshake (request, accept or
// decline, init to both sides).
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	users   map[string]*session // by username
	pending map[string]string   // target username -> requesting username
}

// NewServer creates an empty rendezvous server.
func NewServer() *Server {
	return &Server{
		users:   make(map[string]*session),
		pending: make(map[string]string),
	}
}

// Start listens on addr (":0" for a random port) and serves the /ws endpoint
// in the background. Returns the bound port.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start rendezvous server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	util.LogInfo("[Rendezvous] Listening on port %d", port)
	return port, nil
}

// Close shuts down the listener, preventing new connections.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// HandleWS upgrades one connection and serves its message loop.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{conn: conn}
	util.LogInfo("[Rendezvous] New connection from %s", conn.RemoteAddr())

	defer func() {
		s.removeSession(sess)
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handleMessage(sess, msg)
	}
}

func (s *Server) handleMessage(sess *session, msg Message) {
	switch msg.Type {
	case MsgGreeting:
		sess.send(Message{Type: MsgGreetBack, Message: "hello from rendezvous server"})

	case MsgRegister:
		if msg.Username == "" || msg.IP == "" || msg.Port == 0 {
			sess.send(Message{Type: MsgError, Message: "register requires username, ip and port"})
			return
		}
		sess.username = msg.Username
		sess.ip = msg.IP
		sess.port = msg.Port

		s.mu.Lock()
		s.users[msg.Username] = sess
		s.mu.Unlock()

		util.LogInfo("[Rendezvous] Registered %s @ %s:%d", msg.Username, msg.IP, msg.Port)
		sess.send(Message{Type: MsgRegisterAck, Message: "Registered as " + msg.Username})

	case MsgGetName:
		sess.send(Message{Type: MsgName, Username: sess.username})

	case MsgGetPeer:
		peer := s.lookup(msg.Username)
		if peer == nil {
			sess.send(Message{Type: MsgError, Message: fmt.Sprintf("User '%s' not found or not online.", msg.Username)})
			return
		}
		sess.send(Message{Type: MsgPeerInfo, Username: peer.username, IP: peer.ip, Port: peer.port})

	case MsgChatRequest:
		target := s.lookup(msg.Target)
		if target == nil {
			sess.send(Message{Type: MsgError, Message: fmt.Sprintf("User '%s' not found or not online.", msg.Target)})
			return
		}
		s.mu.Lock()
		s.pending[target.username] = sess.username
		s.mu.Unlock()
		target.send(Message{Type: MsgChatRequest, From: sess.username})

	case MsgChatAccept:
		requester := s.takePending(sess.username)
		if requester == nil {
			sess.send(Message{Type: MsgError, Message: "no pending connection request"})
			return
		}
		// Hand each side the other's endpoint; hole punching starts on both.
		sess.send(Message{Type: MsgChatInit, Username: requester.username, IP: requester.ip, Port: requester.port})
		requester.send(Message{Type: MsgChatInit, Username: sess.username, IP: sess.ip, Port: sess.port})

	case MsgChatDecline:
		requester := s.takePending(sess.username)
		if requester != nil {
			requester.send(Message{Type: MsgChatDeclined, From: sess.username})
		}

	default:
		sess.send(Message{Type: MsgError, Message: "unknown message type: " + msg.Type})
	}
}

func (s *Server) lookup(username string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[username]
}

// takePending resolves and clears the pending request targeted at username.
func (s *Server) takePending(username string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	requester, ok := s.pending[username]
	if !ok {
		return nil
	}
	delete(s.pending, username)
	return s.users[requester]
}

func (s *Server) removeSession(sess *session) {
	if sess.username == "" {
		return
	}
	s.mu.Lock()
	if s.users[sess.username] == sess {
		delete(s.users, sess.username)
	}
	delete(s.pending, sess.username)
	s.mu.Unlock()
	util.LogInfo("[Rendezvous] Removed user %s", sess.username)
}
