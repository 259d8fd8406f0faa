// Package stun performs the public-address probe used for NAT traversal.
// The probe binds its own UDP socket and keeps it after discovery: the same
// local port later carries the tunnel, so the NAT binding observed by the
// STUN server stays valid for hole punching.
package stun

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// DefaultServer is the STUN server used when none is configured.
const (
	DefaultServer = "stun.l.google.com"
	DefaultPort   = "19302"

	responseTimeout = 5 * time.Second
	maxResponseSize = 1500
)

// PublicAddress is the reflexive address observed by the STUN server.
type PublicAddress struct {
	IP   string
	Port int
}

func (a PublicAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Client is a one-shot STUN binding client. After a successful Discover the
// socket can be moved out with TakeSocket; the Client must not be reused.
type Client struct {
	server string
	port   string
	conn   *net.UDPConn
}

// NewClient creates a client for the given STUN server host and port.
// Empty values fall back to the defaults.
func NewClient(server, port string) *Client {
	if server == "" {
		server = DefaultServer
	}
	if port == "" {
		port = DefaultPort
	}
	return &Client{server: server, port: port}
}

// Discover binds a UDP socket on localPort (0 for ephemeral), sends a single
// RFC 5389 Binding Request and waits up to 5 seconds for the response.
// Returns nil when the server cannot be reached or the response is invalid.
func (c *Client) Discover(localPort int) (*PublicAddress, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(c.server, c.port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve STUN server: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	c.conn = conn

	util.LogInfo("[STUN] Discovering public address via %s:%s", c.server, c.port)

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to build binding request: %w", err)
	}

	if _, err := conn.WriteToUDP(request.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("failed to send binding request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(responseTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxResponseSize)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, fmt.Errorf("STUN response timeout after %v", responseTimeout)
		}
		return nil, fmt.Errorf("failed to read STUN response: %w", err)
	}

	response := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
	if err := response.Decode(); err != nil {
		return nil, fmt.Errorf("failed to decode STUN response: %w", err)
	}
	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("transaction ID mismatch")
	}
	if response.Type != stun.BindingSuccess {
		return nil, fmt.Errorf("not a binding success response: %s", response.Type)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		return nil, fmt.Errorf("no XOR-MAPPED-ADDRESS in response: %w", err)
	}

	addr := &PublicAddress{IP: xorAddr.IP.String(), Port: xorAddr.Port}
	util.LogInfo("[STUN] Public address: %s", addr)
	return addr, nil
}

// TakeSocket transfers ownership of the probe socket to the caller. The
// transfer happens exactly once: subsequent calls return nil, and the Client
// never closes a socket it has handed off.
func (c *Client) TakeSocket() *net.UDPConn {
	conn := c.conn
	c.conn = nil
	return conn
}

// Close releases the socket if it has not been taken.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
