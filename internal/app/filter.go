package app

import (
	"net"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// Addresses that cross the tunnel regardless of the unicast destination.
const (
	subnetBroadcast  = "10.0.0.255"
	limitedBroadcast = "255.255.255.255"
)

const minIPv4Header = 20

// isIPv4Frame reports whether buf starts with a plausible IPv4 packet.
func isIPv4Frame(frame []byte) bool {
	return len(frame) >= minIPv4Header && frame[0]>>4 == 4
}

// destinationIP extracts the IPv4 destination address (bytes 16..19).
func destinationIP(frame []byte) net.IP {
	return net.IP(frame[16:20])
}

// isMulticast reports whether ip falls in 224.0.0.0/4 (first octet 224-239).
func isMulticast(ip net.IP) bool {
	return ip[0]>>4 == 14
}

// handlePacketFromTun is the egress path: a frame read from the local device
// is forwarded to the peer when the filter admits it.
func (s *System) handlePacketFromTun(frame []byte) {
	if !isIPv4Frame(frame) {
		return
	}
	s.forwardPacketToPeer(frame)
}

// forwardPacketToPeer forwards frames meant for the peer, plus broadcast and
// multicast traffic so LAN discovery keeps working. Everything else is
// dropped without touching the socket.
func (s *System) forwardPacketToPeer(frame []byte) bool {
	dst := destinationIP(frame)
	dstStr := dst.String()

	isForPeer := dstStr == s.peerVirtualIP()
	isBroadcast := dstStr == subnetBroadcast || dstStr == limitedBroadcast

	if !isForPeer && !isBroadcast && !isMulticast(dst) {
		util.Stats.AddDropped()
		return false
	}

	util.LogTraffic("[System] TX frame dst=%s len=%d", dstStr, len(frame))
	return s.transport.SendMessage(frame)
}

// handleNetworkData is the ingress path: a payload received over the tunnel
// is injected into the local device when the filter admits it.
func (s *System) handleNetworkData(data []byte) {
	if !isIPv4Frame(data) {
		return
	}
	s.deliverPacketToTun(data)
}

// deliverPacketToTun injects frames addressed to this host, plus broadcast
// and multicast traffic. Everything else is dropped.
func (s *System) deliverPacketToTun(frame []byte) bool {
	if s.tunIface == nil || !s.tunIface.IsRunning() {
		return false
	}

	dst := destinationIP(frame)
	dstStr := dst.String()

	isForUs := dstStr == s.localVirtualIP()
	isBroadcast := dstStr == subnetBroadcast || dstStr == limitedBroadcast

	if !isForUs && !isBroadcast && !isMulticast(dst) {
		util.Stats.AddDropped()
		return false
	}

	util.LogTraffic("[System] RX frame dst=%s len=%d", dstStr, len(frame))
	return s.tunIface.Send(frame)
}
