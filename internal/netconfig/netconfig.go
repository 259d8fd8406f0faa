// Package netconfig installs and removes the OS-level configuration for the
// virtual network: the adapter address, routes, forwarding, and firewall
// rules. Everything goes through shell commands keyed by the adapter alias;
// command failures are observed by the caller but never escalate further.
package netconfig

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// Virtual network constants.
const (
	IPSpace        = "10.0.0."
	NetMask        = "255.255.255.0"
	MaskBits       = 24
	BaseIPIndex    = 0
	SubnetRange    = "10.0.0.0/24"
	MulticastRange = "224.0.0.0/4"
)

// Firewall rule names, used for both install and delete.
const (
	ruleIn      = "PeerBridge IN"
	ruleOut     = "PeerBridge OUT"
	ruleICMP    = "PeerBridge ICMP"
	ruleIGMPIn  = "PeerBridge IGMP IN"
	ruleIGMPOut = "PeerBridge IGMP OUT"
)

// RouteApproach records which routing setup succeeded, so Reset undoes
// exactly what Configure did.
type RouteApproach int

const (
	RouteGeneric  RouteApproach = iota // subnet route via the adapter
	RouteFallback                      // /32 route to the peer only
	RouteFailed                        // no route installed
)

// ConnectionConfig describes one tunnel session: which index this host takes
// in the subnet and the peer's virtual address.
type ConnectionConfig struct {
	SelfIndex     int // 1 if this side accepted the connection, 2 if it initiated
	PeerVirtualIP string
}

// Runner executes one shell command. Injected so tests can capture commands
// instead of mutating the host.
type Runner interface {
	Run(name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Manager owns the adapter's OS configuration for the lifetime of a session.
type Manager struct {
	runner   Runner
	goos     string
	alias    string
	approach RouteApproach
}

// NewManager creates a Manager that shells out on the current platform.
func NewManager() *Manager {
	return &Manager{runner: execRunner{}, goos: runtime.GOOS}
}

// newManagerWith is the test hook.
func newManagerWith(r Runner, goos string) *Manager {
	return &Manager{runner: r, goos: goos}
}

// SetAlias records the adapter alias used to key all commands.
func (m *Manager) SetAlias(alias string) {
	m.alias = alias
}

// RouteApproach reports how routing was configured.
func (m *Manager) RouteApproach() RouteApproach {
	return m.approach
}

// Configure installs the full configuration for a session. The primary
// address assignment is fatal; everything else degrades to warnings. On a
// fatal failure any partial routing is removed before returning false.
func (m *Manager) Configure(cfg ConnectionConfig) bool {
	m.approach = RouteGeneric

	if !m.setupRouting(cfg) {
		util.LogError("[Network Config Manager] Interface configuration failed, removing any routes that succeeded")
		m.removeRouting(cfg.PeerVirtualIP)
		return false
	}
	m.setupFirewall()
	util.LogInfo("[Network Config Manager] Interface configuration successful")
	return true
}

// Reset reverses Configure: routes by the recorded approach, address back to
// dynamic, multicast route, forwarding, and the named firewall rules.
func (m *Manager) Reset(peerVirtualIP string) {
	if !m.removeRouting(peerVirtualIP) {
		util.LogInfo("[Network Config Manager] Failed to remove routing")
	}
	m.removeFirewall()
}

func (m *Manager) selfIP(index int) string {
	return fmt.Sprintf("%s%d", IPSpace, index)
}

// ──────────────────────────────────────────────────────────────────────────────
// Routing
// ──────────────────────────────────────────────────────────────────────────────

func (m *Manager) setupRouting(cfg ConnectionConfig) bool {
	selfIP := m.selfIP(cfg.SelfIndex)
	util.LogInfo("[Network Config Manager] Setting up routing on private IP space: %s%d", IPSpace, BaseIPIndex)
	util.LogInfo("[Network Config Manager] Setting self (static) ip as: %s", selfIP)

	if !m.run(cmdSetStaticAddress(m.goos, m.alias, selfIP)) {
		util.LogError("[Network Config Manager] Failed to set up self ip, cancelling connection")
		m.approach = RouteFailed
		return false
	}

	if !m.run(cmdAddSubnetRoute(m.goos, m.alias)) {
		util.LogWarning("[Network Config Manager] Subnet route command failed, trying to add direct routes...")
		m.approach = RouteFallback

		if !m.run(cmdAddPeerRoute(m.goos, m.alias, cfg.PeerVirtualIP)) {
			util.LogWarning("[Network Config Manager] Failed to add route for virtual network, connection may be limited")
			m.approach = RouteFailed
		}
	}

	if !m.run(cmdEnableForwarding(m.goos, m.alias)) {
		util.LogWarning("[Network Config Manager] Failed to enable forwarding on interface")
	}

	// Multicast route, for discovery.
	if !m.run(cmdAddMulticastRoute(m.goos, m.alias)) {
		util.LogWarning("[Network Config Manager] Failed to add route for multicast traffic. Route may already exist, or discovery may be limited.")
	}

	util.LogInfo("[Network Config Manager] Routing configured for virtual network")
	return true
}

func (m *Manager) removeRouting(peerVirtualIP string) bool {
	util.LogInfo("[Network Config Manager] Removing routing on private IP space: %s%d", IPSpace, BaseIPIndex)

	success := true

	switch m.approach {
	case RouteGeneric:
		if !m.run(cmdDeleteSubnetRoute(m.goos, m.alias)) {
			util.LogInfo("[Network Config Manager] Failed to remove generic route")
			success = false
		}
	case RouteFallback:
		if !m.run(cmdDeletePeerRoute(m.goos, m.alias, peerVirtualIP)) {
			util.LogInfo("[Network Config Manager] Failed to remove per-peer specific routes")
			success = false
		}
	case RouteFailed:
	}

	if !m.run(cmdClearAddress(m.goos, m.alias)) {
		util.LogInfo("[Network Config Manager] Failed to remove self (static) address")
		success = false
	}

	if !m.run(cmdDeleteMulticastRoute(m.goos, m.alias)) {
		util.LogInfo("[Network Config Manager] Failed to remove multicast routing")
		success = false
	}

	if !m.run(cmdDisableForwarding(m.goos, m.alias)) {
		util.LogInfo("[Network Config Manager] Failed to disable forwarding")
		success = false
	}

	return success
}

// ──────────────────────────────────────────────────────────────────────────────
// Firewall
// ──────────────────────────────────────────────────────────────────────────────

func (m *Manager) setupFirewall() {
	util.LogInfo("[Network Config Manager] Setting up firewall rules")

	if !m.run(cmdFirewallAllowIn(m.goos)) {
		util.LogWarning("[Network Config Manager] Failed to add inbound firewall rule. Connectivity may be limited.")
	}
	if !m.run(cmdFirewallAllowOut(m.goos)) {
		util.LogWarning("[Network Config Manager] Failed to add outbound firewall rule. Connectivity may be limited.")
	}
	if !m.run(cmdFirewallAllowICMP(m.goos)) {
		util.LogWarning("[Network Config Manager] Failed to add ICMP firewall rule. Ping may not work.")
	}
	if cmd := cmdFirewallFileSharing(m.goos); cmd != nil {
		if !m.run(cmd) {
			util.LogWarning("[Network Config Manager] Failed to enable File and Printer Sharing. Network discovery may be limited.")
		}
	}
	if !m.run(cmdFirewallAllowIGMPIn(m.goos)) {
		util.LogWarning("[Network Config Manager] Failed to add inbound IGMP firewall rule. Multicast may not work.")
	}
	if !m.run(cmdFirewallAllowIGMPOut(m.goos)) {
		util.LogWarning("[Network Config Manager] Failed to add outbound IGMP firewall rule. Multicast may not work.")
	}
	if cmd := cmdSetPrivateProfile(m.goos, m.alias); cmd != nil {
		if !m.run(cmd) {
			util.LogWarning("[Network Config Manager] Failed to set network category to Private or adapter is already set to Private. LAN functionality may be limited")
		}
	}
}

func (m *Manager) removeFirewall() {
	util.LogInfo("[Network Config Manager] Removing firewall rules")

	for _, cmd := range cmdsDeleteFirewall(m.goos) {
		if !m.run(cmd) {
			util.LogWarning("[Network Config Manager] Failed to remove firewall rule")
		}
	}
}

func (m *Manager) run(cmd []string) bool {
	if len(cmd) == 0 {
		return true
	}
	util.LogInfo("[Netconfig] Executing: %s", strings.Join(cmd, " "))
	if err := m.runner.Run(cmd[0], cmd[1:]...); err != nil {
		util.LogWarning("[Netconfig] Command failed: %v", err)
		return false
	}
	return true
}
