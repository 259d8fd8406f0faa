package netconfig

import "fmt"

// Command builders. Each returns an argv for the given platform; nil means
// the step does not exist there. Windows commands mirror the netsh and
// powershell invocations the adapter driver expects; other platforms use the
// iproute2/iptables equivalents.

func cmdSetStaticAddress(goos, alias, selfIP string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ip", "set", "address", alias, "static", selfIP, NetMask}
	}
	return []string{"ip", "addr", "add", fmt.Sprintf("%s/%d", selfIP, MaskBits), "dev", alias}
}

func cmdClearAddress(goos, alias string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ip", "set", "address", alias, "dhcp"}
	}
	return []string{"ip", "addr", "flush", "dev", alias}
}

func cmdAddSubnetRoute(goos, alias string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "add", "route", SubnetRange, alias, "metric=1"}
	}
	return []string{"ip", "route", "add", SubnetRange, "dev", alias, "metric", "1"}
}

func cmdDeleteSubnetRoute(goos, alias string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "delete", "route", SubnetRange, alias}
	}
	return []string{"ip", "route", "del", SubnetRange, "dev", alias}
}

func cmdAddPeerRoute(goos, alias, peerIP string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "add", "route", peerIP + "/32", alias, "metric=1"}
	}
	return []string{"ip", "route", "add", peerIP + "/32", "dev", alias, "metric", "1"}
}

func cmdDeletePeerRoute(goos, alias, peerIP string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "delete", "route", peerIP + "/32", alias}
	}
	return []string{"ip", "route", "del", peerIP + "/32", "dev", alias}
}

func cmdEnableForwarding(goos, alias string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "set", "interface", alias, "forwarding=enabled", "metric=1"}
	}
	return []string{"sysctl", "-w", "net.ipv4.ip_forward=1"}
}

func cmdDisableForwarding(goos, alias string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "set", "interface", alias, "forwarding=disabled"}
	}
	return []string{"sysctl", "-w", "net.ipv4.ip_forward=0"}
}

func cmdAddMulticastRoute(goos, alias string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "add", "route", "prefix=" + MulticastRange, "interface=" + alias, "metric=1"}
	}
	return []string{"ip", "route", "add", MulticastRange, "dev", alias}
}

func cmdDeleteMulticastRoute(goos, alias string) []string {
	if goos == "windows" {
		return []string{"netsh", "interface", "ipv4", "delete", "route", "prefix=" + MulticastRange, "interface=" + alias}
	}
	return []string{"ip", "route", "del", MulticastRange, "dev", alias}
}

func cmdFirewallAllowIn(goos string) []string {
	if goos == "windows" {
		return []string{"netsh", "advfirewall", "firewall", "add", "rule",
			"name=" + ruleIn, "dir=in", "action=allow", "protocol=any", "remoteip=" + SubnetRange}
	}
	return []string{"iptables", "-A", "INPUT", "-s", SubnetRange, "-j", "ACCEPT"}
}

func cmdFirewallAllowOut(goos string) []string {
	if goos == "windows" {
		return []string{"netsh", "advfirewall", "firewall", "add", "rule",
			"name=" + ruleOut, "dir=out", "action=allow", "protocol=any", "remoteip=" + SubnetRange}
	}
	return []string{"iptables", "-A", "OUTPUT", "-d", SubnetRange, "-j", "ACCEPT"}
}

func cmdFirewallAllowICMP(goos string) []string {
	if goos == "windows" {
		return []string{"netsh", "advfirewall", "firewall", "add", "rule",
			"name=" + ruleICMP, "dir=in", "action=allow", "protocol=icmpv4", "remoteip=" + SubnetRange}
	}
	return []string{"iptables", "-A", "INPUT", "-p", "icmp", "-s", SubnetRange, "-j", "ACCEPT"}
}

func cmdFirewallAllowIGMPIn(goos string) []string {
	if goos == "windows" {
		return []string{"netsh", "advfirewall", "firewall", "add", "rule",
			"name=" + ruleIGMPIn, "dir=in", "action=allow", "protocol=2", "remoteip=" + SubnetRange}
	}
	return []string{"iptables", "-A", "INPUT", "-p", "igmp", "-s", SubnetRange, "-j", "ACCEPT"}
}

func cmdFirewallAllowIGMPOut(goos string) []string {
	if goos == "windows" {
		return []string{"netsh", "advfirewall", "firewall", "add", "rule",
			"name=" + ruleIGMPOut, "dir=out", "action=allow", "protocol=2", "remoteip=" + SubnetRange}
	}
	return []string{"iptables", "-A", "OUTPUT", "-p", "igmp", "-d", SubnetRange, "-j", "ACCEPT"}
}

// cmdFirewallFileSharing enables the discovery rule group needed by some LAN
// protocols. Windows only.
func cmdFirewallFileSharing(goos string) []string {
	if goos == "windows" {
		return []string{"netsh", "advfirewall", "firewall", "set", "rule",
			"group=File and Printer Sharing", "new", "enable=Yes"}
	}
	return nil
}

// cmdSetPrivateProfile marks the adapter's network as Private so discovery
// is not blocked by the public-profile firewall. Windows only.
func cmdSetPrivateProfile(goos, alias string) []string {
	if goos == "windows" {
		return []string{"powershell", "-Command",
			fmt.Sprintf("Set-NetConnectionProfile -InterfaceAlias '%s' -NetworkCategory Private", alias)}
	}
	return nil
}

func cmdsDeleteFirewall(goos string) [][]string {
	if goos == "windows" {
		var cmds [][]string
		for _, name := range []string{ruleIn, ruleOut, ruleICMP, ruleIGMPIn, ruleIGMPOut} {
			cmds = append(cmds, []string{"netsh", "advfirewall", "firewall", "delete", "rule", "name=" + name})
		}
		return cmds
	}
	return [][]string{
		{"iptables", "-D", "INPUT", "-s", SubnetRange, "-j", "ACCEPT"},
		{"iptables", "-D", "OUTPUT", "-d", SubnetRange, "-j", "ACCEPT"},
		{"iptables", "-D", "INPUT", "-p", "icmp", "-s", SubnetRange, "-j", "ACCEPT"},
		{"iptables", "-D", "INPUT", "-p", "igmp", "-s", SubnetRange, "-j", "ACCEPT"},
		{"iptables", "-D", "OUTPUT", "-p", "igmp", "-d", SubnetRange, "-j", "ACCEPT"},
	}
}
