//go:build !linux

package tun

import "github.com/songgao/water"

// Non-Linux platforms name the adapter through the driver (wintun/utun), not
// through the create call.
func deviceConfig(string) water.Config {
	return water.Config{DeviceType: water.TUN}
}
