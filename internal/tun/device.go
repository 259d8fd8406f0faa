// Package tun provides the virtual network interface: a TUN device carrying
// raw IPv4 frames with no Ethernet header, plus the RX/TX workers that move
// frames between the device and the tunnel.
package tun

import (
	"fmt"

	"github.com/songgao/water"
)

// Device is the minimal contract the workers need from the OS tunnel device.
// The water-backed implementation is used in production; tests substitute an
// in-memory fake.
type Device interface {
	// Read blocks until a frame is available and copies it into buf.
	Read(buf []byte) (int, error)
	// Write queues one frame to the device.
	Write(frame []byte) (int, error)
	// Close tears the device down, unblocking any pending Read.
	Close() error
	// Name returns the OS-assigned adapter name.
	Name() string
}

// OpenDevice creates the TUN adapter. The requested name is applied where the
// platform supports it; the actual name is available via Name afterwards.
func OpenDevice(name string) (Device, error) {
	iface, err := water.New(deviceConfig(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}
	return iface, nil
}
