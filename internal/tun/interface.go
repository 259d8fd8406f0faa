package tun

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// txIdleWait bounds how long the TX worker sleeps between queue checks when
// no signal arrives.
const txIdleWait = time.Millisecond

// maxFrameSize covers any IPv4 packet the device can hand us.
const maxFrameSize = 65535

// PacketCallback receives each IPv4 frame read from the device.
type PacketCallback func(frame []byte)

// Interface drives a TUN device with two dedicated workers: RX delivers
// device frames to the registered callback, TX drains an outgoing queue into
// the device. The device's read/write primitives block, so the workers are
// real goroutines pinned to them rather than parts of the socket loop.
type Interface struct {
	dev   Device
	alias string

	running atomic.Bool

	cbMu     sync.RWMutex
	callback PacketCallback

	queueMu  sync.Mutex
	outgoing [][]byte
	notify   chan struct{}

	// frames is fed by a device-lifetime reader pump so that Stop can join
	// the RX worker without closing the device; Close ends the pump.
	frames chan []byte

	stopMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewInterface wraps an already-open device. Use Initialize to open by name.
func NewInterface(dev Device) *Interface {
	i := &Interface{
		dev:    dev,
		alias:  dev.Name(),
		notify: make(chan struct{}, 1),
		frames: make(chan []byte, 64),
	}
	go i.readerPump()
	return i
}

// Initialize opens the TUN adapter and prepares the interface. Workers do not
// run until Start.
func Initialize(name string) (*Interface, error) {
	dev, err := OpenDevice(name)
	if err != nil {
		return nil, err
	}
	util.LogInfo("[TunInterface] TUN adapter %s initialized", dev.Name())
	return NewInterface(dev), nil
}

// readerPump blocks on the device for its whole lifetime and feeds frames to
// whichever RX worker is running. Frames read while no worker runs are
// dropped, mirroring a device with nobody attached.
func (i *Interface) readerPump() {
	defer close(i.frames)
	for {
		buf := make([]byte, maxFrameSize)
		n, err := i.dev.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		frame := buf[:n]
		if !i.running.Load() {
			continue
		}
		select {
		case i.frames <- frame:
		default:
			util.Stats.AddDropped()
		}
	}
}

// Start launches the RX and TX workers. Returns false when already running.
func (i *Interface) Start() bool {
	if !i.running.CompareAndSwap(false, true) {
		util.LogError("[TunInterface] Packet processing already running")
		return false
	}

	i.stopMu.Lock()
	i.stopCh = make(chan struct{})
	stop := i.stopCh
	i.stopMu.Unlock()

	i.wg.Add(2)
	go i.rxWorker(stop)
	go i.txWorker(stop)

	util.LogInfo("[TunInterface] Packet processing started")
	return true
}

// Stop halts both workers, joins them, and empties the outgoing queue.
// Idempotent; the device stays open for a later Start.
func (i *Interface) Stop() {
	if !i.running.CompareAndSwap(true, false) {
		return
	}

	i.stopMu.Lock()
	if i.stopCh != nil {
		close(i.stopCh)
		i.stopCh = nil
	}
	i.stopMu.Unlock()

	i.wg.Wait()

	i.queueMu.Lock()
	i.outgoing = nil
	i.queueMu.Unlock()

	util.LogInfo("[TunInterface] Packet processing stopped")
}

// rxWorker hands device frames to the packet callback, preserving device
// order.
func (i *Interface) rxWorker(stop <-chan struct{}) {
	defer i.wg.Done()
	for {
		select {
		case frame, ok := <-i.frames:
			if !ok {
				return
			}
			if cb := i.packetCallback(); cb != nil {
				cb(frame)
			}
		case <-stop:
			return
		}
	}
}

// txWorker drains the outgoing queue into the device in injection order,
// waking on Send's signal or after the idle timeout.
func (i *Interface) txWorker(stop <-chan struct{}) {
	defer i.wg.Done()
	timer := time.NewTimer(txIdleWait)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-i.notify:
		case <-timer.C:
		}

		for {
			i.queueMu.Lock()
			if len(i.outgoing) == 0 {
				i.queueMu.Unlock()
				break
			}
			frame := i.outgoing[0]
			i.outgoing = i.outgoing[1:]
			i.queueMu.Unlock()

			if _, err := i.dev.Write(frame); err != nil {
				util.LogError("[TunInterface] Device write error: %v", err)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(txIdleWait)
	}
}

// Send enqueues one frame for the device and wakes the TX worker. The caller
// hands off ownership of the slice. Fails when the workers are not running.
func (i *Interface) Send(frame []byte) bool {
	if !i.running.Load() {
		util.LogError("[TunInterface] Packet processing not running")
		return false
	}

	i.queueMu.Lock()
	i.outgoing = append(i.outgoing, frame)
	i.queueMu.Unlock()

	select {
	case i.notify <- struct{}{}:
	default:
	}
	return true
}

// SetPacketCallback registers the RX frame handler.
func (i *Interface) SetPacketCallback(cb PacketCallback) {
	i.cbMu.Lock()
	i.callback = cb
	i.cbMu.Unlock()
}

func (i *Interface) packetCallback() PacketCallback {
	i.cbMu.RLock()
	defer i.cbMu.RUnlock()
	return i.callback
}

// IsRunning reports whether the workers are active.
func (i *Interface) IsRunning() bool {
	return i.running.Load()
}

// Alias returns the adapter's OS name, used to key route and firewall
// commands.
func (i *Interface) Alias() string {
	return i.alias
}

// Close stops the workers and closes the device. Safe to call twice.
func (i *Interface) Close() {
	i.Stop()
	i.closeOnce.Do(func() {
		if err := i.dev.Close(); err != nil {
			util.LogWarning("[TunInterface] Device close error: %v", err)
		}
		util.LogInfo("[TunInterface] TUN interface closed")
	})
}
