// Package device implements the device-binding collaborator: one or two
// Ethernet devices (main + optional backup redundant link) behind the
// ecmaster.FrameTransport interface, grounded on how the teacher's
// socketcan/virtual CAN buses implement the root canopen.Bus interface
// (socketcan.go, pkg/can/virtual) plus the original IgH master's
// device.c (per-device TX ring and link-state tracking).
package device

import (
	"fmt"

	ecmaster "github.com/ethercat-io/ecmaster"
	log "github.com/sirupsen/logrus"
)

// Link is a single physical Ethernet device: a raw send/receive pair plus
// a link-up signal (§1's "OS-level network device driver" collaborator).
type Link interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	LinkUp() bool
	Close() error
}

// Binding ties together a main link and an optional backup link and
// implements ecmaster.FrameTransport, so it can be handed straight to
// ecmaster.NewBusManager. Each frame is passed straight to its link's
// Send; the binding keeps no ring of pre-allocated send buffers.
type Binding struct {
	links []Link
}

var _ ecmaster.FrameTransport = (*Binding)(nil)

// NewMain creates a binding with only the main device attached.
func NewMain(main Link) *Binding {
	return &Binding{links: []Link{main}}
}

// NewRedundant creates a binding with both a main and a backup device,
// enabling the redundancy arbitration described in §4.7.
func NewRedundant(main, backup Link) *Binding {
	return &Binding{links: []Link{main, backup}}
}

func (b *Binding) NumDevices() int { return len(b.links) }

func (b *Binding) SendFrame(deviceIndex int, payload []byte) error {
	if deviceIndex < 0 || deviceIndex >= len(b.links) {
		return fmt.Errorf("device: index %d out of range (%d devices attached)", deviceIndex, len(b.links))
	}
	if !b.links[deviceIndex].LinkUp() {
		return ecmaster.ErrDeviceOffline
	}
	return b.links[deviceIndex].Send(payload)
}

func (b *Binding) ReceiveFrame(deviceIndex int) ([]byte, error) {
	if deviceIndex < 0 || deviceIndex >= len(b.links) {
		return nil, fmt.Errorf("device: index %d out of range (%d devices attached)", deviceIndex, len(b.links))
	}
	return b.links[deviceIndex].Receive()
}

func (b *Binding) LinkUp(deviceIndex int) bool {
	if deviceIndex < 0 || deviceIndex >= len(b.links) {
		return false
	}
	return b.links[deviceIndex].LinkUp()
}

// Close shuts down every attached link.
func (b *Binding) Close() {
	for i, l := range b.links {
		if err := l.Close(); err != nil {
			log.WithError(err).Warnf("[DEV] error closing device %d", i)
		}
	}
}

// HasBackup reports whether a redundant backup link is attached (§4.7).
func (b *Binding) HasBackup() bool { return len(b.links) > 1 }
