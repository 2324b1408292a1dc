package ecmaster

// Bus is the external network device driver collaborator (§1, out of
// scope for this core): a polled send/receive pair plus a link-up signal.
// No type in this module implements Bus: the datagram pipeline drives
// FrameTransport (implemented by device.Binding), and the per-device
// device.Link interface is what device.RawSocket and devsim.Loopback
// implement.
type Bus interface {
	// SendFrame transmits one pre-built Ethernet frame (including the
	// 14-byte Ethernet header). It must not block.
	SendFrame(frame []byte) error

	// ReceiveFrame polls for the next received frame. It returns
	// (nil, nil) when nothing is currently available; it must not block.
	ReceiveFrame() ([]byte, error)

	// LinkUp reports the current physical link state.
	LinkUp() bool
}
