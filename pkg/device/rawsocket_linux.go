//go:build linux

package device

import (
	"fmt"
	"net"
	"os"
	"time"

	ecmaster "github.com/ethercat-io/ecmaster"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// htons converts a uint16 to network byte order, matching the
// unix.SockaddrLinklayer.Protocol convention used below.
func htons(v uint16) uint16 { return (v<<8)&0xff00 | v>>8 }

// RawSocket is a Link bound to a real Ethernet interface via an AF_PACKET
// raw socket, filtered to the EtherCAT EtherType (0x88a4). It is the Go
// counterpart of the teacher's socketcanv2.Bus (pkg/can/socketcanv2), which
// binds an AF_CAN socket to a named interface the same way; here the
// EtherCAT transport has no notion of a CAN filter so the whole EtherType
// class is accepted and frames are demultiplexed by the caller.
type RawSocket struct {
	fd       int
	f        *os.File
	ifname   string
	linkUp   bool
}

var _ Link = (*RawSocket)(nil)

// Open binds a raw EtherType-0x88a4 socket to the named interface
// (e.g. "eth0"). The caller must run as (or be granted) CAP_NET_RAW.
func Open(ifname string) (*RawSocket, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("device: interface %q: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(ecmaster.EtherType)))
	if err != nil {
		return nil, fmt.Errorf("device: socket: %w", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(ecmaster.EtherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: bind %q: %w", ifname, err)
	}

	tv := unix.NsecToTimeval(int64(200 * time.Microsecond))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: set recv timeout: %w", err)
	}

	linkUp := iface.Flags&net.FlagUp != 0
	rs := &RawSocket{
		fd:     fd,
		f:      os.NewFile(uintptr(fd), ifname),
		ifname: ifname,
		linkUp: linkUp,
	}
	return rs, nil
}

func (r *RawSocket) Send(frame []byte) error {
	n, err := r.f.Write(frame)
	if err != nil {
		return fmt.Errorf("device: write %s: %w", r.ifname, err)
	}
	if n != len(frame) {
		return fmt.Errorf("device: short write on %s: %d/%d", r.ifname, n, len(frame))
	}
	return nil
}

func (r *RawSocket) Receive() ([]byte, error) {
	buf := make([]byte, ecmaster.MaxFrameSize)
	n, err := r.f.Read(buf)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("device: read %s: %w", r.ifname, err)
	}
	return buf[:n], nil
}

func (r *RawSocket) LinkUp() bool {
	iface, err := net.InterfaceByName(r.ifname)
	if err != nil {
		log.WithError(err).Warnf("[DEV] %s: link state query failed", r.ifname)
		return false
	}
	r.linkUp = iface.Flags&net.FlagUp != 0
	return r.linkUp
}

func (r *RawSocket) Close() error {
	return r.f.Close()
}
