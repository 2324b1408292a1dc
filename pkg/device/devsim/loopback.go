package devsim

import (
	"sync"

	"github.com/ethercat-io/ecmaster/pkg/device"
)

// Loopback is a device.Link backed by a Network: every frame handed to
// Send is processed immediately and queued for the next Receive, with no
// goroutine or socket involved. It mirrors the teacher's virtual.Bus
// receive-own-messages loopback mode (pkg/can/virtual), minus the TCP
// broker, since an in-process queue is all a single-test-process needs.
type Loopback struct {
	mu     sync.Mutex
	net    *Network
	inbox  [][]byte
	up     bool
}

var _ device.Link = (*Loopback)(nil)

func NewLoopback(net *Network) *Loopback {
	return &Loopback{net: net, up: true}
}

func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp := l.net.Process(frame)
	l.inbox = append(l.inbox, resp)
	return nil
}

func (l *Loopback) Receive() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbox) == 0 {
		return nil, nil
	}
	f := l.inbox[0]
	l.inbox = l.inbox[1:]
	return f, nil
}

func (l *Loopback) LinkUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

// SetLinkUp lets tests simulate a cable pull for redundancy scenarios
// (§4.7, §8 scenario 6).
func (l *Loopback) SetLinkUp(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = up
}

func (l *Loopback) Close() error { return nil }
