package transport

import (
	"context"
	"fmt"
	"sync"
)

// SimRadio is an in-process Radio used by this package's own tests and by
// anything embedding meshcore without real BLE hardware. No Go BLE library
// appears anywhere in the example pack (leebo-zerogo talks UDP, not GATT),
// so there is no third-party stack to wire for the radio itself; this
// simulation plays the same role the teacher's net.UDPConn plays for VL1 —
// a concrete, connectable transport that the rest of the stack is built
// and tested against. Two or more SimRadios sharing an *Ether behave as
// devices within BLE range of each other.
type SimRadio struct {
	deviceID string
	ether    *Ether

	mu          sync.Mutex
	advertising bool
	accept      chan PeripheralConnection
	closed      bool
}

// NewSimRadio registers deviceID on ether.
func NewSimRadio(deviceID string, ether *Ether) *SimRadio {
	r := &SimRadio{
		deviceID: deviceID,
		ether:    ether,
		accept:   make(chan PeripheralConnection, 8),
	}
	ether.register(deviceID, r)
	return r
}

func (r *SimRadio) Advertise(ctx context.Context, serviceUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = true
	return nil
}

func (r *SimRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	return nil
}

func (r *SimRadio) Scan(ctx context.Context, serviceUUID string, onDiscover func(deviceID string)) error {
	for _, id := range r.ether.advertisingDevices(r.deviceID) {
		onDiscover(id)
	}
	<-ctx.Done()
	return nil
}

func (r *SimRadio) Connect(ctx context.Context, deviceID string) (Link, <-chan []byte, error) {
	peer := r.ether.lookup(deviceID)
	if peer == nil {
		return nil, nil, fmt.Errorf("simradio: device %s not reachable", deviceID)
	}
	peer.mu.Lock()
	advertising := peer.advertising
	peer.mu.Unlock()
	if !advertising {
		return nil, nil, fmt.Errorf("simradio: device %s not advertising", deviceID)
	}

	toPeer := make(chan []byte, 32)
	toSelf := make(chan []byte, 32)
	myLink := &simLink{out: toPeer, mtu: NegotiatedMTU}
	peerLink := &simLink{out: toSelf, mtu: NegotiatedMTU}

	select {
	case peer.accept <- PeripheralConnection{DeviceID: r.deviceID, Link: peerLink, Inbound: toPeer}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return myLink, toSelf, nil
}

func (r *SimRadio) Accept() <-chan PeripheralConnection { return r.accept }

func (r *SimRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.ether.unregister(r.deviceID)
	return nil
}

// simLink is a Link backed by a buffered channel shared with the peer's
// SimRadio; Write delivers directly into the peer's inbound channel.
type simLink struct {
	out    chan []byte
	mtu    int
	mu     sync.Mutex
	closed bool
}

func (l *simLink) Write(data []byte, withResponse bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("simradio: link closed")
	}
	cp := append([]byte(nil), data...)
	select {
	case l.out <- cp:
		return nil
	default:
		return fmt.Errorf("simradio: peer inbound buffer full")
	}
}

func (l *simLink) MTU() int { return l.mtu }

func (l *simLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return nil
}

// Ether is the shared medium a set of SimRadios advertise and connect
// through, standing in for real-world BLE range.
type Ether struct {
	mu      sync.Mutex
	radios  map[string]*SimRadio
}

// NewEther creates an empty shared medium.
func NewEther() *Ether {
	return &Ether{radios: make(map[string]*SimRadio)}
}

func (e *Ether) register(deviceID string, r *SimRadio) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.radios[deviceID] = r
}

func (e *Ether) unregister(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.radios, deviceID)
}

func (e *Ether) lookup(deviceID string) *SimRadio {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.radios[deviceID]
}

func (e *Ether) advertisingDevices(excluding string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, r := range e.radios {
		if id == excluding {
			continue
		}
		r.mu.Lock()
		adv := r.advertising
		r.mu.Unlock()
		if adv {
			ids = append(ids, id)
		}
	}
	return ids
}
