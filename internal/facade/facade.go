// Package facade implements the thin, typed wrappers over the mesh service
// described at spec §4.7: chat, location, emergency alerting, and delivery
// receipts. Each facade encodes a typed payload with the binary codec,
// group-encrypts it when a group is active, and exposes a subscribed stream
// of typed inbound events with a mandatory error handler, grounded on
// leebo-zerogo/internal/agent/agent.go's channel-subscription pattern
// (a background goroutine draining a transport stream and fanning out to
// typed callbacks) generalized from one fixed event type to one facade per
// message type.
package facade

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/offgrid-mesh/meshcore/internal/group"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
)

// Mesh is the subset of *mesh.Mesh's trait surface every facade needs.
// Declared locally so this package depends on the mesh service's shape, not
// its concrete type — matching the teacher's own preference for small
// consumer-defined interfaces over importing a concrete struct.
type Mesh interface {
	SendPacket(pkt *packet.Packet, to identity.PeerID) error
	BroadcastPacket(pkt *packet.Packet) error
	Packets() <-chan *packet.Packet
	MyPeerID() identity.PeerID
}

// ErrNoErrorHandler is returned by a facade constructor when no error
// handler was supplied; spec §4.7 requires one on every inbound stream so a
// transport error never silently cancels the subscription.
var ErrNoErrorHandler = errors.New("facade: an error handler is required")

// ErrorHandler receives any decode or group-decrypt error encountered while
// processing an inbound packet for a facade's event stream. It never
// receives transport-level errors (those belong to the mesh/transport
// layer); it covers this facade's own payload handling.
type ErrorHandler func(error)

// groupCipher is the subset of *group.Manager a facade needs to optionally
// encrypt/decrypt its payloads when a group is active.
type groupCipher interface {
	ActiveGroup() *group.Group
	EncryptForGroup(plaintext []byte, msgType byte) ([]byte, error)
	DecryptFromGroup(data []byte, msgType byte) ([]byte, error)
}

// base holds the fields every facade needs: the mesh to send/receive
// through, the optional group cipher, a logger, and the mandatory error
// handler.
type base struct {
	mesh    Mesh
	groups  groupCipher
	log     *slog.Logger
	onError ErrorHandler
}

func newBase(m Mesh, groups groupCipher, log *slog.Logger, onError ErrorHandler) (base, error) {
	if onError == nil {
		return base{}, ErrNoErrorHandler
	}
	return base{mesh: m, groups: groups, log: log, onError: onError}, nil
}

// encryptIfGrouped group-encrypts plaintext under msgType when a group is
// active, otherwise returns plaintext unchanged.
func (b base) encryptIfGrouped(plaintext []byte, msgType byte) ([]byte, error) {
	if b.groups == nil || b.groups.ActiveGroup() == nil {
		return plaintext, nil
	}
	return b.groups.EncryptForGroup(plaintext, msgType)
}

// decryptIfGrouped reverses encryptIfGrouped: if a group is active it
// attempts group decryption first, falling back to the payload unchanged
// when no group is active (legacy/ungrouped senders).
func (b base) decryptIfGrouped(data []byte, msgType byte) ([]byte, error) {
	if b.groups == nil || b.groups.ActiveGroup() == nil {
		return data, nil
	}
	return b.groups.DecryptFromGroup(data, msgType)
}

// Router fans the mesh's single application-packet stream out to whichever
// facade owns each message type, since mesh.Mesh exposes one shared
// Packets() channel but the spec describes several independent per-type
// facades each wanting its own typed event stream. Grounded on
// leebo-zerogo/internal/agent/agent.go's single maintenance goroutine
// pattern, generalized from one hardcoded loop body to a type-keyed
// dispatch table facades register themselves into.
type Router struct {
	mesh Mesh

	mu      sync.Mutex
	routes  map[packet.Type]func(*packet.Packet)
	observe func(*packet.Packet)

	stopCh chan struct{}
}

// NewRouter constructs a Router over mesh. Facades register themselves via
// Register during their own construction.
func NewRouter(mesh Mesh) *Router {
	return &Router{
		mesh:   mesh,
		routes: make(map[packet.Type]func(*packet.Packet)),
		stopCh: make(chan struct{}),
	}
}

// Register binds handle as the receiver for every inbound packet of type t.
// Only one handler may own a given type.
func (r *Router) Register(t packet.Type, handle func(*packet.Packet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[t] = handle
}

// Observe registers fn to be called with every packet the router sees off
// mesh.Packets(), whether or not a facade has registered its type. Since
// mesh.Packets() has exactly one reader (this router), this is the only
// way another component (a diagnostics stream, say) can see packet traffic
// without stealing packets a facade would otherwise have received. Call
// before Start; not safe to change concurrently with a running router.
func (r *Router) Observe(fn func(*packet.Packet)) {
	r.observe = fn
}

// Start begins pumping mesh.Packets() to registered handlers. Must be
// called once, after every facade has registered.
func (r *Router) Start() {
	go r.run()
}

// Stop halts the pump goroutine.
func (r *Router) Stop() {
	close(r.stopCh)
}

func (r *Router) run() {
	for {
		select {
		case <-r.stopCh:
			return
		case pkt, ok := <-r.mesh.Packets():
			if !ok {
				return
			}
			r.mu.Lock()
			handle := r.routes[pkt.Type]
			r.mu.Unlock()
			if handle != nil {
				handle(pkt)
			}
			if r.observe != nil {
				r.observe(pkt)
			}
		}
	}
}
