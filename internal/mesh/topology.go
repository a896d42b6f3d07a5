package mesh

import (
	"sync"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

// NodeStaleAfter is how long a node's neighbor claim may go unrefreshed
// before prune() drops it.
const NodeStaleAfter = 60 * time.Second

// RouteCacheCapacity and RouteCacheTTL bound the BFS route cache.
const (
	RouteCacheCapacity = 500
	RouteCacheTTL      = 5 * time.Second
)

type claim struct {
	neighbors map[identity.PeerID]struct{}
	updatedAt time.Time
}

type routeCacheEntry struct {
	hops      int
	ok        bool
	expiresAt time.Time
}

// TopologyTracker maintains a directed claim map (node -> the set of
// neighbors it claims to have) fed by discovery/topologyAnnounce packets,
// and answers shortest-path queries over the bidirectionally-confirmed
// subgraph. Grounded on leebo-zerogo/internal/vl2/switch.go's learning-table
// discipline (per-key timestamp, capacity/age-based eviction via
// CleanExpired) generalized from a flat MAC table to a directed adjacency
// map with a BFS query on top.
type TopologyTracker struct {
	mu     sync.RWMutex
	claims map[identity.PeerID]*claim

	routeCache *primitives.LRU // key: "src|dst|maxHops" -> *routeCacheEntry
}

// NewTopologyTracker constructs an empty tracker.
func NewTopologyTracker() *TopologyTracker {
	return &TopologyTracker{
		claims:     make(map[identity.PeerID]*claim),
		routeCache: primitives.NewLRU(RouteCacheCapacity, nil),
	}
}

// RecordClaim updates node's claimed neighbor set and invalidates the route
// cache, since any topology mutation can change shortest paths.
func (tt *TopologyTracker) RecordClaim(node identity.PeerID, neighbors []identity.PeerID, now time.Time) {
	set := make(map[identity.PeerID]struct{}, len(neighbors))
	for _, n := range neighbors {
		set[n] = struct{}{}
	}
	tt.mu.Lock()
	tt.claims[node] = &claim{neighbors: set, updatedAt: now}
	tt.mu.Unlock()
	tt.invalidateRouteCache()
}

// Prune removes nodes whose claim has not been refreshed within
// NodeStaleAfter and invalidates the route cache if anything changed.
func (tt *TopologyTracker) Prune(now time.Time) {
	tt.mu.Lock()
	changed := false
	for node, c := range tt.claims {
		if now.Sub(c.updatedAt) >= NodeStaleAfter {
			delete(tt.claims, node)
			changed = true
		}
	}
	tt.mu.Unlock()
	if changed {
		tt.invalidateRouteCache()
	}
}

func (tt *TopologyTracker) invalidateRouteCache() {
	tt.routeCache.Clear()
}

// bidirectional reports whether a and b each claim the other as a
// neighbor — the only edges the BFS considers valid.
func (tt *TopologyTracker) bidirectional(a, b identity.PeerID) bool {
	ca, ok := tt.claims[a]
	if !ok {
		return false
	}
	cb, ok := tt.claims[b]
	if !ok {
		return false
	}
	_, aClaimsB := ca.neighbors[b]
	_, bClaimsA := cb.neighbors[a]
	return aClaimsB && bClaimsA
}

func routeCacheKey(source, dest identity.PeerID, maxHops int) string {
	return source.String() + "|" + dest.String() + "|" + itoa(maxHops)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ShortestPathHops returns the number of hops on the shortest
// bidirectionally-confirmed path from source to dest, capped at maxHops,
// consulting (and populating) the 5s-TTL LRU route cache.
func (tt *TopologyTracker) ShortestPathHops(source, dest identity.PeerID, maxHops int, now time.Time) (int, bool) {
	key := routeCacheKey(source, dest, maxHops)
	if v, ok := tt.routeCache.Get(key); ok {
		entry := v.(*routeCacheEntry)
		if now.Before(entry.expiresAt) {
			return entry.hops, entry.ok
		}
	}

	hops, ok := tt.bfs(source, dest, maxHops)
	tt.routeCache.Put(key, &routeCacheEntry{hops: hops, ok: ok, expiresAt: now.Add(RouteCacheTTL)})
	return hops, ok
}

func (tt *TopologyTracker) bfs(source, dest identity.PeerID, maxHops int) (int, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	if source == dest {
		return 0, true
	}
	visited := map[identity.PeerID]struct{}{source: {}}
	frontier := []identity.PeerID{source}
	hops := 0
	for len(frontier) > 0 && hops < maxHops {
		hops++
		var next []identity.PeerID
		for _, node := range frontier {
			c, ok := tt.claims[node]
			if !ok {
				continue
			}
			for neighbor := range c.neighbors {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				if !tt.bidirectional(node, neighbor) {
					continue
				}
				if neighbor == dest {
					return hops, true
				}
				visited[neighbor] = struct{}{}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return 0, false
}

// KnownNodes returns every node with a live (unpruned) claim, for
// diagnostic listing.
func (tt *TopologyTracker) KnownNodes() []identity.PeerID {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make([]identity.PeerID, 0, len(tt.claims))
	for n := range tt.claims {
		out = append(out, n)
	}
	return out
}

// Neighbors returns node's currently-claimed neighbor set, for diagnostic
// display through Mesh.KnownNeighbors.
func (tt *TopologyTracker) Neighbors(node identity.PeerID) []identity.PeerID {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	c, ok := tt.claims[node]
	if !ok {
		return nil
	}
	out := make([]identity.PeerID, 0, len(c.neighbors))
	for n := range c.neighbors {
		out = append(out, n)
	}
	return out
}
