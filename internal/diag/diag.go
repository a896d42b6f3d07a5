// Package diag implements a local-loopback diagnostics server: a gin HTTP
// API, guarded by a JWT bearer token, exposing this node's identity
// summary, active-group summary, direct-peer list, known topology,
// session/dedup counters, and recently-relayed packet ids, plus a
// gorilla/websocket stream of live peer connect/disconnect events. Also
// carries the two mutating operations a host debugger needs — resetting
// this node's identity and explicitly trusting a peer — behind the same
// bearer check. Adapted from leebo-zerogo/internal/controller/
// controller.go (gin.Engine setup, Recovery+CORS middleware, Run) and
// internal/controller/ws.go (the per-connection AgentConn/WSHandler
// broadcast shape), generalized from a multi-tenant network-management API
// to a single-node inspection surface — there is no user database here,
// just one operator token minted at startup.
package diag

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/offgrid-mesh/meshcore/internal/group"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/mesh"
)

// Config controls the diagnostics server.
type Config struct {
	// ListenAddr is the loopback address to bind, e.g. "127.0.0.1:8787".
	// Binding beyond loopback is the caller's responsibility and choice.
	ListenAddr string
	// JWTSecret signs and verifies the operator bearer token. Required.
	JWTSecret string
}

// groupSummarizer is the narrow slice of *group.Manager this package reads;
// matches internal/facade's preference for depending on the smallest
// interface a component actually uses rather than the concrete type.
type groupSummarizer interface {
	ActiveGroup() *group.Group
}

// Server is the diagnostics HTTP+WS server for a single running Mesh.
type Server struct {
	mesh        *mesh.Mesh
	persistence identity.Persistence
	groups      groupSummarizer
	router      *gin.Engine
	ws          *wsHub
	cfg         Config
	log         *slog.Logger
}

// New builds a Server and mints the one operator token for this run,
// logging it at Info level (there is no login endpoint: this is a
// single-operator local tool, not a multi-user service). persistence backs
// the mutating identity endpoints (reset, trust-peer) and must be the same
// store the running Mesh's identity.Store was initialized against. groups
// may be nil if this build has no group manager wired up.
func New(m *mesh.Mesh, persistence identity.Persistence, groups groupSummarizer, cfg Config, log *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("diag: JWTSecret is required")
	}
	log = log.With("component", "diag")

	token, expiresAt, err := GenerateToken(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("diag: generate operator token: %w", err)
	}
	log.Info("diagnostics operator token minted", "expires_at", expiresAt)
	log.Info("diagnostics bearer token (keep secret)", "token", token)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		mesh:        m,
		persistence: persistence,
		groups:      groups,
		router:      router,
		ws:          newWSHub(log),
		cfg:         cfg,
		log:         log,
	}
	s.setupRoutes()
	return s, nil
}

// Run starts the HTTP server; it blocks until the listener errors or the
// process exits, mirroring gin.Engine.Run's own blocking contract.
func (s *Server) Run() error {
	s.log.Info("diagnostics server starting", "listen", s.cfg.ListenAddr)
	return s.router.Run(s.cfg.ListenAddr)
}

// BroadcastMeshEvent fans a mesh.Peers()-sourced event out to every
// connected diagnostics websocket subscriber. The composition root is
// expected to pump m.Peers() into this after Run starts.
func (s *Server) BroadcastMeshEvent(ev PeerEventView) {
	s.ws.broadcast(ev)
}

// BroadcastPacketEvent fans a packet event out to every connected
// diagnostics websocket subscriber. The composition root feeds it from the
// facade router's Observe hook, which sees every packet read from
// m.Packets().
func (s *Server) BroadcastPacketEvent(ev PacketEventView) {
	s.ws.broadcast(ev)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api/v1")
	api.Use(AuthMiddleware(s.cfg.JWTSecret))
	{
		api.GET("/identity", s.handleIdentity)
		api.GET("/group", s.handleGroup)
		api.GET("/peers", s.handlePeers)
		api.GET("/topology", s.handleTopology)
		api.GET("/packets/recent", s.handleRecentPackets)
		api.GET("/stream", s.ws.handleUpgrade)

		api.POST("/identity/reset", s.handleIdentityReset)
		api.POST("/peers/:id/trust", s.handleTrustPeer)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "peer_id": s.mesh.MyPeerID().String()})
}

func (s *Server) handleIdentity(c *gin.Context) {
	id := s.mesh.Identity()
	staticPub := id.StaticPublicKey()
	c.JSON(200, gin.H{
		"peer_id":            id.MyPeerID().String(),
		"static_public_key":  fmt.Sprintf("%x", staticPub[:]),
		"signing_public_key": fmt.Sprintf("%x", []byte(id.SigningPublicKey())),
		"session_count":      s.mesh.SessionCount(),
		"dedup_size":         s.mesh.DedupSize(),
	})
}

func (s *Server) handleGroup(c *gin.Context) {
	if s.groups == nil {
		c.JSON(200, gin.H{"active": false})
		return
	}
	g := s.groups.ActiveGroup()
	if g == nil {
		c.JSON(200, gin.H{"active": false})
		return
	}
	c.JSON(200, gin.H{
		"active":     true,
		"name":       g.Name,
		"join_code":  g.JoinCode(),
		"members":    len(g.Members),
		"created_at": g.CreatedAt,
	})
}

// handleIdentityReset wipes this node's keys and trusted-peer set. A
// destructive operation, gated behind the same bearer token as every other
// mutating endpoint here — there is no separate confirmation step, since a
// local diagnostics tool's one operator is assumed to mean it.
func (s *Server) handleIdentityReset(c *gin.Context) {
	if err := s.mesh.Identity().Reset(s.persistence); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"status": "reset"})
}

func (s *Server) handleTrustPeer(c *gin.Context) {
	peerID, err := identity.PeerIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid peer id: " + err.Error()})
		return
	}
	if err := s.mesh.Identity().TrustPeer(s.persistence, peerID); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"status": "trusted", "peer_id": peerID.String()})
}

func (s *Server) handlePeers(c *gin.Context) {
	direct := s.mesh.DirectPeers()
	ids := make([]string, 0, len(direct))
	for _, p := range direct {
		ids = append(ids, p.String())
	}
	c.JSON(200, gin.H{"direct_peers": ids})
}

func (s *Server) handleTopology(c *gin.Context) {
	nodes := s.mesh.KnownNodes()
	out := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		neighbors := s.mesh.KnownNeighbors(n)
		ns := make([]string, 0, len(neighbors))
		for _, nb := range neighbors {
			ns = append(ns, nb.String())
		}
		out[n.String()] = ns
	}
	c.JSON(200, gin.H{"topology": out})
}

func (s *Server) handleRecentPackets(c *gin.Context) {
	c.JSON(200, gin.H{"recent_packet_ids": s.mesh.RecentPacketIDs(50)})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// PeerEventView is the JSON shape pushed to websocket subscribers for a
// direct-peer connect or disconnect.
type PeerEventView struct {
	PeerID        string `json:"peer_id"`
	Authenticated bool   `json:"authenticated"`
	Disconnected  bool   `json:"disconnected"`
}

// NewPeerEventView adapts a mesh peer identity into the wire view. Kept
// here (rather than importing transport.PeerEvent's shape directly into
// the JSON type) so the wire contract doesn't change if the transport
// event grows unrelated fields.
func NewPeerEventView(id identity.PeerID, authenticated, disconnected bool) PeerEventView {
	return PeerEventView{PeerID: id.String(), Authenticated: authenticated, Disconnected: disconnected}
}

// PacketEventView is the JSON shape pushed to websocket subscribers for an
// application-layer packet the mesh delivered locally.
type PacketEventView struct {
	SourceID string `json:"source_id"`
	Type     int    `json:"type"`
	TTL      int    `json:"ttl"`
}

// NewPacketEventView adapts a delivered packet's header fields into the
// wire view, deliberately omitting the payload — a debugger watching this
// stream sees shape and provenance, not message content.
func NewPacketEventView(sourceID identity.PeerID, packetType, ttl int) PacketEventView {
	return PacketEventView{SourceID: sourceID.String(), Type: packetType, TTL: ttl}
}
