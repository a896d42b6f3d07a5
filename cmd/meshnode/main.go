// Command meshnode is the composition root for a single off-grid mesh
// node: it wires crypto -> store -> identity -> group -> session ->
// transport (BLE-simulated loopback radio) -> mesh -> facades -> the optional
// diagnostics server, in the startup order the library itself expects,
// and keeps running until signaled. Grounded on
// leebo-zerogo/cmd/zerogo-agent/main.go and
// leebo-zerogo/cmd/zerogo-controller/main.go for the flag-parse,
// log-level-switch, config-load-then-CLI-override, create-then-Run,
// signal-wait-then-graceful-Stop shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/offgrid-mesh/meshcore/internal/config"
	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/diag"
	"github.com/offgrid-mesh/meshcore/internal/facade"
	"github.com/offgrid-mesh/meshcore/internal/group"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/mesh"
	"github.com/offgrid-mesh/meshcore/internal/packet"
	"github.com/offgrid-mesh/meshcore/internal/session"
	"github.com/offgrid-mesh/meshcore/internal/store"
	"github.com/offgrid-mesh/meshcore/internal/transport"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "path to meshnode config file (defaults applied when empty)")
		deviceID     = flag.String("device-id", "meshnode-0", "local radio device id advertised to peers")
		storeDSN     = flag.String("store", "", "override config's store_dsn")
		diagAddr     = flag.String("diag-listen", "", "override config's diag.listen_addr and force-enable the diagnostics server")
		logLevel     = flag.String("log-level", "", "override config's log_level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "print this node's peer id and public keys, then exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshnode %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *storeDSN != "" {
		cfg.StoreDSN = *storeDSN
	}
	if *diagAddr != "" {
		cfg.Diag.Enabled = true
		cfg.Diag.ListenAddr = *diagAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))

	n, err := newNode(cfg, *deviceID, log)
	if err != nil {
		log.Error("build node", "err", err)
		os.Exit(1)
	}
	defer n.close()

	if *showIdentity {
		id := n.identity
		staticPub := id.StaticPublicKey()
		fmt.Printf("Peer ID:            %s\n", id.MyPeerID())
		fmt.Printf("Static public key:  %x\n", staticPub[:])
		fmt.Printf("Signing public key: %x\n", []byte(id.SigningPublicKey()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.start(ctx); err != nil {
		log.Error("start node", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	n.stop()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// node holds every layer this process wires together, in construction
// order, so close() can tear them down in the reverse order regardless of
// how far start() got.
type node struct {
	cfg *config.Config
	log *slog.Logger

	kv       *store.KVStore
	identity *identity.Store
	groups   *group.Manager
	sessions *session.Manager
	radio    *transport.SimRadio
	wire     *transport.Transport
	m        *mesh.Mesh
	router   *facade.Router

	chat      *facade.Chat
	location  *facade.Location
	emergency *facade.Emergency
	receipts  *facade.Receipts

	diagSrv *diag.Server
}

// newNode performs every construction step that can fail: crypto -> store
// -> identity -> group -> session -> transport -> mesh -> facades -> diag.
// Nothing here starts a goroutine; that is start()'s job.
func newNode(cfg *config.Config, deviceID string, log *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, log: log}

	suite := crypto.New()

	kv, err := store.Open(cfg.StoreDSN, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n.kv = kv

	idStore, err := identity.Initialize(suite, kv, log)
	if err != nil {
		return nil, fmt.Errorf("initialize identity: %w", err)
	}
	n.identity = idStore

	groups := group.NewManager(suite, kv, log)
	groups.LoadActive()
	n.groups = groups

	sessions := session.NewManager(suite, idStore.StaticPrivateKey(), idStore.StaticPublicKey(), idStore.SigningPublicKey(), log)
	n.sessions = sessions

	// A concrete BLE radio adapter is outside this module's scope (spec's
	// Non-goals); SimRadio over an in-process Ether is the loopback
	// stand-in transport.Radio implementations plug into identically.
	radio := transport.NewSimRadio(deviceID, transport.NewEther())
	n.radio = radio

	wire := transport.New(suite, sessions, idStore.MyPeerID(), radio, log)
	n.wire = wire

	m := mesh.New(suite, idStore, wire, log)
	n.m = m

	router := facade.NewRouter(m)
	n.router = router

	onError := func(err error) { log.Warn("facade payload error", "err", err) }

	chat, err := facade.NewChat(m, groups, router, log, onError)
	if err != nil {
		return nil, fmt.Errorf("build chat facade: %w", err)
	}
	n.chat = chat

	loc, err := facade.NewLocation(m, groups, router, log, onError)
	if err != nil {
		return nil, fmt.Errorf("build location facade: %w", err)
	}
	n.location = loc

	em, err := facade.NewEmergency(m, groups, router, log, onError)
	if err != nil {
		return nil, fmt.Errorf("build emergency facade: %w", err)
	}
	n.emergency = em

	rc, err := facade.NewReceipts(m, groups, router, log, onError)
	if err != nil {
		return nil, fmt.Errorf("build receipts facade: %w", err)
	}
	n.receipts = rc

	if cfg.Diag.Enabled {
		diagSrv, err := diag.New(m, kv, groups, diag.Config{ListenAddr: cfg.Diag.ListenAddr, JWTSecret: cfg.Diag.JWTSecret}, log)
		if err != nil {
			return nil, fmt.Errorf("build diagnostics server: %w", err)
		}
		n.diagSrv = diagSrv
	}

	return n, nil
}

// start brings every layer live: the mesh's read/relay loops, the facade
// router, the diagnostics HTTP server (if enabled), and the goroutines
// pumping mesh/facade event streams into it.
func (n *node) start(ctx context.Context) error {
	if err := n.m.Start(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	if n.diagSrv != nil {
		n.router.Observe(n.observePacketForDiag)
	}
	n.router.Start()

	go n.logChatEvents()
	go n.logLocationEvents()
	go n.logEmergencyEvents()
	go n.logReceiptEvents()

	if n.diagSrv != nil {
		go n.pumpDiagPeerEvents()
		go func() {
			if err := n.diagSrv.Run(); err != nil {
				n.log.Error("diagnostics server stopped", "err", err)
			}
		}()
	}

	n.log.Info("meshnode started", "peer_id", n.m.MyPeerID(), "diag_enabled", n.cfg.Diag.Enabled)
	return nil
}

// stop halts the facade router and the mesh's background loops. It does
// not close the store or the group manager; close() does that once,
// regardless of whether start() ever ran.
func (n *node) stop() {
	n.router.Stop()
	if err := n.m.Stop(); err != nil {
		n.log.Warn("stop mesh", "err", err)
	}
}

// close releases every resource newNode opened, in reverse construction
// order. Safe to call even if start() was never invoked or failed partway.
func (n *node) close() {
	if n.groups != nil {
		n.groups.Close()
	}
	if n.kv != nil {
		if err := n.kv.Close(); err != nil {
			n.log.Warn("close store", "err", err)
		}
	}
}

// pumpDiagPeerEvents is the only reader of m.Peers(); nothing else in this
// process consumes that channel, so this is safe to run for the process
// lifetime without starving another consumer.
func (n *node) pumpDiagPeerEvents() {
	for ev := range n.m.Peers() {
		n.diagSrv.BroadcastMeshEvent(diag.NewPeerEventView(ev.PeerID, ev.Authenticated, ev.Disconnected))
	}
}

// observePacketForDiag is wired into the facade router's Observe hook
// rather than reading m.Packets() directly: that channel already has the
// router as its one reader, and a second direct consumer would race the
// facades for packets instead of seeing a copy of every one.
func (n *node) observePacketForDiag(pkt *packet.Packet) {
	n.diagSrv.BroadcastPacketEvent(diag.NewPacketEventView(identity.PeerID(pkt.SourceID), int(pkt.Type), int(pkt.TTL)))
}

func (n *node) logChatEvents() {
	for msg := range n.chat.Events() {
		n.log.Info("chat message", "from", msg.From, "sender", msg.SenderName, "text", msg.Text)
	}
}

func (n *node) logLocationEvents() {
	for loc := range n.location.Events() {
		n.log.Info("location update", "from", loc.From, "lat", loc.Lat, "lon", loc.Lon, "accuracy_m", loc.AccuracyMeters)
	}
}

func (n *node) logEmergencyEvents() {
	for alert := range n.emergency.Events() {
		n.log.Warn("emergency alert", "from", alert.From, "text", alert.Text)
	}
}

func (n *node) logReceiptEvents() {
	for batch := range n.receipts.Events() {
		n.log.Info("receipt batch", "from", batch.From, "count", len(batch.Receipts))
	}
}
