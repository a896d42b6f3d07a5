package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
	"github.com/offgrid-mesh/meshcore/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type node struct {
	deviceID string
	peerID   identity.PeerID
	suite    *crypto.Suite
	sessions *session.Manager
	radio    *SimRadio
	tp       *Transport
}

func newNode(t *testing.T, suite *crypto.Suite, ether *Ether, deviceID string) *node {
	t.Helper()
	priv, pub, err := suite.GenerateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	peerID := identity.PeerIDFromStaticPub(suite, pub)
	signingPub := make([]byte, 32)
	for i := range signingPub {
		signingPub[i] = byte(i)
	}
	sessions := session.NewManager(suite, priv, pub, signingPub, testLogger())
	radio := NewSimRadio(deviceID, ether)
	tp := New(suite, sessions, peerID, radio, testLogger())
	return &node{deviceID: deviceID, peerID: peerID, suite: suite, sessions: sessions, radio: radio, tp: tp}
}

func startAll(t *testing.T, ctx context.Context, nodes ...*node) {
	t.Helper()
	for _, n := range nodes {
		if err := n.tp.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", n.deviceID, err)
		}
	}
}

func waitForPeerEvent(t *testing.T, tp *Transport, timeout time.Duration) PeerEvent {
	t.Helper()
	select {
	case ev := <-tp.Peers():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for peer event")
		return PeerEvent{}
	}
}

func TestCentralPeripheralHandshakeCompletesAndExchangesApplicationPacket(t *testing.T) {
	suite := crypto.New()
	ether := NewEther()
	a := newNode(t, suite, ether, "device-a")
	b := newNode(t, suite, ether, "device-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(t, ctx, a, b)
	defer a.tp.Stop()
	defer b.tp.Stop()

	if err := a.tp.ConnectCentral("device-b"); err != nil {
		t.Fatalf("connect central: %v", err)
	}

	evA := waitForPeerEvent(t, a.tp, 2*time.Second)
	evB := waitForPeerEvent(t, b.tp, 2*time.Second)
	if !evA.Authenticated || !evB.Authenticated {
		t.Fatal("expected both sides to report authenticated")
	}
	if evA.PeerID != b.peerID {
		t.Fatal("central did not learn peripheral's peer id")
	}
	if evB.PeerID != a.peerID {
		t.Fatal("peripheral did not learn central's peer id")
	}

	pkt := &packet.Packet{
		Type:        packet.TypeChat,
		TimestampMs: time.Now().UnixMilli(),
		SourceID:    [32]byte(a.peerID),
		Payload:     []byte("hello mesh"),
	}
	if err := a.tp.SendPacket(pkt, b.peerID); err != nil {
		t.Fatalf("send packet: %v", err)
	}

	select {
	case got := <-b.tp.Packets():
		if string(got.Payload) != "hello mesh" {
			t.Fatalf("unexpected payload %q", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for application packet")
	}
}

func TestSendPacketWithoutSessionReturnsErrNoSession(t *testing.T) {
	suite := crypto.New()
	ether := NewEther()
	a := newNode(t, suite, ether, "device-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(t, ctx, a)
	defer a.tp.Stop()

	var unknownPeer identity.PeerID
	pkt := &packet.Packet{Type: packet.TypeChat, TimestampMs: time.Now().UnixMilli(), SourceID: [32]byte(a.peerID)}
	if err := a.tp.SendPacket(pkt, unknownPeer); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestColdBootRuleDropsNonHandshakePacketBeforeSession(t *testing.T) {
	suite := crypto.New()
	ether := NewEther()
	a := newNode(t, suite, ether, "device-a")
	b := newNode(t, suite, ether, "device-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(t, ctx, a, b)
	defer a.tp.Stop()
	defer b.tp.Stop()

	link, _, err := a.radio.Connect(ctx, "device-b")
	if err != nil {
		t.Fatal(err)
	}
	// Without ever starting the Noise handshake, send a plaintext chat
	// packet directly over the raw link.
	chat := &packet.Packet{Type: packet.TypeChat, TimestampMs: time.Now().UnixMilli(), SourceID: [32]byte(a.peerID), Payload: []byte("sneaky")}
	buf, err := packet.Encode(chat)
	if err != nil {
		t.Fatal(err)
	}
	if err := link.Write(buf, false); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-b.tp.Packets():
		t.Fatalf("expected packet to be dropped by cold-boot rule, got %+v", got)
	case <-time.After(300 * time.Millisecond):
		// expected: nothing emitted
	}
}

func TestConnectionLimitRejectsExtraPeripheralLinks(t *testing.T) {
	suite := crypto.New()
	ether := NewEther()
	server := newNode(t, suite, ether, "device-server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(t, ctx, server)
	defer server.tp.Stop()

	clients := make([]*node, 0, MaxPeripheralLinks+1)
	for i := 0; i < MaxPeripheralLinks+1; i++ {
		c := newNode(t, suite, ether, deviceName(i))
		startAll(t, ctx, c)
		defer c.tp.Stop()
		clients = append(clients, c)
	}

	for i, c := range clients {
		err := c.tp.ConnectCentral("device-server")
		if i < MaxPeripheralLinks {
			if err != nil {
				t.Fatalf("client %d: expected connect to succeed, got %v", i, err)
			}
		}
	}
	// The final client's connection is the one past the limit: the server
	// must not keep it in its connection table.
	time.Sleep(200 * time.Millisecond)
	server.tp.mu.RLock()
	_, extraAccepted := server.tp.conns[clients[MaxPeripheralLinks].deviceID]
	server.tp.mu.RUnlock()
	if extraAccepted {
		t.Fatal("expected the connection beyond MaxPeripheralLinks to be rejected")
	}
}

func deviceName(i int) string {
	return "device-client-" + string(rune('A'+i))
}
