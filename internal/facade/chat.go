package facade

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
)

// ChatMessage is an inbound chat event, decoded from either the legacy
// plain-UTF-8 payload or the compact {"n":...,"t":...} JSON form.
type ChatMessage struct {
	From       identity.PeerID
	SenderName string // empty for a legacy plain-text payload
	Text       string
	ReceivedAt time.Time
}

type chatWire struct {
	N string `json:"n"`
	T string `json:"t"`
}

// Chat is the chat facade (§4.7): encode/decode typed chat payloads,
// group-encrypt when a group is active, broadcast or unicast, and expose a
// typed inbound event stream.
type Chat struct {
	base
	eventsCh chan ChatMessage
}

// NewChat constructs a Chat facade and registers it with router for
// packet.TypeChat.
func NewChat(m Mesh, groups groupCipher, router *Router, log *slog.Logger, onError ErrorHandler) (*Chat, error) {
	b, err := newBase(m, groups, log, onError)
	if err != nil {
		return nil, err
	}
	c := &Chat{base: b, eventsCh: make(chan ChatMessage, 64)}
	router.Register(packet.TypeChat, c.handleInbound)
	return c, nil
}

// Events returns the inbound chat stream.
func (c *Chat) Events() <-chan ChatMessage { return c.eventsCh }

// SendNamed broadcasts (to == nil) or unicasts a chat message carrying a
// sender name, using the compact JSON payload form.
func (c *Chat) SendNamed(senderName, text string, to *identity.PeerID) error {
	payload, err := json.Marshal(chatWire{N: senderName, T: text})
	if err != nil {
		return fmt.Errorf("facade: encode chat payload: %w", err)
	}
	return c.send(payload, to)
}

// SendLegacy broadcasts or unicasts a plain-UTF-8 chat message with no
// sender-name envelope, for interoperability with the legacy wire form.
func (c *Chat) SendLegacy(text string, to *identity.PeerID) error {
	return c.send([]byte(text), to)
}

func (c *Chat) send(payload []byte, to *identity.PeerID) error {
	payload, err := c.encryptIfGrouped(payload, byte(packet.TypeChat))
	if err != nil {
		return fmt.Errorf("facade: group-encrypt chat payload: %w", err)
	}
	pkt := &packet.Packet{
		Type:    packet.TypeChat,
		TTL:     packet.MaxTTL,
		Payload: payload,
	}
	if to != nil {
		pkt.DestID = [32]byte(*to)
		return c.mesh.SendPacket(pkt, *to)
	}
	return c.mesh.BroadcastPacket(pkt)
}

func (c *Chat) handleInbound(pkt *packet.Packet) {
	payload, err := c.decryptIfGrouped(pkt.Payload, byte(packet.TypeChat))
	if err != nil {
		c.onError(fmt.Errorf("facade: group-decrypt chat payload: %w", err))
		return
	}

	msg := ChatMessage{From: identity.PeerID(pkt.SourceID), ReceivedAt: time.UnixMilli(pkt.TimestampMs)}
	var wire chatWire
	if err := json.Unmarshal(payload, &wire); err == nil && wire.T != "" {
		msg.SenderName = wire.N
		msg.Text = wire.T
	} else {
		if !packet.ValidateUTF8Strict(payload) {
			c.onError(fmt.Errorf("facade: chat payload is not strict UTF-8"))
			return
		}
		msg.Text = string(payload)
	}

	select {
	case c.eventsCh <- msg:
	default:
		c.onError(fmt.Errorf("facade: dropping chat event, subscriber queue full"))
	}
}
