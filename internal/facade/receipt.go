package facade

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/offgrid-mesh/meshcore/internal/identity"
	"github.com/offgrid-mesh/meshcore/internal/packet"
)

// receiptEntrySize is the fixed per-receipt struct size (§4.7): a 32-byte
// peer id the receipt acknowledges a message from, the 8-byte timestamp
// (ms) of the acknowledged message, and a 1-byte status.
const receiptEntrySize = 41

// receiptBatchSentinel marks a TypeAck payload as a receipt batch rather
// than a single legacy ack.
const receiptBatchSentinel = 0xFF

// MaxReceiptsPerPacket bounds a single batch (§4.7: "batched up to 11 per
// packet behind a sentinel byte").
const MaxReceiptsPerPacket = 11

// ReceiptStatus is the single-byte delivery state a Receipt reports.
type ReceiptStatus byte

const (
	ReceiptDelivered ReceiptStatus = 1
	ReceiptRead      ReceiptStatus = 2
)

// Receipt is one delivery/read acknowledgment.
type Receipt struct {
	AcksMessageFrom identity.PeerID
	AcksTimestampMs int64
	Status          ReceiptStatus
}

// ReceiptBatch is an inbound batch of receipts from a single sender.
type ReceiptBatch struct {
	From       identity.PeerID
	Receipts   []Receipt
	ReceivedAt time.Time
}

func encodeReceipt(r Receipt) []byte {
	buf := make([]byte, receiptEntrySize)
	copy(buf[0:32], r.AcksMessageFrom.Bytes())
	binary.BigEndian.PutUint64(buf[32:40], uint64(r.AcksTimestampMs))
	buf[40] = byte(r.Status)
	return buf
}

func decodeReceipt(buf []byte) Receipt {
	var id identity.PeerID
	copy(id[:], buf[0:32])
	return Receipt{
		AcksMessageFrom: id,
		AcksTimestampMs: int64(binary.BigEndian.Uint64(buf[32:40])),
		Status:          ReceiptStatus(buf[40]),
	}
}

// Receipts is the delivery-receipt facade (§4.7): batches up to
// MaxReceiptsPerPacket fixed-size receipt structs behind a sentinel byte
// into a single TypeAck packet.
type Receipts struct {
	base
	eventsCh chan ReceiptBatch
}

// NewReceipts constructs a Receipts facade and registers it with router for
// packet.TypeAck.
func NewReceipts(m Mesh, groups groupCipher, router *Router, log *slog.Logger, onError ErrorHandler) (*Receipts, error) {
	b, err := newBase(m, groups, log, onError)
	if err != nil {
		return nil, err
	}
	r := &Receipts{base: b, eventsCh: make(chan ReceiptBatch, 64)}
	router.Register(packet.TypeAck, r.handleInbound)
	return r, nil
}

// Events returns the inbound receipt-batch stream.
func (r *Receipts) Events() <-chan ReceiptBatch { return r.eventsCh }

// Send batches receipts (at most MaxReceiptsPerPacket; callers with more
// must split across multiple calls) into one TypeAck packet and unicasts or
// broadcasts it.
func (r *Receipts) Send(receipts []Receipt, to *identity.PeerID) error {
	if len(receipts) == 0 {
		return fmt.Errorf("facade: Send called with no receipts")
	}
	if len(receipts) > MaxReceiptsPerPacket {
		return fmt.Errorf("facade: %d receipts exceeds per-packet max %d", len(receipts), MaxReceiptsPerPacket)
	}

	payload := make([]byte, 0, 1+len(receipts)*receiptEntrySize)
	payload = append(payload, receiptBatchSentinel)
	for _, rcpt := range receipts {
		payload = append(payload, encodeReceipt(rcpt)...)
	}

	payload, err := r.encryptIfGrouped(payload, byte(packet.TypeAck))
	if err != nil {
		return fmt.Errorf("facade: group-encrypt receipt payload: %w", err)
	}
	pkt := &packet.Packet{
		Type:    packet.TypeAck,
		TTL:     packet.MaxTTL,
		Payload: payload,
	}
	if to != nil {
		pkt.DestID = [32]byte(*to)
		return r.mesh.SendPacket(pkt, *to)
	}
	return r.mesh.BroadcastPacket(pkt)
}

func (r *Receipts) handleInbound(pkt *packet.Packet) {
	payload, err := r.decryptIfGrouped(pkt.Payload, byte(packet.TypeAck))
	if err != nil {
		r.onError(fmt.Errorf("facade: group-decrypt receipt payload: %w", err))
		return
	}
	if len(payload) < 1 || payload[0] != receiptBatchSentinel {
		r.onError(fmt.Errorf("facade: ack payload missing receipt batch sentinel"))
		return
	}
	body := payload[1:]
	if len(body)%receiptEntrySize != 0 {
		r.onError(fmt.Errorf("facade: receipt batch length %d is not a multiple of %d", len(body), receiptEntrySize))
		return
	}
	n := len(body) / receiptEntrySize
	if n > MaxReceiptsPerPacket {
		r.onError(fmt.Errorf("facade: receipt batch of %d exceeds max %d", n, MaxReceiptsPerPacket))
		return
	}

	batch := ReceiptBatch{
		From:       identity.PeerID(pkt.SourceID),
		Receipts:   make([]Receipt, 0, n),
		ReceivedAt: time.UnixMilli(pkt.TimestampMs),
	}
	for i := 0; i < n; i++ {
		batch.Receipts = append(batch.Receipts, decodeReceipt(body[i*receiptEntrySize:(i+1)*receiptEntrySize]))
	}

	select {
	case r.eventsCh <- batch:
	default:
		r.onError(fmt.Errorf("facade: dropping receipt batch, subscriber queue full"))
	}
}
