// Package noise hand-rolls the Noise-XX handshake and its resulting
// transport cipher state. Adapted from leebo-zerogo/internal/vl1/noise.go,
// which hand-rolls a simplified IK-like pattern directly over
// golang.org/x/crypto primitives (BLAKE2s mixHash/mixKey, ChaCha20-Poly1305
// AEAD, Curve25519 DH) instead of depending on a generic Noise library.
// This package keeps that same direct-primitive style but generalizes it to
// the full three-message XX pattern with strict SHA-256 HKDF (not BLAKE2s)
// and a monotonic-counter transport cipher with a replay window, per the
// stricter wire-level requirements this system specifies.
package noise

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
	"github.com/offgrid-mesh/meshcore/internal/primitives"
)

// protocolName and prologue identify this wire protocol in the initial hash,
// mirroring the teacher's NoiseProtocolName/NoisePrologue constants.
var (
	protocolName = []byte("Noise_XX_25519_ChaChaPoly_SHA256")
	prologue     = []byte("offgrid-mesh-v1")
)

var (
	ErrHandshakeFailed    = errors.New("noise: handshake failed")
	ErrOutOfOrder         = errors.New("noise: handshake message out of order")
	ErrInvalidStaticKey   = errors.New("noise: decrypted static key is not 32 bytes")
	ErrInvalidSigningKey  = errors.New("noise: remote signing key is not 32 bytes")
	ErrCounterExhausted   = errors.New("noise: transport counter exhausted, session must rekey")
	ErrCiphertextTooShort = errors.New("noise: ciphertext shorter than frame overhead")
	ErrReplay             = errors.New("noise: nonce rejected by replay window")
)

// hkdf2 implements the Noise HKDF function producing two 32-byte outputs via
// HMAC-SHA-256 extract-then-expand with an info-byte counter, per spec:
// "HMAC-SHA-256 for HKDF (extract-then-expand with info-byte counter)".
func hkdf2(chainingKey [32]byte, ikm []byte) (out1, out2 [32]byte) {
	tempKey := hmacSHA256(chainingKey[:], ikm)
	o1 := hmacSHA256(tempKey[:], []byte{0x01})
	o2 := hmacSHA256(tempKey[:], append(append([]byte{}, o1[:]...), 0x02))
	return o1, o2
}

// hkdf3 is hkdf2 extended with a third output, used by MixKeyAndHash.
func hkdf3(chainingKey [32]byte, ikm []byte) (out1, out2, out3 [32]byte) {
	tempKey := hmacSHA256(chainingKey[:], ikm)
	o1 := hmacSHA256(tempKey[:], []byte{0x01})
	o2 := hmacSHA256(tempKey[:], append(append([]byte{}, o1[:]...), 0x02))
	o3 := hmacSHA256(tempKey[:], append(append([]byte{}, o2[:]...), 0x03))
	return o1, o2, o3
}

func hmacSHA256(key, data []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// handshakeCipher is the SymmetricState's internal CipherState used only
// during the handshake exchange; it is distinct from the transport-mode
// CipherState described below, which has its own monotonic-counter and
// replay-window rules.
type handshakeCipher struct {
	key    [32]byte
	hasKey bool
	n      uint64
}

func (c *handshakeCipher) initializeKey(key [32]byte) {
	c.key = key
	c.hasKey = true
	c.n = 0
}

func (c *handshakeCipher) encryptWithAd(suite *crypto.Suite, ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte{}, plaintext...), nil
	}
	var nonce [crypto.AEADNonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], c.n)
	ct, err := suite.AEADSeal(c.key, nonce, ad, plaintext)
	if err != nil {
		return nil, err
	}
	c.n++
	return ct, nil
}

func (c *handshakeCipher) decryptWithAd(suite *crypto.Suite, ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte{}, ciphertext...), nil
	}
	var nonce [crypto.AEADNonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], c.n)
	pt, err := suite.AEADOpen(c.key, nonce, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	c.n++
	return pt, nil
}

// symmetricState tracks the running chaining key and hash across the
// handshake, per Noise's SymmetricState.
type symmetricState struct {
	ck [32]byte
	h  [32]byte
	cs handshakeCipher
}

func newSymmetricState() *symmetricState {
	var h [32]byte
	if len(protocolName) <= 32 {
		copy(h[:], protocolName)
	} else {
		h = sha256.Sum256(protocolName)
	}
	ss := &symmetricState{h: h, ck: h}
	ss.mixHash(prologue)
	return ss
}

func (ss *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(ss.h[:])
	h.Write(data)
	copy(ss.h[:], h.Sum(nil))
}

func (ss *symmetricState) mixKey(ikm []byte) {
	ck, tempK := hkdf2(ss.ck, ikm)
	ss.ck = ck
	ss.cs.initializeKey(tempK)
}

func (ss *symmetricState) mixKeyAndHash(ikm []byte) {
	ck, tempH, tempK := hkdf3(ss.ck, ikm)
	ss.ck = ck
	ss.mixHash(tempH[:])
	ss.cs.initializeKey(tempK)
}

func (ss *symmetricState) encryptAndHash(suite *crypto.Suite, plaintext []byte) ([]byte, error) {
	ct, err := ss.cs.encryptWithAd(suite, ss.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ct)
	return ct, nil
}

func (ss *symmetricState) decryptAndHash(suite *crypto.Suite, ciphertext []byte) ([]byte, error) {
	pt, err := ss.cs.decryptWithAd(suite, ss.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ciphertext)
	return pt, nil
}

// split produces the two transport CipherStates, zeroing ck and h
// afterward per spec ("Symmetric split() zeros chaining key and hash").
func (ss *symmetricState) split() (c1, c2 [32]byte) {
	c1, c2 = hkdf2(ss.ck, nil)
	primitives.Wipe(ss.ck[:])
	primitives.Wipe(ss.h[:])
	return c1, c2
}

// Role distinguishes initiator from responder in the XX pattern.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

type step int

const (
	stepAwaitingMessage1      step = iota // responder: about to read msg1
	stepInitiatorStart                    // initiator: about to write msg1
	stepAwaitingMessage2                  // initiator: wrote msg1, about to read msg2
	stepAwaitingMessage3                  // responder: wrote msg2, about to read msg3
	stepAwaitingWriteMessage3             // initiator: read msg2, about to write msg3
	stepDone
)

// HandshakeState drives one Noise-XX handshake to completion. Every
// decrypted static public key is validated to be exactly 32 bytes; messages
// must be written/read in the pattern's exact order or the call fails.
type HandshakeState struct {
	suite *crypto.Suite
	role  Role
	step  step

	ss *symmetricState

	localStaticPriv [32]byte
	localStaticPub  [32]byte

	localEphemeralPriv [32]byte
	localEphemeralPub  [32]byte

	remoteEphemeralPub [32]byte
	remoteStaticPub    [32]byte

	payload []byte // outbound payload to embed in message2/3; e.g. signing pubkey
}

// NewInitiator starts a handshake as the initiator (sends message 1 first).
// payload is the application payload this side will embed in message 3 (its
// Ed25519 signing public key).
func NewInitiator(suite *crypto.Suite, localStaticPriv, localStaticPub [32]byte, payload []byte) *HandshakeState {
	return &HandshakeState{
		suite:           suite,
		role:            RoleInitiator,
		step:            stepInitiatorStart,
		ss:              newSymmetricState(),
		localStaticPriv: localStaticPriv,
		localStaticPub:  localStaticPub,
		payload:         payload,
	}
}

// NewResponder starts a handshake as the responder (expects message 1
// first). payload is the application payload embedded in message 2.
func NewResponder(suite *crypto.Suite, localStaticPriv, localStaticPub [32]byte, payload []byte) *HandshakeState {
	return &HandshakeState{
		suite:           suite,
		role:            RoleResponder,
		step:            stepAwaitingMessage1,
		ss:              newSymmetricState(),
		localStaticPriv: localStaticPriv,
		localStaticPub:  localStaticPub,
		payload:         payload,
	}
}

// WriteMessage1 produces "-> e" for the initiator. Message1 carries no
// application payload per spec (payload travels in messages 2 and 3).
func (hs *HandshakeState) WriteMessage1() ([]byte, error) {
	if hs.role != RoleInitiator || hs.step != stepInitiatorStart {
		return nil, fmt.Errorf("%w: WriteMessage1 called out of order", ErrOutOfOrder)
	}
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}
	hs.ss.mixHash(hs.localEphemeralPub[:])
	emptyPayload, err := hs.ss.encryptAndHash(hs.suite, nil)
	if err != nil {
		return nil, err
	}
	msg := append([]byte{}, hs.localEphemeralPub[:]...)
	msg = append(msg, emptyPayload...)
	hs.step = stepAwaitingMessage2
	return msg, nil
}

// ReadMessage1 consumes "-> e" on the responder side.
func (hs *HandshakeState) ReadMessage1(msg []byte) error {
	if hs.role != RoleResponder || hs.step != stepAwaitingMessage1 {
		return fmt.Errorf("%w: ReadMessage1 called out of order", ErrOutOfOrder)
	}
	if len(msg) < 32 {
		return fmt.Errorf("%w: message1 too short", ErrHandshakeFailed)
	}
	copy(hs.remoteEphemeralPub[:], msg[:32])
	hs.ss.mixHash(hs.remoteEphemeralPub[:])
	if _, err := hs.ss.decryptAndHash(hs.suite, msg[32:]); err != nil {
		return fmt.Errorf("%w: message1 payload: %v", ErrHandshakeFailed, err)
	}
	hs.step = stepAwaitingMessage3 // after WriteMessage2 the responder awaits message3
	return nil
}

// WriteMessage2 produces "<- e, ee, s, es" with the responder's signing
// public key embedded as the application payload.
func (hs *HandshakeState) WriteMessage2() ([]byte, error) {
	// ReadMessage1 has already moved the step on; a non-zero local ephemeral
	// means message 2 was written before.
	if hs.role != RoleResponder || hs.step != stepAwaitingMessage3 || hs.localEphemeralPub != ([32]byte{}) {
		return nil, fmt.Errorf("%w: WriteMessage2 called out of order", ErrOutOfOrder)
	}
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}
	hs.ss.mixHash(hs.localEphemeralPub[:])

	ee, err := hs.suite.X25519(hs.localEphemeralPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("DH(ee): %w", err)
	}
	hs.ss.mixKey(ee)

	encStatic, err := hs.ss.encryptAndHash(hs.suite, hs.localStaticPub[:])
	if err != nil {
		return nil, err
	}

	es, err := hs.suite.X25519(hs.localStaticPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("DH(es): %w", err)
	}
	hs.ss.mixKey(es)

	encPayload, err := hs.ss.encryptAndHash(hs.suite, hs.payload)
	if err != nil {
		return nil, err
	}

	msg := append([]byte{}, hs.localEphemeralPub[:]...)
	msg = append(msg, encStatic...)
	msg = append(msg, encPayload...)
	return msg, nil
}

// ReadMessage2 consumes "<- e, ee, s, es" on the initiator side, returning
// the responder's embedded signing public key (exactly 32 bytes).
func (hs *HandshakeState) ReadMessage2(msg []byte) (remoteSigningPub []byte, err error) {
	if hs.role != RoleInitiator || hs.step != stepAwaitingMessage2 {
		return nil, fmt.Errorf("%w: ReadMessage2 called out of order", ErrOutOfOrder)
	}
	if len(msg) < 32 {
		return nil, fmt.Errorf("%w: message2 too short", ErrHandshakeFailed)
	}
	copy(hs.remoteEphemeralPub[:], msg[:32])
	hs.ss.mixHash(hs.remoteEphemeralPub[:])
	rest := msg[32:]

	ee, err := hs.suite.X25519(hs.localEphemeralPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("DH(ee): %w", err)
	}
	hs.ss.mixKey(ee)

	if len(rest) < 32+crypto.AEADOverhead {
		return nil, fmt.Errorf("%w: message2 static field too short", ErrHandshakeFailed)
	}
	encStaticLen := 32 + crypto.AEADOverhead
	staticPlain, err := hs.ss.decryptAndHash(hs.suite, rest[:encStaticLen])
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt remote static: %v", ErrHandshakeFailed, err)
	}
	if len(staticPlain) != 32 {
		return nil, ErrInvalidStaticKey
	}
	copy(hs.remoteStaticPub[:], staticPlain)
	rest = rest[encStaticLen:]

	es, err := hs.suite.X25519(hs.localEphemeralPriv, hs.remoteStaticPub)
	if err != nil {
		return nil, fmt.Errorf("DH(es): %w", err)
	}
	hs.ss.mixKey(es)

	payloadPlain, err := hs.ss.decryptAndHash(hs.suite, rest)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt message2 payload: %v", ErrHandshakeFailed, err)
	}
	if len(payloadPlain) != 32 {
		return nil, ErrInvalidSigningKey
	}

	hs.step = stepAwaitingWriteMessage3
	return payloadPlain, nil
}

// WriteMessage3 produces "-> s, se" with the initiator's signing public key
// embedded as the application payload, and completes the handshake.
func (hs *HandshakeState) WriteMessage3() ([]byte, error) {
	if hs.role != RoleInitiator || hs.step != stepAwaitingWriteMessage3 {
		return nil, fmt.Errorf("%w: WriteMessage3 called out of order", ErrOutOfOrder)
	}
	encStatic, err := hs.ss.encryptAndHash(hs.suite, hs.localStaticPub[:])
	if err != nil {
		return nil, err
	}

	se, err := hs.suite.X25519(hs.localStaticPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("DH(se): %w", err)
	}
	hs.ss.mixKey(se)

	encPayload, err := hs.ss.encryptAndHash(hs.suite, hs.payload)
	if err != nil {
		return nil, err
	}

	hs.step = stepDone
	return append(encStatic, encPayload...), nil
}

// ReadMessage3 consumes "-> s, se" on the responder side, completing the
// handshake and returning the initiator's embedded signing public key.
func (hs *HandshakeState) ReadMessage3(msg []byte) (remoteSigningPub []byte, err error) {
	if hs.role != RoleResponder || hs.step != stepAwaitingMessage3 {
		return nil, fmt.Errorf("%w: ReadMessage3 called out of order", ErrOutOfOrder)
	}
	encStaticLen := 32 + crypto.AEADOverhead
	if len(msg) < encStaticLen {
		return nil, fmt.Errorf("%w: message3 static field too short", ErrHandshakeFailed)
	}
	staticPlain, err := hs.ss.decryptAndHash(hs.suite, msg[:encStaticLen])
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt remote static: %v", ErrHandshakeFailed, err)
	}
	if len(staticPlain) != 32 {
		return nil, ErrInvalidStaticKey
	}
	copy(hs.remoteStaticPub[:], staticPlain)
	rest := msg[encStaticLen:]

	se, err := hs.suite.X25519(hs.localStaticPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("DH(se): %w", err)
	}
	hs.ss.mixKey(se)

	payloadPlain, err := hs.ss.decryptAndHash(hs.suite, rest)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt message3 payload: %v", ErrHandshakeFailed, err)
	}
	if len(payloadPlain) != 32 {
		return nil, ErrInvalidSigningKey
	}

	hs.step = stepDone
	return payloadPlain, nil
}

// RemoteStaticPublicKey returns the peer's X25519 static public key learned
// during the handshake. Only valid once the handshake has reached stepDone.
func (hs *HandshakeState) RemoteStaticPublicKey() [32]byte {
	return hs.remoteStaticPub
}

// Split finalizes the handshake, producing the two transport CipherStates
// split by initiator role: c1 is initiator-send/responder-recv, c2 is
// responder-send/initiator-recv.
func (hs *HandshakeState) Split() (sendCipher, recvCipher *CipherState, err error) {
	if hs.step != stepDone {
		return nil, nil, fmt.Errorf("%w: Split called before handshake completion", ErrHandshakeFailed)
	}
	c1, c2 := hs.ss.split()
	if hs.role == RoleInitiator {
		return NewCipherState(c1), NewCipherState(c2), nil
	}
	return NewCipherState(c2), NewCipherState(c1), nil
}

// Dispose zeros every local ephemeral/static private key and every learned
// remote key, on every success or failure path, per spec §4.3.
func (hs *HandshakeState) Dispose() {
	primitives.Wipe(hs.localEphemeralPriv[:])
	primitives.Wipe(hs.localStaticPriv[:])
	primitives.Wipe(hs.remoteEphemeralPub[:])
	primitives.Wipe(hs.remoteStaticPub[:])
	primitives.Wipe(hs.ss.ck[:])
	primitives.Wipe(hs.ss.h[:])
}

func (hs *HandshakeState) generateEphemeral() error {
	priv, pub, err := hs.suite.GenerateX25519Keypair()
	if err != nil {
		return fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	hs.localEphemeralPriv = priv
	hs.localEphemeralPub = pub
	return nil
}

// replayWindowBits is the width of the sliding replay window (1024 bits).
const replayWindowBits = 1024
const replayWindowWords = replayWindowBits / 64

// maxCounter is the first counter value Encrypt refuses; once it is reached
// a fresh handshake is required, per spec: "Encrypt checks counter < 0xFFFF_FFFF".
const maxCounter = 0xFFFFFFFF

// CipherState is a post-handshake transport cipher: ChaCha20-Poly1305 keyed
// by a Split() output, with a monotonic 8-byte big-endian counter nonce on
// send and a 1024-bit sliding replay window on receive.
type CipherState struct {
	key [32]byte

	sendMu      sync.Mutex
	sendCounter uint64

	recvMu    sync.Mutex
	highest   uint64
	haveAny   bool
	window    [replayWindowWords]uint64
}

// NewCipherState constructs a transport CipherState from a Split() key.
func NewCipherState(key [32]byte) *CipherState {
	return &CipherState{key: key}
}

func counterNonce(counter uint64) [crypto.AEADNonceSize]byte {
	var nonce [crypto.AEADNonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Encrypt seals plaintext under the next counter value and returns a wire
// frame: 4-byte big-endian low word of the nonce, followed by ciphertext.
// The counter is only incremented after a successful seal.
func (cs *CipherState) Encrypt(suite *crypto.Suite, plaintext []byte) ([]byte, error) {
	cs.sendMu.Lock()
	defer cs.sendMu.Unlock()

	if cs.sendCounter >= maxCounter {
		return nil, ErrCounterExhausted
	}
	nonce := counterNonce(cs.sendCounter)
	ct, err := suite.AEADSeal(cs.key, nonce, nil, plaintext)
	if err != nil {
		return nil, err
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(cs.sendCounter))
	cs.sendCounter++

	out := make([]byte, 0, 4+len(ct))
	out = append(out, frame[:]...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens a wire frame produced by Encrypt, enforcing the sliding
// replay window. Decryption failure returns an error and never advances any
// counter state.
func (cs *CipherState) Decrypt(suite *crypto.Suite, frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, ErrCiphertextTooShort
	}
	counter := uint64(binary.BigEndian.Uint32(frame[:4]))
	ciphertext := frame[4:]

	cs.recvMu.Lock()
	if cs.haveAny && counter <= cs.highest {
		age := cs.highest - counter
		if age >= replayWindowBits {
			cs.recvMu.Unlock()
			return nil, ErrReplay
		}
		if cs.windowHasSeen(age) {
			cs.recvMu.Unlock()
			return nil, ErrReplay
		}
	}
	cs.recvMu.Unlock()

	nonce := counterNonce(counter)
	pt, err := suite.AEADOpen(cs.key, nonce, nil, ciphertext)
	if err != nil {
		return nil, err
	}

	cs.recvMu.Lock()
	cs.acceptCounter(counter)
	cs.recvMu.Unlock()
	return pt, nil
}

// windowHasSeen reports whether the bit `age` slots behind highest is set.
// Must be called with recvMu held.
func (cs *CipherState) windowHasSeen(age uint64) bool {
	word := age / 64
	bit := age % 64
	return cs.window[word]&(1<<bit) != 0
}

// acceptCounter records counter as seen, sliding the window forward if it
// is a new high-water mark. Must be called with recvMu held.
func (cs *CipherState) acceptCounter(counter uint64) {
	if !cs.haveAny {
		cs.highest = counter
		cs.haveAny = true
		cs.window[0] = 1
		return
	}
	switch {
	case counter > cs.highest:
		shift := counter - cs.highest
		cs.shiftWindow(shift)
		cs.highest = counter
		cs.window[0] |= 1
	case counter == cs.highest:
		cs.window[0] |= 1
	default:
		age := cs.highest - counter
		word := age / 64
		bit := age % 64
		cs.window[word] |= 1 << bit
	}
}

func (cs *CipherState) shiftWindow(shift uint64) {
	if shift >= replayWindowBits {
		for i := range cs.window {
			cs.window[i] = 0
		}
		return
	}
	wordShift := shift / 64
	bitShift := shift % 64
	if wordShift > 0 {
		for i := replayWindowWords - 1; i >= int(wordShift); i-- {
			cs.window[i] = cs.window[i-int(wordShift)]
		}
		for i := 0; i < int(wordShift); i++ {
			cs.window[i] = 0
		}
	}
	if bitShift > 0 {
		var carry uint64
		for i := replayWindowWords - 1; i >= 0; i-- {
			newCarry := cs.window[i] >> (64 - bitShift)
			cs.window[i] = (cs.window[i] << bitShift) | carry
			carry = newCarry
		}
	}
}

// Clear zeros the cipher key, per spec: "Both CipherStates zero their key
// material on clear()".
func (cs *CipherState) Clear() {
	primitives.Wipe(cs.key[:])
}
