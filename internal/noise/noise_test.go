package noise

import (
	"bytes"
	"testing"

	"github.com/offgrid-mesh/meshcore/internal/crypto"
)

func genStatic(t *testing.T, suite *crypto.Suite) (priv, pub [32]byte) {
	t.Helper()
	priv, pub, err := suite.GenerateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	return priv, pub
}

func runHandshake(t *testing.T, suite *crypto.Suite) (initSend, initRecv, respSend, respRecv *CipherState, iSigningPayload, rSigningPayload []byte) {
	t.Helper()
	iPriv, iPub := genStatic(t, suite)
	rPriv, rPub := genStatic(t, suite)

	iSigningPayload = bytes.Repeat([]byte{0xAA}, 32)
	rSigningPayload = bytes.Repeat([]byte{0xBB}, 32)

	initiator := NewInitiator(suite, iPriv, iPub, iSigningPayload)
	responder := NewResponder(suite, rPriv, rPub, rSigningPayload)

	msg1, err := initiator.WriteMessage1()
	if err != nil {
		t.Fatal(err)
	}
	if err := responder.ReadMessage1(msg1); err != nil {
		t.Fatal(err)
	}

	msg2, err := responder.WriteMessage2()
	if err != nil {
		t.Fatal(err)
	}
	gotRespSigning, err := initiator.ReadMessage2(msg2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotRespSigning, rSigningPayload) {
		t.Fatal("initiator did not recover responder's embedded signing key")
	}

	msg3, err := initiator.WriteMessage3()
	if err != nil {
		t.Fatal(err)
	}
	gotInitSigning, err := responder.ReadMessage3(msg3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotInitSigning, iSigningPayload) {
		t.Fatal("responder did not recover initiator's embedded signing key")
	}

	if initiator.RemoteStaticPublicKey() != rPub {
		t.Fatal("initiator did not learn responder's static public key")
	}
	if responder.RemoteStaticPublicKey() != iPub {
		t.Fatal("responder did not learn initiator's static public key")
	}

	iSend, iRecv, err := initiator.Split()
	if err != nil {
		t.Fatal(err)
	}
	rSend, rRecv, err := responder.Split()
	if err != nil {
		t.Fatal(err)
	}
	return iSend, iRecv, rSend, rRecv, iSigningPayload, rSigningPayload
}

func TestHandshakeCompletesAndDerivesMatchingTransportKeys(t *testing.T) {
	suite := crypto.New()
	iSend, iRecv, rSend, rRecv, _, _ := runHandshake(t, suite)

	if iSend.key != rRecv.key {
		t.Fatal("initiator send key must equal responder recv key")
	}
	if rSend.key != iRecv.key {
		t.Fatal("responder send key must equal initiator recv key")
	}
}

func TestTransportCipherRoundTrip(t *testing.T) {
	suite := crypto.New()
	iSend, iRecv, rSend, rRecv, _, _ := runHandshake(t, suite)

	frame, err := iSend.Encrypt(suite, []byte("hello responder"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := rRecv.Decrypt(suite, frame)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello responder" {
		t.Fatalf("got %q", pt)
	}

	frame2, err := rSend.Encrypt(suite, []byte("hello initiator"))
	if err != nil {
		t.Fatal(err)
	}
	pt2, err := iRecv.Decrypt(suite, frame2)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt2) != "hello initiator" {
		t.Fatalf("got %q", pt2)
	}
}

func TestTransportCipherRejectsReplay(t *testing.T) {
	suite := crypto.New()
	iSend, _, _, rRecv, _, _ := runHandshake(t, suite)

	frame, err := iSend.Encrypt(suite, []byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rRecv.Decrypt(suite, frame); err != nil {
		t.Fatal(err)
	}
	if _, err := rRecv.Decrypt(suite, frame); err != ErrReplay {
		t.Fatalf("expected ErrReplay on second delivery, got %v", err)
	}
}

func TestTransportCipherAcceptsOutOfOrderWithinWindow(t *testing.T) {
	suite := crypto.New()
	iSend, _, _, rRecv, _, _ := runHandshake(t, suite)

	var frames [][]byte
	for i := 0; i < 5; i++ {
		f, err := iSend.Encrypt(suite, []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, f)
	}

	// Deliver out of order: 4, 0, 1, 2, 3
	order := []int{4, 0, 1, 2, 3}
	for _, idx := range order {
		pt, err := rRecv.Decrypt(suite, frames[idx])
		if err != nil {
			t.Fatalf("frame %d: %v", idx, err)
		}
		if pt[0] != byte(idx) {
			t.Fatalf("frame %d: got payload %v", idx, pt)
		}
	}

	// Now replaying any of them must fail.
	if _, err := rRecv.Decrypt(suite, frames[2]); err != ErrReplay {
		t.Fatalf("expected ErrReplay for reused frame, got %v", err)
	}
}

func TestTransportCipherRejectsTamperedCiphertext(t *testing.T) {
	suite := crypto.New()
	iSend, _, _, rRecv, _, _ := runHandshake(t, suite)

	frame, err := iSend.Encrypt(suite, []byte("integrity"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte{}, frame...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := rRecv.Decrypt(suite, tampered); err == nil {
		t.Fatal("expected decryption failure on tampered ciphertext")
	}
}

func TestHandshakeRejectsOutOfOrderMessages(t *testing.T) {
	suite := crypto.New()
	iPriv, iPub := genStatic(t, suite)
	rPriv, rPub := genStatic(t, suite)

	initiator := NewInitiator(suite, iPriv, iPub, bytes.Repeat([]byte{0x01}, 32))
	responder := NewResponder(suite, rPriv, rPub, bytes.Repeat([]byte{0x02}, 32))

	// Responder cannot write message 2 before reading message 1.
	if _, err := responder.WriteMessage2(); err == nil {
		t.Fatal("expected error writing message2 before message1 is read")
	}

	msg1, err := initiator.WriteMessage1()
	if err != nil {
		t.Fatal(err)
	}
	// Initiator cannot call WriteMessage1 twice.
	if _, err := initiator.WriteMessage1(); err == nil {
		t.Fatal("expected error calling WriteMessage1 twice")
	}
	if err := responder.ReadMessage1(msg1); err != nil {
		t.Fatal(err)
	}
}
