package connector

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/coinstash/kpxc-go/internal/cryptoprovider"
	"github.com/coinstash/kpxc-go/internal/secretbuf"
)

// fakeIO is an in-memory FrameIO: outbound frames land in sent, inbound
// frames are served from queued in order.
type fakeIO struct {
	sent  [][]byte
	queue [][]byte
}

func (f *fakeIO) WriteFrame(payload []byte) error {
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeIO) ReadFrame() ([]byte, error) {
	if len(f.queue) == 0 {
		return nil, errNoMoreFrames
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next, nil
}

func (f *fakeIO) push(payload []byte) {
	f.queue = append(f.queue, payload)
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNoMoreFrames = sentinelErr("connector test: no more frames queued")

func TestHandshakeEstablishesServerKey(t *testing.T) {
	io := &fakeIO{}
	crypto := cryptoprovider.New()
	conn, err := New(io, crypto, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clientID, _ := secretbuf.FromBytes([]byte("client-id"))
	if err := conn.SendHandshake(clientID); err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	if len(io.sent) != 1 {
		t.Fatalf("expected one outbound frame, got %d", len(io.sent))
	}

	serverKeys, err := crypto.CreateKeys()
	if err != nil {
		t.Fatalf("CreateKeys: %v", err)
	}
	serverPubB64, _ := serverKeys.Public.Base64()

	reply := map[string]any{
		"action":    "change-public-keys",
		"publicKey": serverPubB64,
		"success":   true,
		"version":   "2.7.4",
	}
	payload, _ := json.Marshal(reply)
	io.push(payload)

	event, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if event.Kind != EventConnected {
		t.Fatalf("expected EventConnected, got %s (err=%v)", event.Kind, event.Err)
	}
}

func TestSecondChangePublicKeysIsFatal(t *testing.T) {
	io := &fakeIO{}
	crypto := cryptoprovider.New()
	conn, err := New(io, crypto, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	serverKeys, _ := crypto.CreateKeys()
	serverPubB64, _ := serverKeys.Public.Base64()
	firstReply, _ := json.Marshal(map[string]any{
		"action":    "change-public-keys",
		"publicKey": serverPubB64,
	})
	io.push(firstReply)
	event, err := conn.ReadEvent()
	if err != nil || event.Kind != EventConnected {
		t.Fatalf("expected first handshake to connect, got %+v err=%v", event, err)
	}

	secondReply, _ := json.Marshal(map[string]any{
		"action":    "change-public-keys",
		"publicKey": serverPubB64,
	})
	io.push(secondReply)
	event, err = conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if event.Kind != EventFatalError {
		t.Fatalf("expected EventFatalError for duplicate handshake, got %s", event.Kind)
	}
	if !event.Err.Unrecoverable {
		t.Fatal("expected duplicate handshake error to be unrecoverable")
	}
}

func TestEncryptedRoundTripAndNonceReplayIsFatal(t *testing.T) {
	io := &fakeIO{}
	crypto := cryptoprovider.New()
	conn, err := New(io, crypto, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	serverKeys, _ := crypto.CreateKeys()
	serverPubB64, _ := serverKeys.Public.Base64()
	handshakeReply, _ := json.Marshal(map[string]any{
		"action":    "change-public-keys",
		"publicKey": serverPubB64,
	})
	io.push(handshakeReply)
	if _, err := conn.ReadEvent(); err != nil {
		t.Fatalf("handshake ReadEvent: %v", err)
	}

	clientID, _ := secretbuf.FromBytes([]byte("client-id"))
	if err := conn.SendAction("get-databasehash", nil, clientID, false); err != nil {
		t.Fatalf("SendAction: %v", err)
	}

	// Recover the nonce the connector used so we can build a matching
	// encrypted reply, the way the real daemon would.
	var sentEnv outboundEnvelope
	if err := json.Unmarshal(io.sent[len(io.sent)-1], &sentEnv); err != nil {
		t.Fatalf("unmarshal sent envelope: %v", err)
	}
	requestNonce, err := secretbuf.DecodeBase64(sentEnv.Nonce, secretbuf.Readable)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	replyNonce, _ := requestNonce.Clone()
	if err := replyNonce.Increment(); err != nil {
		t.Fatalf("increment: %v", err)
	}

	innerPlain, _ := json.Marshal(map[string]any{"action": "get-databasehash", "hash": "abc123"})
	cipher, err := crypto.Encrypt(serverKeys, innerPlain, conn.ownKeys.Public, replyNonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	replyNonceB64, _ := replyNonce.Base64()
	encryptedReply, _ := json.Marshal(map[string]any{
		"action":  "get-databasehash",
		"message": base64.StdEncoding.EncodeToString(cipher),
		"nonce":   replyNonceB64,
	})

	io.push(encryptedReply)
	event, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if event.Kind != EventMessageReceived {
		t.Fatalf("expected EventMessageReceived, got %s (err=%v)", event.Kind, event.Err)
	}

	// Replaying the identical reply frame must be fatal: its nonce has
	// already been removed from the allowed set.
	io.push(encryptedReply)
	event, err = conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent (replay): %v", err)
	}
	if event.Kind != EventFatalError {
		t.Fatalf("expected EventFatalError on replay, got %s", event.Kind)
	}
}

func TestUnsupportedVersionIsFatal(t *testing.T) {
	io := &fakeIO{}
	crypto := cryptoprovider.New()
	conn, err := New(io, crypto, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	serverKeys, _ := crypto.CreateKeys()
	serverPubB64, _ := serverKeys.Public.Base64()
	reply, _ := json.Marshal(map[string]any{
		"action":    "change-public-keys",
		"publicKey": serverPubB64,
		"version":   "2.2.0",
	})
	io.push(reply)

	event, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if event.Kind != EventFatalError || event.Err.Code != 0x00010004 {
		t.Fatalf("expected UnsupportedVersion fatal error, got %+v", event)
	}
}

func TestLockedAndUnlockedPushNotifications(t *testing.T) {
	io := &fakeIO{}
	crypto := cryptoprovider.New()
	conn, err := New(io, crypto, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	locked, _ := json.Marshal(map[string]any{"action": "database-locked"})
	io.push(locked)
	event, err := conn.ReadEvent()
	if err != nil || event.Kind != EventLocked {
		t.Fatalf("expected EventLocked, got %+v err=%v", event, err)
	}

	unlocked, _ := json.Marshal(map[string]any{"action": "database-unlocked"})
	io.push(unlocked)
	event, err = conn.ReadEvent()
	if err != nil || event.Kind != EventUnlocked {
		t.Fatalf("expected EventUnlocked, got %+v err=%v", event, err)
	}
}
