// Package connector runs the key-exchange handshake with the keepassxc-
// proxy helper process, seals and opens every message, and tracks the set
// of nonces a reply is permitted to carry. It is the security-sensitive
// core the client state machine drives: every inbound frame passes through
// the version gate, success gate, and nonce check here before the client
// ever sees it.
//
// Open question resolved: the daemon is assumed to never send errorCode:0
// on an otherwise successful reply; if it did, hasFailureSignal already
// treats that as success, so no behavior change would be needed.
//
// Open question resolved: a second change-public-keys frame received after
// the connector has already recorded a server public key is treated as a
// protocol violation and reported as a fatal AlreadyConnected error, per
// the recommended boundary behavior.
package connector

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coinstash/kpxc-go/internal/cryptoprovider"
	"github.com/coinstash/kpxc-go/internal/kpxcerr"
	"github.com/coinstash/kpxc-go/internal/logging"
	"github.com/coinstash/kpxc-go/internal/metrics"
	"github.com/coinstash/kpxc-go/internal/secretbuf"
)

// FrameIO is the minimal transport contract the connector needs: read and
// write one frame payload at a time. transport.Process satisfies this.
type FrameIO interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
}

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventLocked
	EventUnlocked
	EventMessageReceived
	EventActionError
	EventFatalError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventLocked:
		return "locked"
	case EventUnlocked:
		return "unlocked"
	case EventMessageReceived:
		return "messageReceived"
	case EventActionError:
		return "actionError"
	case EventFatalError:
		return "fatalError"
	default:
		return "unknown"
	}
}

// Event is what the connector hands the client after processing one
// inbound frame.
type Event struct {
	Kind    EventKind
	Action  string
	Message json.RawMessage
	Err     *kpxcerr.Error
}

// Connector owns the crypto state for one connection lifetime: the
// ephemeral keypair, the server's public key once learned, and the set of
// nonces a reply is currently allowed to use.
type Connector struct {
	io     FrameIO
	crypto cryptoprovider.Provider
	log    *slog.Logger

	metrics *metrics.Metrics

	mu            sync.Mutex
	ownKeys       cryptoprovider.KeyPair
	serverPublic  *secretbuf.Buffer
	haveServerKey bool
	allowedNonces map[string]struct{}
}

// SetMetrics attaches a Metrics sink. Optional; a nil Metrics (the default)
// makes every recording call a no-op.
func (c *Connector) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// New constructs a Connector over io, generating a fresh ephemeral keypair.
func New(io FrameIO, crypto cryptoprovider.Provider, log *slog.Logger) (*Connector, error) {
	if log == nil {
		log = logging.NopLogger()
	}
	keys, err := crypto.CreateKeys()
	if err != nil {
		return nil, fmt.Errorf("connector: create keys: %w", err)
	}
	return &Connector{
		io:            io,
		crypto:        crypto,
		log:           log,
		ownKeys:       keys,
		allowedNonces: make(map[string]struct{}),
	}, nil
}

// OwnPublicBase64 returns this connection's ephemeral public key, base64
// encoded. Used by the associate request, which carries the client's own
// key alongside the freshly generated identity key.
func (c *Connector) OwnPublicBase64() (string, error) {
	c.mu.Lock()
	pub := c.ownKeys.Public
	c.mu.Unlock()
	return pub.Base64()
}

// SendHandshake emits the unencrypted change-public-keys request. Its
// reply nonce is exempt from the allowed_nonces check: the first reply
// establishes the key under which future nonces are validated.
func (c *Connector) SendHandshake(clientID *secretbuf.Buffer) error {
	nonce, err := c.crypto.GenerateRandomNonce(secretbuf.Readable)
	if err != nil {
		return fmt.Errorf("connector: handshake nonce: %w", err)
	}
	defer nonce.Destroy()

	pubB64, err := c.ownKeys.Public.Base64()
	if err != nil {
		return err
	}
	nonceB64, err := nonce.Base64()
	if err != nil {
		return err
	}
	clientIDB64, err := clientID.Base64()
	if err != nil {
		return err
	}

	env := outboundEnvelope{
		Action:    "change-public-keys",
		PublicKey: pubB64,
		Nonce:     nonceB64,
		ClientID:  clientIDB64,
	}
	if err := c.writeEnvelope(env); err != nil {
		return err
	}
	c.metrics.RecordFrameSent(env.Action, 0)
	return nil
}

// SendAction encrypts payload under the server's public key and emits the
// full outbound envelope for an authenticated action, recording the
// expected reply nonce.
func (c *Connector) SendAction(action string, payload map[string]any, clientID *secretbuf.Buffer, triggerUnlock bool) error {
	c.mu.Lock()
	serverPublic := c.serverPublic
	haveServerKey := c.haveServerKey
	ownKeys := c.ownKeys
	c.mu.Unlock()

	if !haveServerKey {
		return fmt.Errorf("connector: no server public key yet")
	}

	inner := map[string]any{"action": action}
	for k, v := range payload {
		inner[k] = v
	}
	plain, err := json.Marshal(inner)
	if err != nil {
		return fmt.Errorf("connector: marshal request: %w", err)
	}

	nonce, err := c.crypto.GenerateRandomNonce(secretbuf.Readable)
	if err != nil {
		return fmt.Errorf("connector: request nonce: %w", err)
	}
	defer nonce.Destroy()

	cipher, err := c.crypto.Encrypt(ownKeys, plain, serverPublic, nonce)
	if err != nil {
		return fmt.Errorf("connector: encrypt: %w", err)
	}

	nonceB64, err := nonce.Base64()
	if err != nil {
		return err
	}
	clientIDB64, err := clientID.Base64()
	if err != nil {
		return err
	}

	triggerUnlockStr := "false"
	if triggerUnlock {
		triggerUnlockStr = "true"
	}

	env := outboundEnvelope{
		Action:        action,
		Message:       base64.StdEncoding.EncodeToString(cipher),
		Nonce:         nonceB64,
		ClientID:      clientIDB64,
		TriggerUnlock: triggerUnlockStr,
	}
	if err := c.writeEnvelope(env); err != nil {
		return err
	}
	c.metrics.RecordFrameSent(action, len(plain))

	replyNonce, err := nonce.Clone()
	if err != nil {
		return err
	}
	if err := replyNonce.Increment(); err != nil {
		replyNonce.Destroy()
		return err
	}
	key, err := nonceKey(replyNonce)
	replyNonce.Destroy()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.allowedNonces[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Connector) writeEnvelope(env outboundEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("connector: marshal envelope: %w", err)
	}
	return c.io.WriteFrame(payload)
}

// ReadEvent blocks for the next inbound frame and returns the Event it
// produces. A transport-level read error is returned directly so the
// caller can distinguish "clean disconnect" from "protocol event".
func (c *Connector) ReadEvent() (Event, error) {
	payload, err := c.io.ReadFrame()
	if err != nil {
		return Event{}, err
	}
	return c.handleFrame(payload), nil
}

func (c *Connector) handleFrame(payload []byte) Event {
	env, err := parseInboundEnvelope(payload)
	if err != nil {
		return Event{Kind: EventFatalError, Err: kpxcerr.New(kpxcerr.JsonParseError, env.Action, err.Error())}
	}
	c.metrics.RecordFrameReceived(env.Action, len(payload))

	if env.Version != "" && !versionAtLeast(env.Version, MinSupportedVersion) {
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.UnsupportedVersion, env.Action, fmt.Sprintf("daemon version %s below minimum %s", env.Version, MinSupportedVersion))}
	}

	switch env.Action {
	case "change-public-keys":
		return c.handleChangePublicKeys(env)
	case "database-locked":
		return Event{Kind: EventLocked}
	case "database-unlocked":
		return Event{Kind: EventUnlocked}
	}

	if env.hasFailureSignal() {
		code := wireErrorCode(env)
		return Event{Kind: EventActionError, Action: env.Action, Err: kpxcerr.New(code, env.Action, env.Message)}
	}

	return c.handleEncryptedReply(env)
}

func (c *Connector) handleChangePublicKeys(env inboundEnvelope) Event {
	c.mu.Lock()
	alreadyConnected := c.haveServerKey
	c.mu.Unlock()

	if alreadyConnected {
		c.metrics.RecordHandshakeError(kpxcerr.AlreadyConnected.String())
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.Unrecoverablef(kpxcerr.AlreadyConnected, env.Action, "received change-public-keys after handshake completed")}
	}

	if env.hasFailureSignal() {
		c.metrics.RecordHandshakeError(kpxcerr.KeyChangeFailed.String())
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.KeyChangeFailed, env.Action, env.Message)}
	}

	serverPublic, err := secretbuf.DecodeBase64(env.PublicKey, secretbuf.Readable)
	if err != nil {
		c.metrics.RecordHandshakeError(kpxcerr.PublicKeyNotReceived.String())
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.PublicKeyNotReceived, env.Action, err.Error())}
	}

	c.mu.Lock()
	c.serverPublic = serverPublic
	c.haveServerKey = true
	c.mu.Unlock()

	c.metrics.RecordHandshake()
	return Event{Kind: EventConnected}
}

func (c *Connector) handleEncryptedReply(env inboundEnvelope) Event {
	c.mu.Lock()
	serverPublic := c.serverPublic
	haveServerKey := c.haveServerKey
	ownKeys := c.ownKeys
	c.mu.Unlock()

	if !haveServerKey {
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.PublicKeyNotReceived, env.Action, "encrypted reply before handshake completed")}
	}

	nonce, err := secretbuf.DecodeBase64(env.Nonce, secretbuf.Readable)
	if err != nil {
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.ReceivedNonceInvalid, env.Action, err.Error())}
	}
	defer nonce.Destroy()

	key, err := nonceKey(nonce)
	if err != nil {
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.ReceivedNonceInvalid, env.Action, err.Error())}
	}

	c.mu.Lock()
	_, ok := c.allowedNonces[key]
	if ok {
		delete(c.allowedNonces, key)
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.RecordNonceReject()
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.ReceivedNonceInvalid, env.Action, "nonce not in allowed set")}
	}

	cipherBytes, err := base64.StdEncoding.DecodeString(env.Message)
	if err != nil {
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.JsonParseError, env.Action, err.Error())}
	}

	plain, err := c.crypto.Decrypt(ownKeys, cipherBytes, serverPublic, nonce)
	if err != nil {
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.CannotDecryptMessage, env.Action, err.Error())}
	}

	innerEnv, err := parseInboundEnvelope(plain)
	if err != nil {
		return Event{Kind: EventFatalError, Action: env.Action,
			Err: kpxcerr.New(kpxcerr.JsonParseError, env.Action, err.Error())}
	}
	if innerEnv.hasFailureSignal() {
		code := wireErrorCode(innerEnv)
		return Event{Kind: EventActionError, Action: env.Action, Err: kpxcerr.New(code, env.Action, innerEnv.Message)}
	}

	return Event{Kind: EventMessageReceived, Action: env.Action, Message: plain}
}

// DropKeys zeroizes this connector's keypair and server public key, and
// discards the set of outstanding reply nonces. Called on disconnect. The
// nonce set is keyed by Go strings, which are released with the old map
// and are not overwritten.
func (c *Connector) DropKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crypto.DropKeys(&c.ownKeys)
	if c.serverPublic != nil {
		c.serverPublic.Destroy()
		c.serverPublic = nil
	}
	c.haveServerKey = false
	c.allowedNonces = make(map[string]struct{})
}

func nonceKey(n *secretbuf.Buffer) (string, error) {
	raw, err := n.Bytes()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func wireErrorCode(env inboundEnvelope) kpxcerr.Code {
	if env.ErrorCode == "" {
		return kpxcerr.UnknownError
	}
	n, err := env.ErrorCode.Int64()
	if err != nil {
		return kpxcerr.UnknownError
	}
	return kpxcerr.Code(n)
}
