// Package client composes connector events into the user-visible
// lifecycle: Disconnected -> Connecting -> Locked -> Unlocked. It sequences
// the open-database procedure, enforces Options and per-state request
// validity, and surfaces a single typed event stream.
//
// Single in-flight request. The connector's allowed_nonces is a set that
// could track several outstanding encrypted requests at once, but this
// state machine only ever has one high-level operation in flight: a
// second request issued before the first's reply arrives is rejected with
// ActionDenied rather than queued or pipelined. Real callers drive this
// client from its event stream, so this keeps the sequencing in one place
// instead of threading a correlation id through every operation.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coinstash/kpxc-go/internal/connector"
	"github.com/coinstash/kpxc-go/internal/cryptoprovider"
	"github.com/coinstash/kpxc-go/internal/kpxcerr"
	"github.com/coinstash/kpxc-go/internal/logging"
	"github.com/coinstash/kpxc-go/internal/metrics"
	"github.com/coinstash/kpxc-go/internal/registry"
	"github.com/coinstash/kpxc-go/internal/secretbuf"
	"github.com/coinstash/kpxc-go/internal/transport"
)

// AllowDatabaseFunc is the injected policy hook replacing the source's
// allowDatabase subclass override. A nil hook allows every database.
type AllowDatabaseFunc func(hash [32]byte) bool

// Config configures a Client.
type Config struct {
	ProcessConfig transport.Config
	Registry      registry.Registry
	Crypto        cryptoprovider.Provider
	Options       Options
	AllowDatabase AllowDatabaseFunc
	Logger        *slog.Logger
	// Metrics is an optional Prometheus sink. Nil (the default) disables
	// instrumentation entirely.
	Metrics *metrics.Metrics

	// newTransport starts the connection's frame transport. Production
	// code always uses the default, which spawns the real helper
	// subprocess; tests inject a fake to drive the state machine without
	// a real keepassxc-proxy binary.
	newTransport newTransportFunc
}

// TransportHandle is the frame transport contract Connect needs: reading
// and writing frames per connector.FrameIO, plus running the disconnect
// escalation ladder.
type TransportHandle interface {
	connector.FrameIO
	Disconnect(ctx context.Context, startPhase transport.EscalationPhase)
}

type newTransportFunc func(ctx context.Context, cfg transport.Config) (TransportHandle, error)

func defaultNewTransport(ctx context.Context, cfg transport.Config) (TransportHandle, error) {
	return transport.Start(ctx, cfg)
}

// DefaultConfig returns a Config with the default transport, crypto
// provider, and permissive Options, backed by reg.
func DefaultConfig(reg registry.Registry) Config {
	return Config{
		ProcessConfig: transport.DefaultConfig(),
		Registry:      reg,
		Crypto:        cryptoprovider.New(),
		Options:       DefaultOptions(),
		Logger:        logging.NopLogger(),
	}
}

type pendingOp struct {
	action    string
	onMessage func(payload []byte)
	onError   func(*kpxcerr.Error)
}

// Client is the public entry point: one instance manages one helper
// process connection across its full connect/associate/use/disconnect
// lifecycle.
type Client struct {
	cfg Config

	mu          sync.Mutex
	state       State
	haveHash    bool
	currentHash [32]byte
	pending     *pendingOp

	proc         TransportHandle
	conn         *connector.Connector
	connClientID *secretbuf.Buffer

	pendingAssocKey *secretbuf.Buffer

	events      chan Event
	actions     chan func()
	frameEvents chan frameResult
	runDone     chan struct{}
}

type frameResult struct {
	event connector.Event
	err   error
}

// New constructs a Client in the Disconnected state. Call Connect to begin
// a connection.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Crypto == nil {
		cfg.Crypto = cryptoprovider.New()
	}
	if cfg.newTransport == nil {
		cfg.newTransport = defaultNewTransport
	}
	return &Client{
		cfg:         cfg,
		state:       Disconnected,
		events:      make(chan Event, 32),
		actions:     make(chan func(), 8),
		frameEvents: make(chan frameResult, 8),
	}
}

// Events returns the event stream. Callers should drain it continuously;
// it is never closed by the client itself.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect spawns the helper process, performs the unencrypted handshake,
// and starts the client's event loop. It returns once the handshake
// request has been sent, not once it completes; observe EventConnected on
// the event stream for that.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return kpxcerr.New(kpxcerr.AlreadyConnected, "connect", "client is not disconnected")
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emit(Event{Kind: EventStateChanged, State: Connecting})

	proc, err := c.cfg.newTransport(ctx, c.cfg.ProcessConfig)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("client: start transport: %w", err)
	}
	if withMetrics, ok := proc.(interface{ SetMetrics(*metrics.Metrics) }); ok {
		withMetrics.SetMetrics(c.cfg.Metrics)
	}

	conn, err := connector.New(proc, c.cfg.Crypto, c.cfg.Logger)
	if err != nil {
		proc.Disconnect(ctx, transport.PhaseEOF)
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("client: new connector: %w", err)
	}
	conn.SetMetrics(c.cfg.Metrics)

	connClientID, err := newIdentityKey()
	if err != nil {
		proc.Disconnect(ctx, transport.PhaseEOF)
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("client: connection id: %w", err)
	}

	c.mu.Lock()
	c.proc = proc
	c.conn = conn
	c.connClientID = connClientID
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	go c.frameReaderLoop(conn)
	go c.run(ctx)

	if err := conn.SendHandshake(connClientID); err != nil {
		return fmt.Errorf("client: send handshake: %w", err)
	}
	return nil
}

// Disconnect tears the connection down: optionally closes the database
// first (if DisconnectOnClose and currently Unlocked), then runs the
// transport's disconnect escalation. Always honored, even with requests
// in flight.
func (c *Client) Disconnect() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == Disconnected {
		return
	}

	c.actions <- func() {
		ctx := context.Background()
		if c.cfg.Options.DisconnectOnClose && c.State() == Unlocked {
			_ = c.conn.SendAction("close-database", nil, c.connClientID, false)
		}
		startPhase := transport.PhaseConnected
		if c.State() == Connecting {
			startPhase = transport.PhaseEOF
		}
		c.teardown(ctx, startPhase)
	}
}

func (c *Client) frameReaderLoop(conn *connector.Connector) {
	for {
		event, err := conn.ReadEvent()
		c.frameEvents <- frameResult{event: event, err: err}
		if err != nil {
			return
		}
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.runDone)
	for {
		select {
		case action := <-c.actions:
			action()
			if c.State() == Disconnected {
				return
			}
		case res := <-c.frameEvents:
			if res.err != nil {
				c.teardown(ctx, transport.PhaseConnected)
				return
			}
			c.handleConnectorEvent(ctx, res.event)
			if c.State() == Disconnected {
				return
			}
		case <-ctx.Done():
			c.teardown(ctx, transport.PhaseConnected)
			return
		}
	}
}

func (c *Client) handleConnectorEvent(ctx context.Context, event connector.Event) {
	switch event.Kind {
	case connector.EventConnected:
		c.mu.Lock()
		c.state = Locked
		c.mu.Unlock()
		c.emit(Event{Kind: EventConnected})
		c.emit(Event{Kind: EventStateChanged, State: Locked})
		if c.cfg.Options.OpenOnConnect {
			c.beginOpenDatabase()
		}

	case connector.EventLocked:
		c.mu.Lock()
		wasUnlocked := c.state == Unlocked
		c.state = Locked
		c.mu.Unlock()
		if wasUnlocked {
			c.emit(Event{Kind: EventStateChanged, State: Locked})
		}

	case connector.EventUnlocked:
		if c.State() == Locked {
			c.beginOpenDatabase()
		}

	case connector.EventMessageReceived:
		c.dispatchPending(event.Action, event.Message, nil)

	case connector.EventActionError:
		c.dispatchPending(event.Action, nil, event.Err)
		c.emit(Event{Kind: EventErrorOccurred, Err: event.Err})

	case connector.EventFatalError:
		c.emit(Event{Kind: EventErrorOccurred, Err: event.Err})
		c.teardown(ctx, transport.PhaseConnected)
	}
}

func (c *Client) dispatchPending(action string, payload []byte, actionErr *kpxcerr.Error) {
	c.mu.Lock()
	op := c.pending
	if op != nil && op.action == action {
		c.pending = nil
	} else {
		op = nil
	}
	c.mu.Unlock()

	if op == nil {
		return
	}
	if actionErr != nil {
		op.onError(actionErr)
		return
	}
	op.onMessage(payload)
}

// setPending registers the single in-flight operation and sends its
// request. Rejects with ActionDenied if another operation is already
// outstanding.
func (c *Client) setPending(action string, payload map[string]any, triggerUnlock bool, onMessage func([]byte), onError func(*kpxcerr.Error)) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.ActionDenied, action, "another request is already in flight")})
		return
	}
	c.pending = &pendingOp{action: action, onMessage: onMessage, onError: onError}
	connClientID := c.connClientID
	c.mu.Unlock()

	if err := c.conn.SendAction(action, payload, connClientID, triggerUnlock); err != nil {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.emit(Event{Kind: EventErrorOccurred, Err: kpxcerr.New(kpxcerr.UnknownError, action, err.Error())})
	}
}

func (c *Client) teardown(ctx context.Context, startPhase transport.EscalationPhase) {
	c.mu.Lock()
	proc := c.proc
	conn := c.conn
	prevState := c.state
	c.state = Disconnected
	c.pending = nil
	c.haveHash = false
	connClientID := c.connClientID
	pendingAssocKey := c.pendingAssocKey
	c.connClientID = nil
	c.pendingAssocKey = nil
	c.mu.Unlock()

	if conn != nil {
		conn.DropKeys()
	}
	if connClientID != nil {
		connClientID.Destroy()
	}
	if pendingAssocKey != nil {
		pendingAssocKey.Destroy()
	}

	if proc != nil {
		proc.Disconnect(ctx, startPhase)
	}

	if prevState != Disconnected {
		c.emit(Event{Kind: EventStateChanged, State: Disconnected})
	}
	c.emit(Event{Kind: EventDisconnected})
}

func (c *Client) emit(ev Event) {
	switch ev.Kind {
	case EventErrorOccurred:
		c.cfg.Metrics.RecordActionError(ev.Err.Code.String())
	case EventDatabaseOpened:
		c.cfg.Metrics.RecordDatabaseOpen()
	case EventStateChanged:
		c.cfg.Metrics.SetAssociationActive(ev.State == Unlocked)
	}

	select {
	case c.events <- ev:
	default:
		c.cfg.Logger.Warn("event dropped: events channel full", logging.KeyComponent, "client", logging.KeyAction, ev.Kind.String())
	}
}

func newIdentityKey() (*secretbuf.Buffer, error) {
	buf, err := secretbuf.New(16, secretbuf.Readable)
	if err != nil {
		return nil, err
	}
	raw, err := buf.BytesMut()
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	if _, err := rand.Read(raw); err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("client: generate identity key: %w", err)
	}
	return buf, nil
}

func parseHash(payload []byte) ([32]byte, error) {
	var out [32]byte
	var body struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return out, err
	}
	raw, err := hex.DecodeString(body.Hash)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("client: malformed database hash %q", body.Hash)
	}
	copy(out[:], raw)
	return out, nil
}
