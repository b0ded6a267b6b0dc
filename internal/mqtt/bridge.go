package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/incubator-dashboard/internal/config"
	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

// ErrNotConnected is returned by [Bridge.PublishCommand] when there is
// no established broker connection. The command is dropped.
var ErrNotConnected = errors.New("mqtt: not connected to broker")

// Connection is the broker connection held by a [Bridge]. It is
// satisfied by [*autopaho.ConnectionManager].
type Connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Observer receives every decoded inbound message, whatever its topic.
// Observers run on the transport's delivery goroutine and should return
// quickly.
type Observer func(telemetry.Message)

// Snapshot is the bridge's view of the controller: the last reported
// status and the most recent sensor reading. Data is nil until the
// first sensors message arrives.
type Snapshot struct {
	Status telemetry.Status   `json:"status"`
	Data   *telemetry.Reading `json:"data"`
}

// dialFunc opens a broker connection. Replaced in tests.
type dialFunc func(ctx context.Context, cfg autopaho.ClientConfig) (Connection, error)

func dialAutopaho(ctx context.Context, cfg autopaho.ClientConfig) (Connection, error) {
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

type observerEntry struct {
	fn Observer
}

// Bridge is the telemetry/command bridge. Create one with [New], call
// [Bridge.Initialize] to connect and [Bridge.Disconnect] to tear down.
// All methods are safe for concurrent use.
type Bridge struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	dial   dialFunc

	mu        sync.Mutex
	conn      Connection
	cancel    context.CancelFunc
	up        bool
	status    telemetry.Status
	reading   *telemetry.Reading
	observers []*observerEntry
	limiter   *messageRateLimiter
}

// New creates a Bridge but does not connect.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		dial:   dialAutopaho,
		status: telemetry.StatusOffline,
	}
}

// Initialize returns the bridge's broker connection, creating it on the
// first call. Later calls return the same connection until
// [Bridge.Disconnect]. The connection is established in the background;
// use [Connection.AwaitConnection] to wait for it.
//
// The connection outlives ctx; only Disconnect stops it.
func (b *Bridge) Initialize(ctx context.Context) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pahoCfg, err := b.clientConfig(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	if b.cfg.RateLimitPerMinute > 0 {
		b.limiter = newMessageRateLimiter(int64(b.cfg.RateLimitPerMinute), time.Minute, b.logger)
		go b.limiter.start(runCtx)
	}

	conn, err := b.dial(runCtx, pahoCfg)
	if err != nil {
		cancel()
		b.limiter = nil
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.conn = conn
	b.cancel = cancel
	b.logger.Info("mqtt bridge initialized",
		"broker", b.cfg.Broker,
		"client_id", pahoCfg.ClientID,
	)
	return conn, nil
}

// clientConfig builds the autopaho configuration: clean session,
// randomized client id, fixed reconnect delay.
func (b *Bridge) clientConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Host == "" {
		return autopaho.ClientConfig{}, fmt.Errorf("mqtt broker URL %q has no host", b.cfg.Broker)
	}

	reconnectDelay := b.cfg.ReconnectDelay()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(b.cfg.KeepAliveSec),
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ConnectTimeout:                b.cfg.ConnectTimeout(),
		ReconnectBackoff: func(int) time.Duration {
			return reconnectDelay
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.onConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "broker", b.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: newClientID(b.cfg.ClientIDPrefix),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handlePublish(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				b.onConnectionLost(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.onConnectionLost(fmt.Errorf("server disconnect (reason %d)", d.ReasonCode))
			},
		},
	}

	if b.cfg.Username != "" {
		pahoCfg.ConnectUsername = b.cfg.Username
		pahoCfg.ConnectPassword = []byte(b.cfg.Password)
	}

	// Enable TLS for secure schemes. wss:// is handled by the
	// WebSocket dialer but still honours TlsCfg.
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls", "wss":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return pahoCfg, nil
}

// newClientID returns prefix_ followed by six hex characters.
func newClientID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}

// onConnectionUp subscribes to the inbound topics. A failed
// subscription is logged; the next connect tries again.
func (b *Bridge) onConnectionUp(ctx context.Context, conn Connection) {
	b.mu.Lock()
	b.up = true
	b.mu.Unlock()

	b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)

	topics := telemetry.InboundTopics()
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}

	ack, err := conn.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs})
	if err != nil {
		b.logger.Error("mqtt subscribe failed", "topics", topics, "error", err)
		return
	}
	if ack != nil {
		for i, code := range ack.Reasons {
			if code >= 0x80 && i < len(topics) {
				b.logger.Error("mqtt subscription rejected", "topic", topics[i], "reason_code", code)
			}
		}
	}
	b.logger.Debug("mqtt subscribed", "topics", topics)
}

// onConnectionLost marks the transport down and the device offline.
// The reading is kept.
func (b *Bridge) onConnectionLost(err error) {
	b.mu.Lock()
	b.up = false
	b.status = telemetry.StatusOffline
	b.mu.Unlock()

	b.logger.Warn("mqtt connection lost", "broker", b.cfg.Broker, "error", err)
}

// handlePublish decodes one inbound message, applies it to the bridge
// state and notifies observers. Undecodable payloads are logged and
// dropped without touching state.
func (b *Bridge) handlePublish(topic string, payload []byte) {
	b.mu.Lock()
	limiter := b.limiter
	b.mu.Unlock()
	if limiter != nil && !limiter.allow() {
		return
	}

	b.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
		"topic", topic,
		"payload", string(payload),
	)

	msg, err := telemetry.DecodeMessage(topic, payload)
	if err != nil {
		b.logger.Warn("mqtt message discarded",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		return
	}

	b.mu.Lock()
	switch {
	case msg.Status != nil:
		b.status = msg.Status.Status
	case msg.Reading != nil:
		b.reading = msg.Reading.Clone()
	}
	observers := make([]*observerEntry, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	b.logger.Debug("mqtt message applied", "topic", topic, "observers", len(observers))

	for _, o := range observers {
		b.notify(o, msg)
	}
}

// notify runs one observer, containing any panic it raises.
func (b *Bridge) notify(o *observerEntry, msg telemetry.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("mqtt observer panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	o.fn(msg)
}

// OnMessage registers an observer and returns a function that removes
// it. Registering the same function twice notifies it twice; each
// returned function removes only its own registration.
func (b *Bridge) OnMessage(fn Observer) (unsubscribe func()) {
	entry := &observerEntry{fn: fn}

	b.mu.Lock()
	b.observers = append(b.observers, entry)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, o := range b.observers {
			if o == entry {
				b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
				return
			}
		}
	}
}

// PublishCommand validates cmd and publishes it on the control topic at
// QoS 1. Without an established connection it returns
// [ErrNotConnected] and nothing is sent or queued.
func (b *Bridge) PublishCommand(ctx context.Context, cmd telemetry.Command) error {
	payload, err := telemetry.EncodeCommand(cmd)
	if err != nil {
		b.logger.Warn("mqtt command rejected", "error", err)
		return err
	}

	b.mu.Lock()
	conn, up := b.conn, b.up
	b.mu.Unlock()

	if conn == nil || !up {
		b.logger.Warn("mqtt command dropped, not connected",
			"command", telemetry.DescribeCommand(cmd),
		)
		return ErrNotConnected
	}

	if timeout := b.cfg.PublishTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := conn.Publish(ctx, &paho.Publish{
		Topic:   telemetry.TopicControl,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		b.logger.Warn("mqtt command publish failed",
			"command", telemetry.DescribeCommand(cmd),
			"error", err,
		)
		return fmt.Errorf("publish %s: %w", telemetry.TopicControl, err)
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		b.logger.Warn("mqtt command refused by broker",
			"command", telemetry.DescribeCommand(cmd),
			"reason_code", resp.ReasonCode,
		)
		return fmt.Errorf("publish %s: broker reason code %d", telemetry.TopicControl, resp.ReasonCode)
	}

	b.logger.Info("mqtt command sent", "command", telemetry.DescribeCommand(cmd))
	return nil
}

// Snapshot returns the current status and a copy of the latest reading.
func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Status: b.status,
		Data:   b.reading.Clone(),
	}
}

// Status returns the last reported device status.
func (b *Bridge) Status() telemetry.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Connected reports whether the broker connection is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.up
}

// AwaitConnected blocks until the broker connection is up and the
// bridge has handled the connect, or ctx is done. It returns
// [ErrNotConnected] when the bridge has not been initialized.
func (b *Bridge) AwaitConnected(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.AwaitConnection(ctx); err != nil {
		return err
	}

	// autopaho signals the connection before running OnConnectionUp.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !b.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Disconnect closes the broker connection and resets the bridge: the
// status returns to offline and the reading and observers are cleared.
// A later [Bridge.Initialize] opens a new connection. Calling it on a
// bridge that was never initialized is a no-op.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	conn, cancel := b.conn, b.cancel
	b.conn = nil
	b.cancel = nil
	b.up = false
	b.status = telemetry.StatusOffline
	b.reading = nil
	b.observers = nil
	b.limiter = nil
	b.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Disconnect(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	b.logger.Info("mqtt bridge disconnected", "broker", b.cfg.Broker)
	return nil
}
