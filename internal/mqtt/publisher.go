package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/sneelco/hass-addon-vrm-cloud-mqtt/internal/config"
)

// Status payloads for the retained presence topic and the will message.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultBaseTopic is used when no topic is configured.
const DefaultBaseTopic = "vrm/cloud"

// Publisher manages the MQTT connection and publishes device payloads
// under a base topic. Presence rides on <base>/status: retained
// "online"/"offline" at QoS 2, with a matching will message so the
// broker flips the topic to "offline" if the bridge dies unclean.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
	stopOnce  sync.Once
}

// New builds a Publisher without touching the network; the broker
// connection starts with [Publisher.Start]. instanceID seeds a stable
// client ID so the broker sees one session across restarts.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultBaseTopic
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and returns once the initial
// connection is up or the connect timeout passes. A timeout is not
// fatal: autopaho keeps retrying in the background and every successful
// (re-)connect re-announces "online" on the status topic.
//
// ctx governs the life of the connection. Cancelling it tears the
// connection down without the graceful offline publish — call
// [Publisher.Stop] first for a clean exit.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.StatusTopic(),
			Payload: []byte(StatusOffline),
			QoS:     2,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.connected.Store(true)
			p.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			p.publishStatus(ctx, cm, StatusOnline)
		},
		OnConnectError: func(err error) {
			p.connected.Store(false)
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.connected.Store(false)
				p.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			},
			OnClientError: func(err error) {
				p.connected.Store(false)
				p.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	// mqtts:// and ssl:// schemes get TLS.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Bounded wait for the first connection before polling begins.
	timeout := p.cfg.ConnectTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connCtx, connCancel := context.WithTimeout(ctx, timeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background",
			"broker", brokerURL.Redacted(),
			"error", err,
		)
	}

	return nil
}

// Stop publishes a retained "offline" status while the connection is
// still up, then disconnects. Effective once; safe to call when Start
// never ran or never connected.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}

	var err error
	p.stopOnce.Do(func() {
		if p.connected.Load() {
			p.publishStatus(ctx, p.cm, StatusOffline)
		}
		p.connected.Store(false)
		err = p.cm.Disconnect(ctx)
	})
	return err
}

// Connected reports whether the broker connection is currently up. The
// flag is flipped only by transport callbacks, so it tracks the real
// link state rather than what the caller last requested.
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// Publish sends payload to <base>/<subtopic> at QoS 1, unretained.
// When the broker is not connected the message is dropped with a
// warning — telemetry is superseded by the next poll cycle, so there
// is no queue and no error for the caller to handle.
func (p *Publisher) Publish(ctx context.Context, payload []byte, subtopic string) {
	topic := p.topicFor(subtopic)

	if p.cm == nil || !p.connected.Load() {
		p.logger.Warn("mqtt not connected, dropping message", "topic", topic)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}

	p.logger.Debug("mqtt published", "topic", topic, "bytes", len(payload))
}

// publishStatus writes the retained presence payload at QoS 2.
func (p *Publisher) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.StatusTopic(),
		Payload: []byte(status),
		QoS:     2,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt status published", "status", status)
}

// BaseTopic returns the configured topic root.
func (p *Publisher) BaseTopic() string {
	return p.cfg.Topic
}

// StatusTopic returns the retained presence topic.
func (p *Publisher) StatusTopic() string {
	return p.cfg.Topic + "/status"
}

// topicFor joins a subtopic under the base topic. An empty subtopic
// publishes to the base itself.
func (p *Publisher) topicFor(subtopic string) string {
	if subtopic == "" {
		return p.cfg.Topic
	}
	return p.cfg.Topic + "/" + subtopic
}

// clientID derives the MQTT client ID from the persisted instance ID.
// Only a short prefix is used because the full UUID pushes past the
// 23-byte client ID length some brokers still enforce.
func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "vrm-cloud-mqtt"
	}
	return "vrm-cloud-mqtt-" + id
}
