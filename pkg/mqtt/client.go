package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"clearwater/pkg/logging"
)

// MessageHandler is called for each MQTT message received on a subscribed
// topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Subscription pairs a topic filter with its QoS level.
type Subscription struct {
	Topic string
	QoS   byte
}

// Config holds MQTT connection settings.
type Config struct {
	BrokerURL string
	Username  string
	Password  string
	ClientID  string
	KeepAlive uint16
}

// Client manages an MQTT connection through autopaho: it reconnects with
// backoff on broker loss and re-subscribes on every (re-)connect, so
// subscriptions survive broker restarts.
type Client struct {
	cfg           Config
	subscriptions []Subscription
	handler       MessageHandler
	logger        logging.Logger
	cm            *autopaho.ConnectionManager
}

// NewClient creates a Client but does not connect. Call [Client.Start].
func NewClient(cfg Config, subscriptions []Subscription, handler MessageHandler, logger logging.Logger) *Client {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	return &Client{
		cfg:           cfg,
		subscriptions: subscriptions,
		handler:       handler,
		logger:        logger,
	}
}

// Start connects to the MQTT broker and subscribes. It returns once the
// connection manager is running; autopaho keeps retrying in the background
// if the broker is unreachable.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       c.cfg.KeepAlive,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.WithField("broker", c.cfg.BrokerURL).Info("mqtt connected to broker")
			c.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.WithError(err).Warn("mqtt connection error")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail - autopaho keeps retrying in the background.
		c.logger.WithError(err).Warn("mqtt initial connection timed out, will retry in background")
	}

	return nil
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(c.subscriptions) == 0 {
		return
	}

	subs := make([]paho.SubscribeOptions, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, paho.SubscribeOptions{Topic: s.Topic, QoS: s.QoS})
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.WithError(err).Error("mqtt subscribe failed")
		return
	}

	for _, s := range c.subscriptions {
		c.logger.WithFields(logging.Fields{
			"topic": s.Topic,
			"qos":   s.QoS,
		}).Info("mqtt subscribed")
	}
}

// Stop gracefully disconnects. The provided context controls how long to
// wait for the disconnect to complete.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or ctx
// expires. Used by health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// TopicDeviceID extracts the final topic segment, which carries the device
// id on both device/sensordata/{id} and device/registration/{id}.
func TopicDeviceID(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return ""
}
