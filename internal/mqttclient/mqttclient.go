// Package mqttclient wraps the paho MQTT client behind a small interface
// the MQTT worker (component H) depends on, classifying transport/auth
// failures into the shared agenterrors taxonomy at the boundary so the
// worker's error-handling loop never has to know it is talking MQTT at
// all (spec.md §4.6, §7).
package mqttclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
)

// MessageHandler receives a message's topic and raw payload.
type MessageHandler func(topic string, payload []byte)

// Client is the capability the MQTT worker depends on.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
}

// Options configures a Client's connection and lifecycle callbacks.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	OnConnect        func()
	OnConnectionLost func(error)

	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration
	PublishTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	return o
}

type pahoClient struct {
	inner mqtt.Client
	opts  Options
}

// New constructs a Client. The device session id is the MQTT username and
// the device token is the password, per spec.md §6.
func New(opts Options) Client {
	opts = opts.withDefaults()

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(false). // the worker owns reconnect-on-auth-error itself (spec.md §4.6)
		SetConnectTimeout(opts.ConnectTimeout)

	if opts.OnConnect != nil {
		mqttOpts.SetOnConnectHandler(func(mqtt.Client) { opts.OnConnect() })
	}
	if opts.OnConnectionLost != nil {
		mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { opts.OnConnectionLost(err) })
	}

	return &pahoClient{inner: mqtt.NewClient(mqttOpts), opts: opts}
}

func (c *pahoClient) Connect(context.Context) error {
	token := c.inner.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return agenterrors.NewNetworkError("mqtt connect timed out", nil)
	}
	if err := token.Error(); err != nil {
		return classify("mqtt connect", err)
	}
	return nil
}

func (c *pahoClient) Subscribe(topic string, handler MessageHandler) error {
	token := c.inner.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.opts.SubscribeTimeout) {
		return agenterrors.NewNetworkError(fmt.Sprintf("mqtt subscribe to %s timed out", topic), nil)
	}
	if err := token.Error(); err != nil {
		return classify(fmt.Sprintf("mqtt subscribe to %s", topic), err)
	}
	return nil
}

func (c *pahoClient) Unsubscribe(topic string) error {
	token := c.inner.Unsubscribe(topic)
	if !token.WaitTimeout(c.opts.SubscribeTimeout) {
		return agenterrors.NewNetworkError(fmt.Sprintf("mqtt unsubscribe from %s timed out", topic), nil)
	}
	if err := token.Error(); err != nil {
		return classify(fmt.Sprintf("mqtt unsubscribe from %s", topic), err)
	}
	return nil
}

func (c *pahoClient) Publish(_ context.Context, topic string, payload []byte) error {
	token := c.inner.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(c.opts.PublishTimeout) {
		return agenterrors.NewNetworkError(fmt.Sprintf("mqtt publish to %s timed out", topic), nil)
	}
	if err := token.Error(); err != nil {
		return classify(fmt.Sprintf("mqtt publish to %s", topic), err)
	}
	return nil
}

func (c *pahoClient) Disconnect() {
	c.inner.Disconnect(250)
}

// classify buckets a paho error into the shared taxonomy. paho's v3
// client exposes bad-credentials failures only as an error string on the
// CONNECT token, not a structured reason code, so the match here is
// necessarily textual.
func classify(context string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not authorized") || strings.Contains(msg, "bad user name or password") || strings.Contains(msg, "unauthorized") {
		return agenterrors.NewAuthError(context, err)
	}
	return agenterrors.NewNetworkError(context, err)
}
