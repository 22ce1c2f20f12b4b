package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const defaultMQTTTopic = "mdm/events"

// MQTTOptions configures the MQTT transport, used when the webhook relay republishes
// MDM events to a broker instead of serving a WebSocket.
type MQTTOptions struct {
	Broker   string // tcp://host:1883, ssl://host:8883
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTTransport subscribes to the feed topic on an MQTT broker. The CONNECT exchange is
// the handshake. Paho's own reconnect logic is disabled; the Subscriber decides when to
// reconnect.
type MQTTTransport struct {
	opts MQTTOptions
}

// NewMQTT validates opts and returns a transport.
func NewMQTT(opts MQTTOptions) (*MQTTTransport, error) {
	if opts.Broker == "" {
		return nil, errors.New("feed: empty MQTT broker")
	}
	if opts.Topic == "" {
		opts.Topic = defaultMQTTTopic
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("feed: invalid MQTT QoS %d", opts.QoS)
	}
	if opts.ClientID == "" {
		host, _ := os.Hostname()
		opts.ClientID = fmt.Sprintf("mdm-agent_%s_%d", host, time.Now().Unix())
	}
	return &MQTTTransport{opts: opts}, nil
}

// Dial prepares a client. No network traffic happens until Handshake.
func (m *MQTTTransport) Dial(ctx context.Context) (Conn, error) {
	c := &mqttConn{
		topic:  m.opts.Topic,
		qos:    m.opts.QoS,
		frames: make(chan []byte, defaultQueueSize),
		lost:   make(chan error, 1),
		closed: make(chan struct{}),
	}

	opts := MQTT.NewClientOptions().AddBroker(m.opts.Broker)
	opts.SetClientID(m.opts.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if m.opts.Username != "" {
		opts.SetUsername(m.opts.Username)
		opts.SetPassword(m.opts.Password)
	}
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = MQTT.NewClient(opts)
	return c, nil
}

type mqttConn struct {
	client    MQTT.Client
	topic     string
	qos       byte
	frames    chan []byte
	lost      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *mqttConn) Handshake(ctx context.Context) error {
	if err := waitToken(ctx, c.client.Connect()); err != nil {
		return classifyConnectError(err)
	}

	token := c.client.Subscribe(c.topic, c.qos, func(_ MQTT.Client, msg MQTT.Message) {
		select {
		case c.frames <- msg.Payload():
		case <-c.closed:
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return &ConnectionError{Op: "subscribe", Err: err}
	}
	return nil
}

func (c *mqttConn) Next() ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case err := <-c.lost:
		return nil, err
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *mqttConn) Ping() error {
	if !c.client.IsConnectionOpen() {
		return errors.New("MQTT connection is not open")
	}
	return nil
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.client.IsConnected() {
			c.client.Disconnect(250)
		}
	})
	return nil
}

func waitToken(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyConnectError separates refused credentials from network failures.
func classifyConnectError(err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return &AuthError{Reason: err.Error()}
	}
	return &ConnectionError{Op: "connect", Err: err}
}
