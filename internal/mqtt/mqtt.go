package mqtt

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Message is the part of an MQTT message the agent consumes.
type Message interface {
	Topic() string
	Payload() []byte
}

// Client is a thin wrapper around a paho client with reconnect enabled.
type Client struct {
	client paho.Client
	logger *slog.Logger
}

// Connect dials the broker. mqtt:// and mqtts:// are accepted as aliases for
// tcp:// and ssl://, and a bare host:port is treated as tcp.
func Connect(brokerURL, clientID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	url, err := BrokerURL(brokerURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(clientID) == "" {
		clientID = fmt.Sprintf("gpsrecorder-%d", time.Now().UnixNano())
	}

	opts := paho.NewClientOptions().AddBroker(url).SetClientID(clientID)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ paho.Client) {
		logger.Info("mqtt connected", "broker", url, "client_id", clientID)
	}

	c := paho.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Client{client: c, logger: logger}, nil
}

// BrokerURL normalises a broker address for paho.
func BrokerURL(raw string) (string, error) {
	url := strings.TrimSpace(raw)
	if url == "" {
		return "", fmt.Errorf("mqtt connect: broker url required")
	}
	switch {
	case strings.HasPrefix(url, "mqtt://"):
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	case strings.HasPrefix(url, "mqtts://"):
		url = "ssl://" + strings.TrimPrefix(url, "mqtts://")
	case !strings.Contains(url, "://"):
		url = "tcp://" + url
	}
	return url, nil
}

// Subscribe registers handler for topic at QoS 1.
func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg)
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	tok := c.client.Publish(topic, 1, retained, payload)
	if ok := tok.WaitTimeout(5 * time.Second); !ok {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
}
