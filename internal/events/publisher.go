// Package events mirrors device activity to an MQTT broker. Status changes are
// retained so a subscriber joining late sees every device's current state.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Tris860/websocket-service/internal/config"
)

var (
	// ErrConnectionFailed is returned when the initial broker connection fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish is not acknowledged.
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
)

// publisher is the subset of the paho client the Publisher uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Publisher sends device events to the broker. Publishes never block the
// caller; acknowledgement is awaited in the background and failures are
// logged.
type Publisher struct {
	client publisher
	topics Topics
	qos    byte
	logger *slog.Logger

	// disconnect is set when the Publisher owns a live paho client.
	disconnect func()
}

// NewPublisher wraps an existing client.
func NewPublisher(client publisher, prefix string, qos byte, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		topics: Topics{Prefix: prefix},
		qos:    qos,
		logger: logger.With("component", "events"),
	}
}

// Connect dials the broker described by cfg. The relay's own status topic
// carries a retained "online" and a last will of "offline".
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	topics := Topics{Prefix: cfg.TopicPrefix}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(topics.RelayStatus(), "offline", byte(cfg.QoS), true)

	p := NewPublisher(nil, cfg.TopicPrefix, byte(cfg.QoS), logger)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.logger.Info("mqtt connected", "broker", cfg.Broker)
		c.Publish(topics.RelayStatus(), byte(cfg.QoS), true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p.client = client
	p.disconnect = func() {
		t := client.Publish(topics.RelayStatus(), byte(cfg.QoS), true, "offline")
		t.WaitTimeout(publishTimeout)
		client.Disconnect(disconnectQuiesce)
	}
	return p, nil
}

// Close publishes the relay's graceful offline status and disconnects.
func (p *Publisher) Close() {
	if p.disconnect != nil {
		p.disconnect()
	}
}

type statusPayload struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

// DeviceStatus publishes a retained online/offline record for name.
func (p *Publisher) DeviceStatus(name string, online bool) {
	payload, err := json.Marshal(statusPayload{
		Device:    name,
		Online:    online,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("encoding status event", "device", name, "error", err)
		return
	}
	p.publish(p.topics.DeviceStatus(name), true, payload)
}

// DeviceMessage publishes a frame received from name.
func (p *Publisher) DeviceMessage(name string, payload []byte) {
	p.publish(p.topics.DeviceMessages(name), false, payload)
}

// DeviceCommand publishes a frame delivered to name.
func (p *Publisher) DeviceCommand(name string, payload []byte) {
	p.publish(p.topics.DeviceCommands(name), false, payload)
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) {
	token := p.client.Publish(topic, p.qos, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("event publish timed out", "topic", topic, "error", ErrPublishFailed)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("event publish failed", "topic", topic, "error", fmt.Errorf("%w: %w", ErrPublishFailed, err))
		}
	}()
}

// Topics builds the relay's MQTT topic names.
//
//	<prefix>/status
//	<prefix>/devices/<name>/status
//	<prefix>/devices/<name>/messages
//	<prefix>/devices/<name>/commands
type Topics struct {
	Prefix string
}

// RelayStatus is the relay's own online/offline topic.
func (t Topics) RelayStatus() string {
	return t.Prefix + "/status"
}

// DeviceStatus is the retained connection state topic of a device.
func (t Topics) DeviceStatus(name string) string {
	return t.device(name, "status")
}

// DeviceMessages carries frames sent by a device.
func (t Topics) DeviceMessages(name string) string {
	return t.device(name, "messages")
}

// DeviceCommands carries frames forwarded to a device.
func (t Topics) DeviceCommands(name string) string {
	return t.device(name, "commands")
}

func (t Topics) device(name, leaf string) string {
	return fmt.Sprintf("%s/devices/%s/%s", t.Prefix, topicSegment(name), leaf)
}

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// topicSegment keeps a device name from spanning levels or acting as a
// wildcard.
func topicSegment(name string) string {
	if name == "" {
		return "_"
	}
	return topicEscaper.Replace(name)
}
