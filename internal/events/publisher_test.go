package events

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return newFakeToken(c.err)
}

func (c *fakeClient) Published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func newTestPublisher(c *fakeClient) *Publisher {
	return NewPublisher(c, "relay", 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDeviceStatusIsRetained(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(c)

	p.DeviceStatus("unit-7", true)
	p.DeviceStatus("unit-7", false)

	msgs := c.Published()
	require.Len(t, msgs, 2)
	for i, want := range []bool{true, false} {
		assert.Equal(t, "relay/devices/unit-7/status", msgs[i].topic)
		assert.True(t, msgs[i].retained)
		assert.Equal(t, byte(1), msgs[i].qos)

		var got statusPayload
		require.NoError(t, json.Unmarshal(msgs[i].payload, &got))
		assert.Equal(t, "unit-7", got.Device)
		assert.Equal(t, want, got.Online)
		assert.NotEmpty(t, got.Timestamp)
	}
}

func TestDeviceMessageAndCommand(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(c)

	p.DeviceMessage("unit-7", []byte("DONE"))
	p.DeviceCommand("unit-7", []byte("OPEN"))

	msgs := c.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, published{topic: "relay/devices/unit-7/messages", qos: 1, payload: []byte("DONE")}, msgs[0])
	assert.Equal(t, published{topic: "relay/devices/unit-7/commands", qos: 1, payload: []byte("OPEN")}, msgs[1])
}

func TestPublishFailureDoesNotBlock(t *testing.T) {
	c := &fakeClient{err: errors.New("not connected")}
	p := newTestPublisher(c)

	done := make(chan struct{})
	go func() {
		p.DeviceMessage("unit-7", []byte("DONE"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked the caller")
	}
	assert.Len(t, c.Published(), 1)
}

func TestCloseWithoutConnection(t *testing.T) {
	p := newTestPublisher(&fakeClient{})
	assert.NotPanics(t, p.Close)
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "relay"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"relay status", topics.RelayStatus(), "relay/status"},
		{"device status", topics.DeviceStatus("unit-7"), "relay/devices/unit-7/status"},
		{"device messages", topics.DeviceMessages("unit-7"), "relay/devices/unit-7/messages"},
		{"device commands", topics.DeviceCommands("unit-7"), "relay/devices/unit-7/commands"},
		{"slash escaped", topics.DeviceStatus("site/unit-7"), "relay/devices/site_unit-7/status"},
		{"wildcards escaped", topics.DeviceStatus("a+b#"), "relay/devices/a_b_/status"},
		{"empty name", topics.DeviceStatus(""), "relay/devices/_/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
