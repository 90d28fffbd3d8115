package forwarder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/devdash-project/devdash"
	"github.com/devdash-project/devdash/channel"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
)

type tokenStub struct {
	done chan struct{}
	err  error
}

func newTokenStub() *tokenStub {
	done := make(chan struct{})
	close(done)
	return &tokenStub{done: done}
}

func (t *tokenStub) Wait() bool                     { return true }
func (t *tokenStub) WaitTimeout(time.Duration) bool { return true }
func (t *tokenStub) Done() <-chan struct{}          { return t.done }
func (t *tokenStub) Error() error                   { return t.err }

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

type mqttClientStub struct {
	connected bool
	published chan publishedMessage
}

func createMQTTClientStub() *mqttClientStub {
	return &mqttClientStub{
		published: make(chan publishedMessage, 16),
	}
}

func (c *mqttClientStub) IsConnected() bool      { return c.connected }
func (c *mqttClientStub) IsConnectionOpen() bool { return c.connected }

func (c *mqttClientStub) Connect() mqtt.Token {
	c.connected = true
	return newTokenStub()
}

func (c *mqttClientStub) Disconnect(quiesce uint) {
	c.connected = false
}

func (c *mqttClientStub) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published <- publishedMessage{
		topic:   topic,
		qos:     qos,
		payload: payload.([]byte),
	}
	return newTokenStub()
}

func (c *mqttClientStub) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return newTokenStub()
}

func (c *mqttClientStub) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return newTokenStub()
}

func (c *mqttClientStub) Unsubscribe(topics ...string) mqtt.Token {
	return newTokenStub()
}

func (c *mqttClientStub) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *mqttClientStub) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func newTestMQTTForwarder(t *testing.T) (*MQTTForwarder, *mqttClientStub) {
	origNewMQTTClient := newMQTTClient
	t.Cleanup(func() {
		newMQTTClient = origNewMQTTClient
	})

	stub := createMQTTClientStub()
	newMQTTClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		return stub
	}

	fwd, err := NewMQTTForwarder(MQTTConfig{
		Broker: "tcp://localhost:1883",
		QoS:    1,
	})
	assert.NoError(t, err)
	return fwd, stub
}

func TestMQTTForwarderConnect(t *testing.T) {
	fwd, stub := newTestMQTTForwarder(t)
	assert.True(t, stub.connected)

	// defaults applied
	assert.Equal(t, "devdash", fwd.config.ClientID)
	assert.Equal(t, "devdash/telemetry", fwd.config.Topic)

	assert.NoError(t, fwd.Close())
	assert.False(t, stub.connected)
}

func TestMQTTPublishChannel(t *testing.T) {
	fwd, stub := newTestMQTTForwarder(t)

	fwd.publishChannel(devdash.Rpm, channel.Value{
		Value:     3500,
		Unit:      "RPM",
		Valid:     true,
		Timestamp: 1234,
	})

	msg := <-stub.published
	assert.Equal(t, "devdash/telemetry/rpm", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var decoded channelMessage
	assert.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, channelMessage{
		Channel:   "rpm",
		Value:     3500,
		Unit:      "RPM",
		Timestamp: 1234,
	}, decoded)
}

func TestMQTTPublishGearAndConnection(t *testing.T) {
	fwd, stub := newTestMQTTForwarder(t)

	fwd.publishGear("R")
	msg := <-stub.published
	assert.Equal(t, "devdash/telemetry/gear", msg.topic)
	assert.Equal(t, `"R"`, string(msg.payload))

	fwd.publishConnection(true)
	msg = <-stub.published
	assert.Equal(t, "devdash/telemetry/connected", msg.topic)
	assert.Equal(t, "true", string(msg.payload))

	fwd.publishConnection(false)
	msg = <-stub.published
	assert.Equal(t, "false", string(msg.payload))
}

func TestMQTTAttach(t *testing.T) {
	fwd, stub := newTestMQTTForwarder(t)

	b := devdash.NewBroker()
	assert.NoError(t, b.SetProfile(&devdash.Profile{
		ChannelMappings: map[string]devdash.StandardChannel{"rpm": devdash.Rpm},
	}))
	fwd.Attach(b)

	assert.True(t, b.Queue().Enqueue(channel.Update{
		Name:  "rpm",
		Value: channel.Value{Value: 4200, Unit: "RPM", Valid: true},
	}))
	b.ProcessQueue()

	msg := <-stub.published
	assert.Equal(t, "devdash/telemetry/rpm", msg.topic)
}
