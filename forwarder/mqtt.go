package forwarder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devdash-project/devdash"
	"github.com/devdash-project/devdash/channel"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MQTTConfig locates the broker and names the topic tree.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// to allow testing
var newMQTTClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// channelMessage is the per-channel JSON payload.
type channelMessage struct {
	Channel   string  `json:"channel"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// MQTTForwarder publishes standard channel changes as JSON messages under
// <topic>/<channel>, plus the gear label and connection state. Publishes
// are asynchronous; the broker goroutine never waits on the network.
type MQTTForwarder struct {
	config MQTTConfig
	client mqtt.Client
}

// NewMQTTForwarder connects to the MQTT broker.
func NewMQTTForwarder(config MQTTConfig) (*MQTTForwarder, error) {
	if config.ClientID == "" {
		config.ClientID = "devdash"
	}
	if config.Topic == "" {
		config.Topic = "devdash/telemetry"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := newMQTTClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.Errorf("timed out connecting to mqtt broker %s", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "unable to connect to mqtt broker %s", config.Broker)
	}

	log.WithField("broker", config.Broker).Info("connected to mqtt broker")
	return &MQTTForwarder{
		config: config,
		client: client,
	}, nil
}

// Attach subscribes the forwarder to a broker's change notifications.
func (m *MQTTForwarder) Attach(b *devdash.Broker) {
	b.OnChannelChange(m.publishChannel)
	b.OnGearChange(m.publishGear)
	b.OnConnectionChange(m.publishConnection)
}

// Close disconnects from the MQTT broker.
func (m *MQTTForwarder) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTTForwarder) publishChannel(ch devdash.StandardChannel, value channel.Value) {
	payload, err := json.Marshal(channelMessage{
		Channel:   ch.String(),
		Value:     value.Value,
		Unit:      value.Unit,
		Timestamp: value.Timestamp,
	})
	if err != nil {
		log.WithField("err", err).Warn("unable to marshal channel message")
		return
	}
	m.publish(fmt.Sprintf("%s/%s", m.config.Topic, ch), payload)
}

func (m *MQTTForwarder) publishGear(label string) {
	m.publish(m.config.Topic+"/gear", []byte(fmt.Sprintf("%q", label)))
}

func (m *MQTTForwarder) publishConnection(connected bool) {
	payload := []byte("false")
	if connected {
		payload = []byte("true")
	}
	m.publish(m.config.Topic+"/connected", payload)
}

func (m *MQTTForwarder) publish(topic string, payload []byte) {
	token := m.client.Publish(topic, m.config.QoS, false, payload)
	// fire-and-forget: report failures without blocking the broker
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.WithField("topic", topic).
				WithField("err", err).
				Warn("unable to publish telemetry message")
		}
	}()
}
