package haltech

import (
	"context"

	"github.com/brutella/can"
	"github.com/devdash-project/devdash/channel"
	"github.com/devdash-project/devdash/pd16"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Bus is the subset of the SocketCAN bus used by the adapter.
type Bus interface {
	SubscribeFunc(can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
}

// to allow testing
var newBus = func(ifaceName string) (Bus, error) {
	return can.NewBusForInterfaceWithName(ifaceName)
}

// Connection receives frames from a CAN interface, runs the broadcast and
// PD16 decoders over them, and enqueues the results. Enqueue failures are
// logged and dropped; the receive path never blocks.
type Connection struct {
	bus      Bus
	protocol *Protocol
	devices  []*pd16.Protocol
	queue    *channel.Queue
	onState  func(connected bool)
}

// Connect opens the named CAN interface. The returned Connection decodes
// with protocol and, additionally, any configured PD16 device decoders.
func Connect(ifaceName string, protocol *Protocol, devices []*pd16.Protocol, queue *channel.Queue) (*Connection, error) {
	bus, err := newBus(ifaceName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open CAN interface %s", ifaceName)
	}
	return &Connection{
		bus:      bus,
		protocol: protocol,
		devices:  devices,
		queue:    queue,
	}, nil
}

// OnConnectionChange registers a callback fired when the bus goes up or
// down. Must be set before Start.
func (c *Connection) OnConnectionChange(fn func(connected bool)) {
	c.onState = fn
}

// Start subscribes the frame handler and blocks receiving frames until the
// context is cancelled or the bus fails.
func (c *Connection) Start(ctx context.Context) error {
	c.bus.SubscribeFunc(c.handleFrame)
	log.Info("CAN bus opened and subscribed")

	go func() {
		<-ctx.Done()
		log.Infof("stopping can bus: %v", ctx.Err())
		if err := c.bus.Disconnect(); err != nil {
			log.WithField("err", err).Warn("unable to disconnect canbus after context")
		}
	}()

	if c.onState != nil {
		c.onState(true)
	}
	err := c.bus.ConnectAndPublish()
	if c.onState != nil {
		c.onState(false)
	}
	return err
}

// Close disconnects from the bus.
func (c *Connection) Close() error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	return c.bus.Disconnect()
}

func (c *Connection) handleFrame(frame can.Frame) {
	log.WithField("canID", frame.ID).
		WithField("length", frame.Length).
		Debug("received canbus frame")

	length := int(frame.Length)
	if length > len(frame.Data) {
		length = len(frame.Data)
	}
	payload := frame.Data[:length]

	updates := c.protocol.Decode(frame.ID, payload)
	if updates == nil {
		for _, dev := range c.devices {
			if updates = dev.Decode(frame.ID, payload); updates != nil {
				break
			}
		}
	}

	for _, u := range updates {
		if !c.queue.Enqueue(u) {
			log.WithField("channel", u.Name).Warn("update queue full, dropping update")
		}
	}
}
