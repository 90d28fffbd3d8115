package haltech

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/brutella/can"
	"github.com/devdash-project/devdash/channel"
	"github.com/devdash-project/devdash/pd16"
	"github.com/stretchr/testify/assert"
)

type busStub struct {
	disconnected bool
	subscribed   bool
	stopChan     chan struct{}
	startedChan  chan struct{}
}

func (bus *busStub) SubscribeFunc(can.HandlerFunc) {
	bus.subscribed = true
}

func (bus *busStub) ConnectAndPublish() error {
	bus.startedChan <- struct{}{}
	<-bus.stopChan
	return nil
}

func (bus *busStub) Disconnect() error {
	bus.disconnected = true
	bus.stopChan <- struct{}{}
	return nil
}

func TestConnect(t *testing.T) {
	origNewBus := newBus
	bus := &busStub{
		stopChan: make(chan struct{}, 1),
	}
	newBus = func(string) (Bus, error) {
		return bus, nil
	}
	defer func() {
		newBus = origNewBus
	}()

	c, err := Connect("fakeport", loadTestProtocol(t), nil, channel.NewQueue(16))
	assert.NotNil(t, c)
	assert.NoError(t, err)
	assert.IsType(t, &busStub{}, c.bus)

	assert.NoError(t, c.Close())
	assert.True(t, bus.disconnected)
}

func TestStart(t *testing.T) {
	bus := &busStub{
		stopChan:    make(chan struct{}),
		startedChan: make(chan struct{}),
	}

	var states []bool
	c := &Connection{
		bus:      bus,
		protocol: loadTestProtocol(t),
		queue:    channel.NewQueue(16),
	}
	c.OnConnectionChange(func(connected bool) {
		states = append(states, connected)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		assert.NoError(t, c.Start(ctx))
		wg.Done()
	}()
	<-bus.startedChan
	assert.True(t, bus.subscribed)
	cancel()
	wg.Wait()
	assert.Equal(t, []bool{true, false}, states)
}

func TestHandleFrameBroadcast(t *testing.T) {
	queue := channel.NewQueue(16)
	c := &Connection{
		protocol: loadTestProtocol(t),
		queue:    queue,
	}

	c.handleFrame(can.Frame{
		ID:     0x360,
		Length: 8,
		Data:   [8]uint8{0x0D, 0xAC, 0x05, 0xDC, 0x01, 0xA9, 0x00, 0x00},
	})

	updates := queue.DequeueBulk(nil, 0)
	assert.Len(t, updates, 3)
	assert.Equal(t, "rPM", updates[0].Name)
	assert.Equal(t, 3500.0, updates[0].Value.Value)
}

func TestHandleFramePD16(t *testing.T) {
	queue := channel.NewQueue(16)
	c := &Connection{
		protocol: loadTestProtocol(t),
		devices:  []*pd16.Protocol{pd16.NewProtocol(pd16.DeviceA)},
		queue:    queue,
	}

	// device A output status: 25A output 1, load 40%
	c.handleFrame(can.Frame{
		ID:     0x6D4,
		Length: 2,
		Data:   [8]uint8{0x01, 40},
	})

	updates := queue.DequeueBulk(nil, 0)
	assert.Len(t, updates, 1)
	assert.Equal(t, "pd16_A_25A_1_load", updates[0].Name)
	assert.Equal(t, 40.0, updates[0].Value.Value)
}

func TestHandleFrameUnknown(t *testing.T) {
	queue := channel.NewQueue(16)
	c := &Connection{
		protocol: loadTestProtocol(t),
		queue:    queue,
	}

	c.handleFrame(can.Frame{
		ID:     0x400,
		Length: 2,
		Data:   [8]uint8{0x01, 0x02},
	})
	assert.Equal(t, 0, queue.ApproximateSize())
}

func TestHandleFrameQueueFull(t *testing.T) {
	queue := channel.NewQueue(1)
	c := &Connection{
		protocol: loadTestProtocol(t),
		queue:    queue,
	}

	// three decoded channels into a one-slot queue: overflow drops, no panic
	c.handleFrame(can.Frame{
		ID:     0x360,
		Length: 8,
		Data:   [8]uint8{0x0D, 0xAC, 0x05, 0xDC, 0x01, 0xA9, 0x00, 0x00},
	})
	assert.Equal(t, 1, queue.ApproximateSize())
}

func TestConnectError(t *testing.T) {
	origNewBus := newBus
	newBus = func(string) (Bus, error) {
		return nil, assert.AnError
	}
	defer func() {
		newBus = origNewBus
	}()

	p := NewProtocol()
	assert.NoError(t, p.LoadDefinition(strings.NewReader(testDefinition)))
	c, err := Connect("missing", p, nil, channel.NewQueue(16))
	assert.Nil(t, c)
	assert.Error(t, err)
}
